package aria2

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tonylu00/bili-sync-sub001/internal/platform"
)

// versionProbeTimeout bounds the --version check on a candidate binary
const versionProbeTimeout = 10 * time.Second

// versionOutputMarker must appear in the probe output for a candidate to
// be accepted
const versionOutputMarker = "aria2"

// ProvisionedBinary is a validated engine binary on disk.
type ProvisionedBinary struct {
	Path     string
	Verified bool
}

// Provisioner locates or installs a usable engine binary. Provisioning is
// idempotent: concurrent calls may race on extraction, and a file that
// already exists and validates is used as is.
type Provisioner struct {
	// dataDir and tempDir override the platform defaults in tests.
	dataDir string
	tempDir string

	// lookPath overrides exec.LookPath in tests.
	lookPath func(string) (string, error)
}

// NewProvisioner creates a provisioner using the platform's data and temp
// directories.
func NewProvisioner() *Provisioner {
	return &Provisioner{lookPath: exec.LookPath}
}

// Provision resolves a usable engine binary, trying in order: a previously
// extracted copy in the data directory, a fresh extraction of the embedded
// binary, a temp-directory extraction, the executable search path, and
// well-known install locations. Every candidate is validated by executing
// a version probe; invalid files are deleted so a stale artifact never
// masks a working fallback. Returns ErrNoUsableBinary when every source
// fails.
func (p *Provisioner) Provision(ctx context.Context) (*ProvisionedBinary, error) {
	dataDir, err := p.resolveDataDir()
	if err == nil {
		extracted := filepath.Join(dataDir, platform.EngineBinaryName())

		// A copy left behind by a previous run
		if bin := p.validateOrRemove(ctx, extracted); bin != nil {
			return bin, nil
		}

		// Fresh extraction of the bundled binary
		if len(embeddedBinary) > 0 {
			if err := extractBinary(extracted, embeddedBinary); err != nil {
				log.Printf("Failed to extract bundled engine to %s: %v", extracted, err)
			} else if bin := p.validateOrRemove(ctx, extracted); bin != nil {
				return bin, nil
			}
		}
	}

	// Temp-directory extraction as a secondary target
	if len(embeddedBinary) > 0 {
		if tempDir, err := p.resolveTempDir(); err == nil {
			extracted := filepath.Join(tempDir, platform.EngineBinaryName())
			if bin := p.validateOrRemove(ctx, extracted); bin != nil {
				return bin, nil
			}
			if err := extractBinary(extracted, embeddedBinary); err != nil {
				log.Printf("Failed to extract bundled engine to %s: %v", extracted, err)
			} else if bin := p.validateOrRemove(ctx, extracted); bin != nil {
				return bin, nil
			}
		}
	}

	// System installation on the search path
	if found, err := p.lookPath(platform.EngineBinaryName()); err == nil {
		if ok, _ := p.validate(ctx, found); ok {
			return &ProvisionedBinary{Path: found, Verified: true}, nil
		}
	}

	// Well-known install locations
	for _, candidate := range platform.WellKnownBinaryPaths() {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if ok, _ := p.validate(ctx, candidate); ok {
			return &ProvisionedBinary{Path: candidate, Verified: true}, nil
		}
	}

	return nil, ErrNoUsableBinary
}

// validateOrRemove probes an extracted candidate and deletes it when the
// probe fails, so the next source is tried against a clean slate.
func (p *Provisioner) validateOrRemove(ctx context.Context, path string) *ProvisionedBinary {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	ok, err := p.validate(ctx, path)
	if ok {
		return &ProvisionedBinary{Path: path, Verified: true}
	}

	log.Printf("Removing invalid engine binary %s: %v", path, err)
	if rmErr := os.Remove(path); rmErr != nil {
		log.Printf("Failed to remove invalid engine binary %s: %v", path, rmErr)
	}
	return nil
}

// validate executes the version probe on a candidate binary.
func (p *Provisioner) validate(ctx context.Context, path string) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, path, "--version").CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("version probe: %w", err)
	}
	if !strings.Contains(strings.ToLower(string(out)), versionOutputMarker) {
		return false, fmt.Errorf("version probe output does not mention %s", versionOutputMarker)
	}
	return true, nil
}

// extractBinary writes the bundled engine to disk with execute permission.
func extractBinary(path string, data []byte) error {
	if err := platform.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, platform.DefaultBinaryPermissions); err != nil {
		return fmt.Errorf("write engine binary: %w", err)
	}
	return nil
}

func (p *Provisioner) resolveDataDir() (string, error) {
	if p.dataDir != "" {
		return p.dataDir, nil
	}
	return platform.DataDir()
}

func (p *Provisioner) resolveTempDir() (string, error) {
	if p.tempDir != "" {
		return p.tempDir, nil
	}
	return platform.TempDir()
}
