package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// File permissions
const (
	DefaultDirPermissions    = 0755
	DefaultBinaryPermissions = 0755
)

// AppDirName is the per-user data directory name
const AppDirName = "bili-sync"

// wellKnownBinaryDirs lists the usual engine install locations per OS,
// searched after the executable search path.
var wellKnownBinaryDirs = map[string][]string{
	OSLinux: {
		"/usr/bin",
		"/usr/local/bin",
		"/opt/aria2/bin",
	},
	OSDarwin: {
		"/usr/local/bin",
		"/opt/homebrew/bin",
		"/opt/local/bin",
	},
	OSWindows: {
		`C:\Program Files\aria2`,
		`C:\Program Files (x86)\aria2`,
		`C:\aria2`,
	},
}

// caBundlePaths lists well-known CA certificate bundle locations. Windows
// has no stable bundle path; the engine falls back to disabling
// certificate checks there.
var caBundlePaths = map[string][]string{
	OSLinux: {
		"/etc/ssl/certs/ca-certificates.crt",
		"/etc/pki/tls/certs/ca-bundle.crt",
		"/etc/ssl/ca-bundle.pem",
		"/etc/ssl/cert.pem",
	},
	OSDarwin: {
		"/etc/ssl/cert.pem",
		"/usr/local/etc/openssl/cert.pem",
	},
}

// WellKnownBinaryPaths returns candidate full paths for the engine binary
// in the usual install locations of the current OS.
func WellKnownBinaryPaths() []string {
	dirs := wellKnownBinaryDirs[runtime.GOOS]
	paths := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		paths = append(paths, filepath.Join(dir, EngineBinaryName()))
	}
	return paths
}

// FindCABundle returns the first existing CA bundle path, or "" if none of
// the well-known locations exist on this system.
func FindCABundle() string {
	for _, path := range caBundlePaths[runtime.GOOS] {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// DataDir returns the persistent per-user data directory, creating it if
// needed.
func DataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}

	dir := filepath.Join(base, AppDirName)
	if err := EnsureDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// TempDir returns the application's temporary directory, creating it if
// needed.
func TempDir() (string, error) {
	dir := filepath.Join(os.TempDir(), AppDirName)
	if err := EnsureDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// EnsureDir creates the directory if it doesn't exist
func EnsureDir(dirPath string) error {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		return os.MkdirAll(dirPath, DefaultDirPermissions)
	}
	return nil
}
