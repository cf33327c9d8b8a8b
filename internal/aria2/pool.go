package aria2

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tonylu00/bili-sync-sub001/internal/config"
	"github.com/tonylu00/bili-sync-sub001/internal/platform"
)

// Pool lifecycle tuning
const (
	// spawnSettleDelay gives a freshly spawned worker time to open its RPC
	// port before the first probe.
	spawnSettleDelay = time.Second

	// verifyAttempts and verifyBackoff tune the post-spawn RPC probe.
	verifyAttempts    = 5
	verifyBackoff     = 500 * time.Millisecond
	verifyCallTimeout = 3 * time.Second

	// submitCallTimeout bounds one addUri attempt
	submitCallTimeout = 10 * time.Second

	// shutdownCallTimeout bounds the best-effort graceful shutdown RPC
	shutdownCallTimeout = 2 * time.Second

	// killWaitTimeout bounds waiting for a killed worker to exit
	killWaitTimeout = 5 * time.Second
)

// Pool owns the worker instances and routes every fetch to the
// least-loaded one. The instance list is guarded by a mutex held only for
// list mutation, never across RPC calls, so concurrent fetches do not
// serialize on it.
type Pool struct {
	mu          sync.Mutex
	instances   []*Instance
	targetCount int
	binaryPath  string

	cfg         *config.Manager
	httpc       *http.Client
	provisioner *Provisioner

	// spawnProcess and verifyInstance are swapped out by tests to avoid
	// launching real binaries.
	spawnProcess   func(binaryPath string, port uint16, secret string, threads, maxConcurrent int) (processHandle, error)
	verifyInstance func(ctx context.Context, client *rpcClient) (string, error)
}

// NewPool creates an unstarted pool. The HTTP client is shared by the size
// probe and every RPC call.
func NewPool(cfg *config.Manager, httpc *http.Client) *Pool {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Pool{
		cfg:            cfg,
		httpc:          httpc,
		provisioner:    NewProvisioner(),
		spawnProcess:   spawnWorkerProcess,
		verifyInstance: verifyWorker,
	}
}

// verifyWorker confirms a spawned worker answers the RPC version probe.
func verifyWorker(ctx context.Context, client *rpcClient) (string, error) {
	return retryWithBackoff(ctx, "worker verification", verifyAttempts, verifyBackoff, verifyCallTimeout,
		func(ctx context.Context) (string, error) {
			return client.GetVersion(ctx)
		})
}

// Start cleans up stray worker processes from a previous run, provisions
// the engine binary and spawns the configured number of verified
// instances. Instances failing verification are dropped; if all fail,
// Start returns ErrNoInstancesAvailable.
func (p *Pool) Start(ctx context.Context) error {
	if err := platform.KillStrayEngines(); err != nil {
		log.Printf("Stray worker cleanup unavailable: %v", err)
	}

	bin, err := p.provisioner.Provision(ctx)
	if err != nil {
		return err
	}

	totalThreads := p.cfg.TotalThreads()
	count := InstanceCount(totalThreads)

	instances := make([]*Instance, 0, count)
	for i := 0; i < count; i++ {
		inst, err := p.createInstance(ctx, bin.Path, totalThreads, count, i)
		if err != nil {
			log.Printf("Worker %d/%d failed to start: %v", i+1, count, err)
			continue
		}
		instances = append(instances, inst)
	}

	if len(instances) == 0 {
		return fmt.Errorf("%w: all %d workers failed verification", ErrNoInstancesAvailable, count)
	}

	p.mu.Lock()
	p.instances = instances
	p.targetCount = count
	p.binaryPath = bin.Path
	p.mu.Unlock()

	log.Printf("Worker pool started: %d/%d instances, %d total threads, binary %s",
		len(instances), count, totalThreads, bin.Path)
	return nil
}

// createInstance finds a free port, spawns one worker with RPC enabled and
// verifies it answers a version probe before handing it out.
func (p *Pool) createInstance(ctx context.Context, binaryPath string, totalThreads, count, index int) (*Instance, error) {
	port, err := freeLocalPort()
	if err != nil {
		return nil, err
	}

	secret := uuid.NewString()
	threads := ThreadsPerInstance(totalThreads, count, index)

	proc, err := p.spawnProcess(binaryPath, port, secret, threads, p.cfg.MaxConcurrent())
	if err != nil {
		return nil, err
	}

	select {
	case <-time.After(spawnSettleDelay):
	case <-ctx.Done():
		_ = proc.Kill()
		return nil, ctx.Err()
	}

	client := newRPCClient(p.httpc, port, secret)
	version, err := p.verifyInstance(ctx, client)
	if err != nil {
		_ = proc.Kill()
		return nil, fmt.Errorf("worker on port %d did not answer version probe: %w", port, err)
	}

	log.Printf("Worker ready on port %d (engine %s, %d threads)", port, version, threads)
	return newInstance(proc, port, secret), nil
}

// selectInstance returns the instance with the lowest load among those
// whose process is still running. When none pass the liveness filter, it
// falls back to instance 0 rather than failing the fetch: the watchdog is
// responsible for replacing dead workers, and a full RPC health check here
// would block the hot path.
func (p *Pool) selectInstance() (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.instances) == 0 {
		return nil, ErrNoInstancesAvailable
	}

	var best *Instance
	for _, inst := range p.instances {
		if !inst.Alive() {
			continue
		}
		if best == nil || inst.Load() < best.Load() {
			best = inst
		}
	}
	if best == nil {
		best = p.instances[0]
	}
	return best, nil
}

// Fetch downloads the mirror URLs to the destination path. The mirrors are
// handed to the engine as one task; the engine itself rotates between
// them. Fetch blocks until the task reaches a terminal state.
func (p *Pool) Fetch(ctx context.Context, urls []string, destPath string) error {
	return p.fetch(ctx, urls, destPath, nil)
}

// FetchWithProgress is Fetch with a per-poll progress callback.
func (p *Pool) FetchWithProgress(ctx context.Context, urls []string, destPath string, onProgress func(completed, total, speed int64)) error {
	return p.fetch(ctx, urls, destPath, onProgress)
}

func (p *Pool) fetch(ctx context.Context, urls []string, destPath string, onProgress func(completed, total, speed int64)) error {
	if len(urls) == 0 {
		return fmt.Errorf("aria2: fetch needs at least one url")
	}

	dir := filepath.Dir(destPath)
	out := filepath.Base(destPath)
	if err := platform.EnsureDir(dir); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	inst, err := p.selectInstance()
	if err != nil {
		return err
	}

	// Increment happens-before submit; the deferred decrement covers every
	// exit path including panics.
	inst.addLoad()
	defer inst.doneLoad()

	client := newRPCClient(p.httpc, inst.Port(), inst.Secret())

	totalThreads := p.cfg.TotalThreads()
	baseThreads := ThreadsPerInstance(totalThreads, p.TargetCount(), 0)
	sizeMB := probeFileSizeMB(ctx, p.httpc, urls[0])
	threads := SmartThreadsForFile(sizeMB, baseThreads, totalThreads)

	gid, err := retryWithBackoff(ctx, "addUri", p.cfg.RetryAttempts(), p.cfg.RetryBackoff(), submitCallTimeout,
		func(ctx context.Context) (string, error) {
			return client.AddURI(ctx, urls, dir, out, threads)
		})
	if err != nil {
		return fmt.Errorf("submit download %s: %w", out, err)
	}

	err = client.WaitForCompletion(ctx, gid, pollOptions{
		timeout:       p.cfg.TaskTimeout(),
		paused:        p.cfg.Paused,
		retryAttempts: p.cfg.RetryAttempts(),
		retryBackoff:  p.cfg.RetryBackoff(),
		onProgress:    onProgress,
	})
	if err != nil {
		return err
	}

	info, err := os.Stat(destPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrFileVerification, destPath)
	}
	return nil
}

// Restart shuts every instance down, waits for full process termination
// and runs the start sequence again with freshly read configuration.
func (p *Pool) Restart(ctx context.Context) error {
	if err := p.Shutdown(); err != nil {
		log.Printf("Shutdown during restart reported: %v", err)
	}
	return p.Start(ctx)
}

// Shutdown sends every instance a best-effort RPC shutdown, force-kills
// the processes, clears the list and sweeps stray processes.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	instances := p.instances
	p.instances = nil
	p.mu.Unlock()

	for _, inst := range instances {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownCallTimeout)
		client := newRPCClient(p.httpc, inst.Port(), inst.Secret())
		if err := client.Shutdown(ctx); err != nil {
			log.Printf("Graceful shutdown of worker on port %d failed: %v", inst.Port(), err)
		}
		cancel()

		if err := inst.kill(); err != nil {
			log.Printf("Kill of worker on port %d failed: %v", inst.Port(), err)
		}
		waitForExit(inst, killWaitTimeout)
	}

	if err := platform.KillStrayEngines(); err != nil {
		log.Printf("Stray worker cleanup unavailable: %v", err)
	}
	return nil
}

// InstancesStatus returns an operational snapshot of every tracked
// instance.
func (p *Pool) InstancesStatus() []InstanceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := make([]InstanceStatus, 0, len(p.instances))
	for _, inst := range p.instances {
		status = append(status, InstanceStatus{
			Port:    inst.Port(),
			Secret:  inst.Secret(),
			Load:    inst.Load(),
			Healthy: inst.Alive(),
		})
	}
	return status
}

// TargetCount returns how many instances the pool should have.
func (p *Pool) TargetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetCount
}

// instanceCount returns how many instances the pool currently tracks.
func (p *Pool) instanceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// totalLoad sums the load counters of all tracked instances.
func (p *Pool) totalLoad() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total int64
	for _, inst := range p.instances {
		total += inst.Load()
	}
	return total
}

// snapshotInstances copies the instance list for lock-free iteration.
func (p *Pool) snapshotInstances() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Instance(nil), p.instances...)
}

// removeInstance drops one instance from the list and kills its process.
func (p *Pool) removeInstance(target *Instance) {
	p.mu.Lock()
	kept := p.instances[:0]
	for _, inst := range p.instances {
		if inst != target {
			kept = append(kept, inst)
		}
	}
	p.instances = kept
	p.mu.Unlock()

	if err := target.kill(); err != nil {
		log.Printf("Kill of removed worker on port %d failed: %v", target.Port(), err)
	}
}

// addInstance pushes a replacement instance into the pool.
func (p *Pool) addInstance(inst *Instance) {
	p.mu.Lock()
	p.instances = append(p.instances, inst)
	p.mu.Unlock()
}

// replenishInstance builds one replacement worker using the already
// provisioned binary, re-provisioning only if the pool never started.
func (p *Pool) replenishInstance(ctx context.Context) (*Instance, error) {
	p.mu.Lock()
	binaryPath := p.binaryPath
	count := p.targetCount
	p.mu.Unlock()

	if binaryPath == "" {
		bin, err := p.provisioner.Provision(ctx)
		if err != nil {
			return nil, err
		}
		binaryPath = bin.Path
	}
	if count <= 0 {
		count = 1
	}

	return p.createInstance(ctx, binaryPath, p.cfg.TotalThreads(), count, 0)
}

// waitForExit blocks until the instance's process is gone or the timeout
// elapses.
func waitForExit(inst *Instance, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for inst.Alive() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

// freeLocalPort asks the OS for an unused TCP port on loopback.
func freeLocalPort() (uint16, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPortUnavailable, err)
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, ErrPortUnavailable
	}
	return uint16(addr.Port), nil
}

// spawnWorkerProcess launches one engine process with RPC enabled and the
// same transfer tuning the per-task options carry.
func spawnWorkerProcess(binaryPath string, port uint16, secret string, threads, maxConcurrent int) (processHandle, error) {
	args := []string{
		"--enable-rpc",
		"--rpc-listen-all=false",
		"--rpc-listen-port=" + strconv.Itoa(int(port)),
		"--rpc-secret=" + secret,
		"--continue=true",
		"--max-connection-per-server=" + strconv.Itoa(threads),
		"--split=" + strconv.Itoa(threads),
		"--min-split-size=" + minSplitSize,
		"--max-concurrent-downloads=" + strconv.Itoa(maxConcurrent),
		"--max-tries=5",
		"--retry-wait=2",
		"--timeout=15",
		"--connect-timeout=10",
		"--async-dns=false",
		"--disable-ipv6=true",
		"--auto-file-renaming=false",
		"--allow-overwrite=true",
		"--user-agent=" + defaultUserAgent,
		"--referer=" + defaultReferer,
		"--quiet=true",
		"--no-conf=true",
	}

	if bundle := platform.FindCABundle(); bundle != "" {
		args = append(args, "--ca-certificate="+bundle)
	} else {
		args = append(args, "--check-certificate=false")
	}

	return startProcess(exec.Command(binaryPath, args...))
}
