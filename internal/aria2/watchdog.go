package aria2

import (
	"context"
	"log"
	"time"
)

// Watchdog tuning
const (
	// fullCheckInterval is the minimum gap between full (RPC-probing)
	// health passes.
	fullCheckInterval = 120 * time.Second

	// replenishLoadCeiling: missing instances are recreated immediately
	// only while total load is below this, to avoid churning the pool
	// under pressure.
	replenishLoadCeiling = 2
)

// Watchdog periodically reconciles the pool's tracked instances against
// its target count and removes instances whose process died. RPC health
// probes are network I/O, so they only run against idle instances and only
// when the whole pool is idle; process liveness is cheap and always
// checked.
type Watchdog struct {
	pool     *Pool
	interval time.Duration
	paused   func() bool

	lastFullCheck time.Time
}

// NewWatchdog creates a watchdog for the pool. paused is the user pause
// signal; while it reports true the watchdog does nothing.
func NewWatchdog(pool *Pool, interval time.Duration, paused func() bool) *Watchdog {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Watchdog{pool: pool, interval: interval, paused: paused}
}

// Run ticks until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick performs one health pass.
func (w *Watchdog) tick(ctx context.Context) {
	if w.paused != nil && w.paused() {
		return
	}

	// Process liveness is a cheap flag read, so dead instances are swept
	// on every tick, busy pool or not. Active transfers on other
	// instances are unaffected.
	for _, inst := range w.pool.snapshotInstances() {
		if !inst.Alive() {
			log.Printf("Watchdog: worker on port %d is not running, removing", inst.Port())
			w.pool.removeInstance(inst)
		}
	}

	tracked := w.pool.instanceCount()
	target := w.pool.TargetCount()
	load := w.pool.totalLoad()

	// Fast path: a worker silently died. Replace it right away while the
	// pool is quiet enough that spawning will not fight active transfers.
	if tracked < target && load < replenishLoadCeiling {
		w.replenish(ctx, target-tracked)
		tracked = w.pool.instanceCount()
	}

	if tracked == 0 {
		log.Printf("Watchdog: worker pool is empty, downloads will fail until restart")
		return
	}

	// RPC probing is real network I/O; it runs only when the whole pool
	// is idle and not more often than fullCheckInterval.
	if load != 0 || time.Since(w.lastFullCheck) < fullCheckInterval {
		return
	}
	w.lastFullCheck = time.Now()

	removed := 0
	for _, inst := range w.pool.snapshotInstances() {
		// Never probe an instance that picked up work since the pass
		// started; a busy worker can be slow to answer and would be
		// misdiagnosed as dead.
		if inst.Load() != 0 {
			continue
		}

		client := newRPCClient(w.pool.httpc, inst.Port(), inst.Secret())
		_, err := retryWithBackoff(ctx, "health probe", 2, verifyBackoff, verifyCallTimeout,
			func(ctx context.Context) (string, error) {
				return client.GetVersion(ctx)
			})
		if err != nil {
			log.Printf("Watchdog: worker on port %d failed health probe, removing: %v", inst.Port(), err)
			w.pool.removeInstance(inst)
			removed++
		}
	}

	if removed > 0 {
		w.replenish(ctx, removed)
	}
}

// replenish creates up to n replacement instances through the same start
// sequence the pool uses.
func (w *Watchdog) replenish(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		inst, err := w.pool.replenishInstance(ctx)
		if err != nil {
			log.Printf("Watchdog: failed to create replacement worker: %v", err)
			return
		}
		w.pool.addInstance(inst)
		log.Printf("Watchdog: replacement worker ready on port %d", inst.Port())
	}
}
