package aria2

import (
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonylu00/bili-sync-sub001/internal/platform"
)

// processHandle abstracts the spawned worker process so the pool can check
// liveness and kill it without caring about the OS underneath.
type processHandle interface {
	PID() int
	Running() bool
	Kill() error
}

// execProcess wraps an exec.Cmd with an exit-watch goroutine so Running is
// a cheap flag read instead of an OS probe.
type execProcess struct {
	cmd    *exec.Cmd
	exited atomic.Bool
	waitMu sync.Mutex
}

// startProcess spawns the command and begins watching for its exit.
func startProcess(cmd *exec.Cmd) (*execProcess, error) {
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessSpawnFailed, err)
	}

	p := &execProcess{cmd: cmd}
	go func() {
		p.waitMu.Lock()
		defer p.waitMu.Unlock()
		_ = cmd.Wait()
		p.exited.Store(true)
	}()
	return p, nil
}

// PID returns the OS process ID
func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Running reports whether the process has not exited yet
func (p *execProcess) Running() bool {
	return !p.exited.Load()
}

// Kill terminates the process, escalating to the OS-specific forced kill
// when the direct kill does not take effect.
func (p *execProcess) Kill() error {
	if p.exited.Load() || p.cmd.Process == nil {
		return nil
	}

	if err := p.cmd.Process.Kill(); err == nil {
		return nil
	}
	return platform.EscalateKill(p.PID())
}

// Instance is one spawned worker process plus its control-plane
// coordinates. The load counter is mutated by every concurrent fetch
// routed through this instance and read by selection and the watchdog.
type Instance struct {
	process processHandle
	port    uint16
	secret  string

	load       atomic.Int64
	lastUsedAt atomic.Int64 // unix nano
}

// newInstance wires up an instance around a started process.
func newInstance(process processHandle, port uint16, secret string) *Instance {
	inst := &Instance{process: process, port: port, secret: secret}
	inst.touch()
	return inst
}

// Port returns the instance's RPC port
func (i *Instance) Port() uint16 {
	return i.port
}

// Secret returns the instance's RPC shared secret
func (i *Instance) Secret() string {
	return i.secret
}

// Load returns the number of tasks currently routed to this instance
func (i *Instance) Load() int64 {
	return i.load.Load()
}

// addLoad marks one more task as routed here. Must happen before submit.
func (i *Instance) addLoad() {
	i.load.Add(1)
	i.touch()
}

// doneLoad releases one task slot. Must run on every exit path.
func (i *Instance) doneLoad() {
	if i.load.Add(-1) < 0 {
		// Guard against double-decrement bugs showing up as negative load
		i.load.Store(0)
	}
}

// Alive reports whether the worker process is still running
func (i *Instance) Alive() bool {
	return i.process != nil && i.process.Running()
}

// PID returns the worker's process ID, or 0 if unknown
func (i *Instance) PID() int {
	if i.process == nil {
		return 0
	}
	return i.process.PID()
}

// kill terminates the worker process
func (i *Instance) kill() error {
	if i.process == nil {
		return nil
	}
	return i.process.Kill()
}

func (i *Instance) touch() {
	i.lastUsedAt.Store(time.Now().UnixNano())
}

// LastUsedAt returns when a task was last routed to this instance
func (i *Instance) LastUsedAt() time.Time {
	return time.Unix(0, i.lastUsedAt.Load())
}

// InstanceStatus is an introspection snapshot of one instance for
// operational tooling.
type InstanceStatus struct {
	Port    uint16
	Secret  string
	Load    int64
	Healthy bool
}
