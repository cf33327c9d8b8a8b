package platform

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
)

// Operating system constants
const (
	OSDarwin  = "darwin"
	OSWindows = "windows"
	OSLinux   = "linux"
)

// EngineProcessName is the executable name of the external download engine
const (
	EngineProcessName        = "aria2c"
	EngineProcessNameWindows = "aria2c.exe"
)

// killByNameCommands maps each OS to the command that force-kills every
// engine process left over from a previous run.
var killByNameCommands = map[string][]string{
	OSWindows: {"taskkill", "/F", "/IM", EngineProcessNameWindows},
	OSLinux:   {"pkill", "-9", "-f", EngineProcessName},
	OSDarwin:  {"pkill", "-9", "-f", EngineProcessName},
}

// killByPIDCommands maps each OS to the escalated kill used when the
// graceful process kill does not take effect.
var killByPIDCommands = map[string]func(pid int) []string{
	OSWindows: func(pid int) []string { return []string{"taskkill", "/F", "/PID", strconv.Itoa(pid)} },
	OSLinux:   func(pid int) []string { return []string{"kill", "-9", strconv.Itoa(pid)} },
	OSDarwin:  func(pid int) []string { return []string{"kill", "-9", strconv.Itoa(pid)} },
}

// KillStrayEngines force-kills engine processes by name. A non-zero exit is
// normal when no stray process exists, so only a missing kill tool is an
// error.
func KillStrayEngines() error {
	args, ok := killByNameCommands[runtime.GOOS]
	if !ok {
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	if _, err := exec.LookPath(args[0]); err != nil {
		return fmt.Errorf("cleanup command not available: %w", err)
	}

	_ = exec.Command(args[0], args[1:]...).Run()
	return nil
}

// EscalateKill force-kills the process with the given PID using the
// OS-specific tool.
func EscalateKill(pid int) error {
	build, ok := killByPIDCommands[runtime.GOOS]
	if !ok {
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	args := build(pid)
	if err := exec.Command(args[0], args[1:]...).Run(); err != nil {
		return fmt.Errorf("escalated kill of pid %d: %w", pid, err)
	}
	return nil
}

// EngineBinaryName returns the engine executable name for the current OS
func EngineBinaryName() string {
	if runtime.GOOS == OSWindows {
		return EngineProcessNameWindows
	}
	return EngineProcessName
}
