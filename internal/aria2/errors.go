package aria2

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrNoUsableBinary       = errors.New("aria2: no usable engine binary found")
	ErrNoInstancesAvailable = errors.New("aria2: no worker instances available")
	ErrPortUnavailable      = errors.New("aria2: no free local port")
	ErrProcessSpawnFailed   = errors.New("aria2: failed to spawn worker process")
	ErrRPCUnreachable       = errors.New("aria2: worker rpc unreachable")
	ErrTaskRemoved          = errors.New("aria2: task removed by engine")
	ErrTaskStalled          = errors.New("aria2: task stalled")
	ErrTaskTimedOut         = errors.New("aria2: task timed out")
	ErrCancelled            = errors.New("aria2: cancelled")
	ErrFileVerification     = errors.New("aria2: downloaded file missing or empty")
)

// TaskError carries the failure message reported by the engine for one
// task.
type TaskError struct {
	GID     string
	Message string
}

// Error implements the error interface
func (e *TaskError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("aria2: task %s failed", e.GID)
	}
	return fmt.Sprintf("aria2: task %s failed: %s", e.GID, e.Message)
}

// rpcError is the error object of a JSON-RPC failure envelope.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
