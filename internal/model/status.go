package model

// TaskState represents the state of a download task as reported by the
// engine's status call
type TaskState string

const (
	// TaskStateWaiting means the task is queued inside the engine but has
	// not started transferring yet
	TaskStateWaiting TaskState = "waiting"

	// TaskStateActive means the transfer is in progress
	TaskStateActive TaskState = "active"

	// TaskStatePaused means the engine paused the task
	TaskStatePaused TaskState = "paused"

	// TaskStateComplete means the task finished successfully
	TaskStateComplete TaskState = "complete"

	// TaskStateError means the task failed inside the engine
	TaskStateError TaskState = "error"

	// TaskStateRemoved means the task was removed from the engine queue
	TaskStateRemoved TaskState = "removed"
)

// String returns the string representation of TaskState
func (ts TaskState) String() string {
	return string(ts)
}

// IsRunning returns true if the task is still moving through the engine
// and is worth polling again
func (ts TaskState) IsRunning() bool {
	return ts == TaskStateWaiting || ts == TaskStateActive || ts == TaskStatePaused
}

// IsTerminal returns true if the task reached a final state
func (ts TaskState) IsTerminal() bool {
	return ts == TaskStateComplete || ts == TaskStateError || ts == TaskStateRemoved
}
