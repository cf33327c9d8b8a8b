package aria2

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tonylu00/bili-sync-sub001/internal/model"
)

// Poll tuning
const (
	minPollInterval     = time.Second
	maxPollInterval     = 5 * time.Second
	midPollInterval     = 2 * time.Second
	waitingPollInterval = 5 * time.Second
	pausedPollInterval  = 10 * time.Second

	// An active task whose completed byte count has not advanced for this
	// many consecutive polls is warned about, then failed.
	stallWarnPolls = 30
	stallFailPolls = 60

	// Consecutive status-check failures (each already retried internally)
	// tolerated before aborting the task.
	maxConsecutiveRPCFailures = 5

	// Transfers at or above this speed poll at the minimum interval
	fastSpeedThreshold = 1 << 20 // 1MB/s

	statusCallTimeout = 5 * time.Second
)

// pollOptions configures one WaitForCompletion run.
type pollOptions struct {
	// timeout is the wall-clock ceiling on the whole task.
	timeout time.Duration

	// paused is the cooperative user pause signal, checked every
	// iteration and before each RPC call.
	paused func() bool

	// retryAttempts and retryBackoff tune the per-check retry.
	retryAttempts int
	retryBackoff  time.Duration

	// onProgress, when set, receives every successful status snapshot.
	onProgress func(completed, total, speed int64)

	// fixedInterval, when positive, pins the poll interval. Used by tests
	// to run the state machine without real-time sleeps.
	fixedInterval time.Duration
}

// WaitForCompletion polls a queued task until it reaches a terminal state,
// stalls, times out, or is cancelled. The poll interval adapts to the
// reported transfer speed: fast transfers poll near every second, idle
// ones back off toward five.
func (c *rpcClient) WaitForCompletion(ctx context.Context, gid string, opts pollOptions) error {
	if opts.timeout <= 0 {
		opts.timeout = 30 * time.Minute
	}
	if opts.retryAttempts <= 0 {
		opts.retryAttempts = 3
	}
	if opts.retryBackoff <= 0 {
		opts.retryBackoff = time.Second
	}

	start := time.Now()
	deadline := start.Add(opts.timeout)
	interval := minPollInterval

	var lastCompleted int64 = -1
	stalledPolls := 0
	rpcFailures := 0

	for {
		if err := checkCancelled(ctx, opts.paused); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: task %s exceeded %s", ErrTaskTimedOut, gid, opts.timeout)
		}

		snap, err := retryWithBackoff(ctx, "tellStatus", opts.retryAttempts, opts.retryBackoff, statusCallTimeout,
			func(ctx context.Context) (model.StatusSnapshot, error) {
				if err := checkCancelled(ctx, opts.paused); err != nil {
					return model.StatusSnapshot{}, err
				}
				return c.TellStatus(ctx, gid)
			})
		if err != nil {
			if cancelErr := checkCancelled(ctx, opts.paused); cancelErr != nil {
				return cancelErr
			}
			rpcFailures++
			if rpcFailures >= maxConsecutiveRPCFailures {
				return fmt.Errorf("%w: task %s status checks failed %d times in a row: %v",
					ErrRPCUnreachable, gid, rpcFailures, err)
			}
			if err := sleepInterval(ctx, opts.effectiveInterval(interval)); err != nil {
				return err
			}
			continue
		}
		rpcFailures = 0

		if opts.onProgress != nil {
			opts.onProgress(snap.CompletedLength, snap.TotalLength, snap.DownloadSpeed)
		}

		switch snap.State {
		case model.TaskStateComplete:
			elapsed := time.Since(start)
			log.Printf("Task %s complete: %s in %s (avg %s/s)",
				gid, model.FormatBytes(snap.TotalLength), elapsed.Round(time.Second),
				model.FormatBytes(averageSpeed(snap.TotalLength, elapsed)))
			return nil

		case model.TaskStateError:
			return &TaskError{GID: gid, Message: snap.ErrorMessage}

		case model.TaskStateRemoved:
			return fmt.Errorf("%w: gid %s", ErrTaskRemoved, gid)

		case model.TaskStateActive:
			if snap.CompletedLength == lastCompleted {
				stalledPolls++
				if stalledPolls == stallWarnPolls {
					log.Printf("Task %s appears stalled at %s after %d polls",
						gid, model.FormatBytes(snap.CompletedLength), stalledPolls)
				}
				if stalledPolls >= stallFailPolls {
					return fmt.Errorf("%w: gid %s stuck at %s", ErrTaskStalled, gid,
						model.FormatBytes(snap.CompletedLength))
				}
			} else {
				stalledPolls = 0
				lastCompleted = snap.CompletedLength
			}
			interval = adaptInterval(interval, snap.DownloadSpeed)

		case model.TaskStateWaiting:
			interval = waitingPollInterval

		case model.TaskStatePaused:
			interval = pausedPollInterval

		default:
			// Unknown state: keep polling at the current interval
		}

		if err := sleepInterval(ctx, opts.effectiveInterval(interval)); err != nil {
			return err
		}
	}
}

// effectiveInterval applies the test-only fixed interval override.
func (o pollOptions) effectiveInterval(computed time.Duration) time.Duration {
	if o.fixedInterval > 0 {
		return o.fixedInterval
	}
	return computed
}

// adaptInterval picks the next poll interval from the reported speed.
func adaptInterval(current time.Duration, speed int64) time.Duration {
	switch {
	case speed >= fastSpeedThreshold:
		return minPollInterval
	case speed > 0:
		return midPollInterval
	default:
		next := current + time.Second
		if next > maxPollInterval {
			next = maxPollInterval
		}
		return next
	}
}

// checkCancelled maps both context cancellation and the user pause flag to
// ErrCancelled, so callers can tell a deliberate stop from a task failure.
func checkCancelled(ctx context.Context, paused func() bool) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if paused != nil && paused() {
		return ErrCancelled
	}
	return nil
}

func sleepInterval(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ErrCancelled
	}
}

func averageSpeed(total int64, elapsed time.Duration) int64 {
	secs := int64(elapsed.Seconds())
	if secs <= 0 {
		return total
	}
	return total / secs
}
