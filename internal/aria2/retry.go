package aria2

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"
)

// Retry tuning
const (
	maxRetryDelay = 10 * time.Second

	// Transient network failures within the first attempts retry
	// immediately instead of backing off.
	immediateRetryAttempts = 2
)

// retryWithBackoff runs op under a per-attempt timeout, doubling the delay
// between attempts up to maxRetryDelay. Connection-refused and timeout
// errors within the first attempts retry immediately, so a worker that is
// still settling after spawn does not pay the full backoff. The last error
// is returned once attempts are exhausted.
func retryWithBackoff[T any](ctx context.Context, name string, attempts int, initialDelay, perAttemptTimeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := initialDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
		result, err := op(attemptCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		wait := delay
		if attempt <= immediateRetryAttempts && isTransientNetErr(err) {
			wait = 0
		} else {
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		log.Printf("Retrying %s after attempt %d/%d failed: %v", name, attempt, attempts, err)

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%s: %w", name, os.ErrDeadlineExceeded)
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}

// isTransientNetErr reports whether err looks like a connection-level
// failure worth retrying without delay.
func isTransientNetErr(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout")
}
