// Package jobs runs units of work under a deadline and serializes work per conversation.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrTimeout = errors.New("jobs: timed out")

type TaskFunc func(ctx context.Context) error

// RunWithTimeout waits for fn until the deadline. Exactly one outcome is produced: fn's own
// result, or ErrTimeout after onTimeout has run once. A timed out fn keeps running and its result
// is thrown away.
func RunWithTimeout(ctx context.Context, timeout time.Duration, label string, fn TaskFunc, onTimeout func()) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("jobs: %s panicked: %v", label, r)
			}
		}()
		done <- fn(ctx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		if onTimeout != nil {
			onTimeout()
		}
		return fmt.Errorf("%w: %s after %s", ErrTimeout, label, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
