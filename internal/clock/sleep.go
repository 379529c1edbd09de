// Package clock provides helpers for time-related operations.
package clock

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// SleepWithContext waits for the duration or returns early if the context is
// canceled.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepFunc is the injectable sleep signature used by long-running loops.
type SleepFunc func(context.Context, time.Duration) error

// Sleeper binds SleepWithContext to an injectable clock so tests can advance
// time deterministically.
func Sleeper(c clock.Clock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		timer := c.Timer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}
