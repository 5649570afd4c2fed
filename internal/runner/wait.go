package runner

import (
	"context"
	"errors"
	"time"
)

// WaitFor polls cond until it returns true or timeout elapses. Preferred
// over fixed sleeps wherever an observable condition exists.
// A timeout yields a StepError with KindTimeout, as does an expired
// deadline on the context itself; a cancelled context is passed through
// unchanged so callers can distinguish cancellation from a slow condition.
func WaitFor(ctx context.Context, timeout, interval time.Duration, desc string, cond func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	if cond() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &StepError{Step: desc, Kind: KindTimeout, Err: ctx.Err()}
			}
			return ctx.Err()
		case <-deadline.C:
			return &StepError{Step: desc, Kind: KindTimeout}
		case <-tick.C:
			if cond() {
				return nil
			}
		}
	}
}
