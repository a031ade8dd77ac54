package timeutil

import (
	"context"
	"errors"
	"time"
)

// ErrWaitTimeout is returned by PollUntil when the condition did not become
// true within the timeout.
var ErrWaitTimeout = errors.New("timed out waiting for condition")

// PollUntil evaluates cond every interval until it reports true, returns an
// error, the timeout elapses or ctx is done. cond is evaluated once before the
// first wait so an already-satisfied condition returns immediately.
func PollUntil(ctx context.Context, clock Clock, interval, timeout time.Duration, cond func() (bool, error)) error {
	if clock == nil {
		clock = RealClock{}
	}
	start := clock.Now()
	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if clock.Since(start) >= timeout {
			return ErrWaitTimeout
		}

		wait := interval
		if remaining := timeout - clock.Since(start); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(wait):
		}
	}
}
