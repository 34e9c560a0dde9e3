// Package wait polls a condition until it holds or a deadline passes.
package wait

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when the condition does not hold before the timeout.
var ErrTimeout = errors.New("timed out waiting for condition")

// Condition reports whether the awaited state is reached. A non-nil error
// stops the wait.
type Condition func(ctx context.Context) (bool, error)

// Until checks cond immediately and then every interval until it returns true,
// returns an error, ctx is done or timeout elapses.
func Until(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
