// Package waitfor provides the single "wait for X to become Y" loop
// every polling component in the orchestrator uses, replacing ad-hoc
// sleep loops with one uniform abstraction.
package waitfor

import (
	"context"
	"time"

	"github.com/cuemby/pulsarbench/pkg/errors"
)

// Backoff describes an exponential-backoff schedule: start at
// Initial, multiply by Factor after each attempt, never exceeding
// Cap.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Cap     time.Duration
}

// next returns the delay to sleep before the next attempt, given the
// delay used last (zero before the first sleep).
func (b *Backoff) next(current time.Duration) time.Duration {
	if current <= 0 {
		return b.Initial
	}
	next := time.Duration(float64(current) * b.Factor)
	if next > b.Cap {
		return b.Cap
	}
	return next
}

// Predicate is polled until it reports true, an error, or the
// deadline elapses. A nil error with ok=false means "not ready yet,
// keep waiting."
type Predicate func(ctx context.Context) (ok bool, err error)

// WaitFor polls pred on the schedule described by backoff until it
// succeeds, returns an error, or deadline elapses — whichever comes
// first. It never busy-waits: every iteration either sleeps or blocks
// on ctx.Done().
func WaitFor(ctx context.Context, deadline time.Duration, backoff Backoff, pred Predicate) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var delay time.Duration
	for {
		ok, err := pred(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		delay = backoff.next(delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if ctx.Err() == context.Canceled {
				return errors.New(errors.Cancelled, ctx.Err())
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}
