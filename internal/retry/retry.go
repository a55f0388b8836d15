// Package retry is the delayed-retry primitive shared by every recovery
// path: relay reconnects, discovery polling and connect attempts.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/ambianic/pnp/internal/clock"
)

// ErrExhausted is returned by a bounded Policy whose attempts all reported
// not done.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Attempt performs one try. Returning done=true stops the loop; a non-nil
// error stops it and is returned to the caller.
type Attempt func(ctx context.Context) (done bool, err error)

// Policy configures Run.
type Policy struct {
	Pause       time.Duration
	MaxAttempts int // 0 means unbounded
}

// Run calls attempt until it is done, fails, the attempts are exhausted or
// ctx is cancelled. Pauses are measured on clk.
func (p Policy) Run(ctx context.Context, clk clock.Clock, attempt Attempt) error {
	if clk == nil {
		clk = clock.Real()
	}
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := attempt(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if p.MaxAttempts > 0 && n >= p.MaxAttempts {
			return ErrExhausted
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(p.Pause):
		}
	}
}

// Loop is an unbounded Run with the given pause.
func Loop(ctx context.Context, clk clock.Clock, pause time.Duration, attempt Attempt) error {
	return Policy{Pause: pause}.Run(ctx, clk, attempt)
}

// After calls fn once after delay unless ctx is cancelled or the returned
// stop function is called first. stop reports whether it prevented fn.
func After(ctx context.Context, clk clock.Clock, delay time.Duration, fn func()) (stop func() bool) {
	if clk == nil {
		clk = clock.Real()
	}
	timer := clk.AfterFunc(delay, func() {
		if ctx.Err() == nil {
			fn()
		}
	})
	unregister := context.AfterFunc(ctx, func() { timer.Stop() })
	return func() bool {
		unregister()
		return timer.Stop()
	}
}
