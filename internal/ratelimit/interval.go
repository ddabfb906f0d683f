package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Interval enforces a minimum spacing between consecutive grants, across all
// callers. The shared watermark lives in a token bucket of burst one, so
// reservations are ordered by call time.
type Interval struct {
	every   time.Duration
	limiter *rate.Limiter
}

// NewInterval returns a limiter allowing one call per every. A non-positive
// interval disables limiting.
func NewInterval(every time.Duration) *Interval {
	lim := rate.Inf
	if every > 0 {
		lim = rate.Every(every)
	}
	return &Interval{every: every, limiter: rate.NewLimiter(lim, 1)}
}

// Acquire blocks until the next slot. cost is ignored; each call is one slot.
func (l *Interval) Acquire(ctx context.Context, _ int) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w: %v", ErrDeadline, context.DeadlineExceeded, err)
	}
	return nil
}

// Every returns the configured spacing.
func (l *Interval) Every() time.Duration { return l.every }
