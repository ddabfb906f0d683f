// Package ratelimit guards outbound calls to external services. Limiters are
// shared by all workers and release blocked callers in arrival order.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrDeadline is returned when the wait for a slot would outlive the
// caller's deadline. It matches context.DeadlineExceeded with errors.Is.
var ErrDeadline = errors.New("rate limit wait exceeds deadline")

// Limiter grants permission for one outbound call of the given cost.
type Limiter interface {
	Acquire(ctx context.Context, cost int) error
}

// Unlimited never blocks.
type Unlimited struct{}

func (Unlimited) Acquire(ctx context.Context, _ int) error { return ctx.Err() }

// WaitFunc receives the time a caller spent blocked in a limiter.
type WaitFunc func(ctx context.Context, name string, waited time.Duration, err error)

type observed struct {
	name  string
	inner Limiter
	fn    WaitFunc
}

// Observed wraps l so every Acquire reports its wait to fn.
func Observed(name string, l Limiter, fn WaitFunc) Limiter {
	if fn == nil {
		return l
	}
	return &observed{name: name, inner: l, fn: fn}
}

func (o *observed) Acquire(ctx context.Context, cost int) error {
	start := time.Now()
	err := o.inner.Acquire(ctx, cost)
	o.fn(ctx, o.name, time.Since(start), err)
	return err
}
