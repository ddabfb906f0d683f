package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays capped at Max, plus up to Jitter of
// random spread.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// DefaultBackoff doubles from one second up to a minute with one second of
// jitter.
var DefaultBackoff = Backoff{Base: time.Second, Max: time.Minute, Jitter: time.Second}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(b.Base) * math.Pow(2, float64(attempt)))
	if b.Max > 0 && (d > b.Max || d <= 0) {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += rand.N(b.Jitter)
	}
	return d
}

// Policy runs an operation up to Attempts times.
type Policy struct {
	Attempts int
	Backoff  Backoff
	// Retryable decides whether an error is retried. Nil means IsTransient.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var lastErr error
	for attempt := range attempts {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == attempts-1 {
			break
		}

		wait := p.Backoff.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return lastErr
}
