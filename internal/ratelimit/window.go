package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const minWindowWait = time.Millisecond

type grant struct {
	at   time.Time
	cost int
}

// Window admits at most maxRequests grants and at most maxUnits total cost
// within any rolling window. A single call costing more than maxUnits is
// admitted alone once the window is empty.
type Window struct {
	maxRequests int
	maxUnits    int
	window      time.Duration

	// turn serializes waiters; semaphore.Weighted hands out in FIFO order.
	turn *semaphore.Weighted

	mu     sync.Mutex
	grants []grant
	units  int

	now    func() time.Time
	logger *slog.Logger
}

// WindowOption configures a Window.
type WindowOption func(*Window)

// WithLogger sets the logger used for oversize warnings.
func WithLogger(l *slog.Logger) WindowOption {
	return func(w *Window) { w.logger = l }
}

// NewWindow returns a budgeted rolling-window limiter. Zero limits are
// treated as unlimited for that dimension.
func NewWindow(maxRequests, maxUnits int, window time.Duration, opts ...WindowOption) *Window {
	w := &Window{
		maxRequests: maxRequests,
		maxUnits:    maxUnits,
		window:      window,
		turn:        semaphore.NewWeighted(1),
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Acquire blocks until a call of the given cost fits in the window.
func (w *Window) Acquire(ctx context.Context, cost int) error {
	if cost < 1 {
		cost = 1
	}
	if err := w.turn.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.turn.Release(1)

	for {
		wait, ok := w.tryGrant(cost)
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Window) tryGrant(cost int) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evict(now)

	reqOK := w.maxRequests <= 0 || len(w.grants) < w.maxRequests
	unitsOK := w.maxUnits <= 0 || w.units+cost <= w.maxUnits
	oversize := w.maxUnits > 0 && cost > w.maxUnits

	if oversize && len(w.grants) == 0 {
		w.logger.Warn("single request exceeds window budget, admitting alone",
			"cost", cost, "budget", w.maxUnits)
		unitsOK = true
	}
	if reqOK && unitsOK {
		w.grants = append(w.grants, grant{at: now, cost: cost})
		w.units += cost
		return 0, true
	}

	wait := w.grants[0].at.Add(w.window).Sub(now)
	if wait < minWindowWait {
		wait = minWindowWait
	}
	return wait, false
}

func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.grants) && !w.grants[i].at.After(cutoff) {
		w.units -= w.grants[i].cost
		i++
	}
	if i > 0 {
		w.grants = append(w.grants[:0], w.grants[i:]...)
	}
}

// Usage reports requests and units currently counted in the window.
func (w *Window) Usage() (requests, units int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(w.now())
	return len(w.grants), w.units
}
