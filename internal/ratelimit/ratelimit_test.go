package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIntervalSpacing(t *testing.T) {
	const every = 30 * time.Millisecond
	const callers = 5
	l := NewInterval(every)

	start := time.Now()
	var mu sync.Mutex
	var grants []time.Duration
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), 1); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			grants = append(grants, time.Since(start))
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(grants, func(i, j int) bool { return grants[i] < grants[j] })
	for k, g := range grants {
		earliest := time.Duration(k)*every - 2*time.Millisecond
		if g < earliest {
			t.Errorf("grant %d at %v, earlier than %v", k, g, earliest)
		}
	}
}

func TestIntervalCancel(t *testing.T) {
	l := NewInterval(time.Hour)
	if err := l.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire after cancel = %v, want context.Canceled", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire past deadline = %v, want DeadlineExceeded", err)
	}
}

func TestIntervalDisabled(t *testing.T) {
	l := NewInterval(0)
	for range 100 {
		if err := l.Acquire(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
	}
}

// fakeClock drives tryGrant deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestWindowBoundsWithClock(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	w := NewWindow(3, 100, time.Minute, WithLogger(quietLogger()))
	w.now = clk.now

	var granted []grant
	for step := range 600 {
		clk.t = clk.t.Add(time.Second)
		cost := 10 + (step*7)%40
		if _, ok := w.tryGrant(cost); ok {
			granted = append(granted, grant{at: clk.t, cost: cost})
		}
	}
	if len(granted) == 0 {
		t.Fatal("nothing granted")
	}

	// Every window-length interval ending at a grant holds at most 3 grants
	// and 100 units.
	for i, g := range granted {
		reqs, units := 0, 0
		for _, h := range granted[:i+1] {
			if h.at.After(g.at.Add(-time.Minute)) {
				reqs++
				units += h.cost
			}
		}
		if reqs > 3 || units > 100 {
			t.Fatalf("window ending %v holds %d requests / %d units", g.at, reqs, units)
		}
	}
}

func TestWindowOversizeAdmittedAlone(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	w := NewWindow(10, 100, time.Minute, WithLogger(quietLogger()))
	w.now = clk.now

	if _, ok := w.tryGrant(10); !ok {
		t.Fatal("small grant refused")
	}
	if _, ok := w.tryGrant(500); ok {
		t.Fatal("oversize admitted while window not empty")
	}
	clk.t = clk.t.Add(time.Minute)
	if _, ok := w.tryGrant(500); !ok {
		t.Fatal("oversize refused on empty window")
	}
	wait, ok := w.tryGrant(1)
	if ok {
		t.Fatal("grant admitted next to oversize request")
	}
	if wait != time.Minute {
		t.Errorf("wait = %v, want 1m", wait)
	}
}

func TestWindowBlocksUntilExpiry(t *testing.T) {
	const window = 80 * time.Millisecond
	w := NewWindow(2, 0, window)
	ctx := context.Background()

	start := time.Now()
	for range 2 {
		if err := w.Acquire(ctx, 1); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if el := time.Since(start); el < window-5*time.Millisecond {
		t.Errorf("third grant after %v, want >= %v", el, window)
	}
	if reqs, _ := w.Usage(); reqs > 2 {
		t.Errorf("Usage requests = %d, want <= 2", reqs)
	}
}

func TestWindowCancel(t *testing.T) {
	w := NewWindow(1, 0, time.Hour)
	if err := w.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire = %v, want DeadlineExceeded", err)
	}
	// A cancelled waiter must not consume budget.
	if reqs, _ := w.Usage(); reqs != 1 {
		t.Errorf("Usage requests = %d, want 1", reqs)
	}
}

func TestWindowFIFO(t *testing.T) {
	const window = 60 * time.Millisecond
	w := NewWindow(1, 0, window)
	if err := w.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Acquire(context.Background(), 1); err != nil {
				t.Errorf("Acquire %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		// Let goroutine i queue before i+1 arrives.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("release order = %v, want [0 1 2]", order)
		}
	}
}

func TestObserved(t *testing.T) {
	var gotName string
	var calls int
	l := Observed("llm", Unlimited{}, func(_ context.Context, name string, _ time.Duration, err error) {
		gotName = name
		calls++
		if err != nil {
			t.Errorf("err = %v", err)
		}
	})
	if err := l.Acquire(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	if gotName != "llm" || calls != 1 {
		t.Errorf("observer got name=%q calls=%d", gotName, calls)
	}
	if Observed("x", Unlimited{}, nil) != (Unlimited{}) {
		t.Error("nil observer should return the limiter unchanged")
	}
}
