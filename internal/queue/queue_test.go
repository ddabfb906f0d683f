package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/raven/internal/jobs"
)

func handle(id string) Handle {
	return Handle{JobID: id, Request: jobs.Request{Kind: jobs.KindResearch, Query: id}}
}

func TestFIFO(t *testing.T) {
	q := New()
	for i := range 200 {
		if err := q.Enqueue(handle(fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
	if q.Len() != 200 {
		t.Fatalf("Len = %d, want 200", q.Len())
	}
	for i := range 200 {
		h, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if h.JobID != fmt.Sprint(i) {
			t.Fatalf("dequeue %d got %q", i, h.JobID)
		}
		// Interleave to exercise compaction.
		if i == 100 {
			_ = q.Enqueue(handle("tail"))
		}
	}
	h, _ := q.Dequeue(context.Background())
	if h.JobID != "tail" {
		t.Errorf("last = %q, want tail", h.JobID)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()
	got := make(chan string, 1)
	go func() {
		h, err := q.Dequeue(context.Background())
		if err != nil {
			t.Errorf("Dequeue: %v", err)
		}
		got <- h.JobID
	}()

	select {
	case id := <-got:
		t.Fatalf("Dequeue returned %q before Enqueue", id)
	case <-time.After(20 * time.Millisecond):
	}

	_ = q.Enqueue(handle("a"))
	select {
	case id := <-got:
		if id != "a" {
			t.Errorf("got %q, want a", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake")
	}
}

func TestDequeueCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Dequeue = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue ignored cancellation")
	}
}

func TestClose(t *testing.T) {
	q := New()
	_ = q.Enqueue(handle("a"))
	q.Close()
	q.Close()

	if err := q.Enqueue(handle("b")); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
	h, err := q.Dequeue(context.Background())
	if err != nil || h.JobID != "a" {
		t.Errorf("drain = %q, %v", h.JobID, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Dequeue on drained closed queue = %v, want ErrClosed", err)
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := New()
	const producers, perProducer, consumers = 8, 250, 4

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]int)
	var cwg sync.WaitGroup
	for range consumers {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				h, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[h.JobID]++
				mu.Unlock()
			}
		}()
	}

	var pwg sync.WaitGroup
	for p := range producers {
		pwg.Add(1)
		go func() {
			defer pwg.Done()
			for i := range perProducer {
				_ = q.Enqueue(handle(fmt.Sprintf("%d-%d", p, i)))
			}
		}()
	}
	pwg.Wait()
	q.Close()
	cwg.Wait()

	if len(seen) != producers*perProducer {
		t.Fatalf("saw %d distinct handles, want %d", len(seen), producers*perProducer)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("%s dequeued %d times", id, n)
		}
	}
}

func TestPending(t *testing.T) {
	q := New()
	_ = q.Enqueue(handle("x"))
	_ = q.Enqueue(handle("y"))
	_, _ = q.Dequeue(context.Background())
	got := q.Pending()
	if len(got) != 1 || got[0] != "y" {
		t.Errorf("Pending = %v, want [y]", got)
	}
}
