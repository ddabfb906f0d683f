// Package queue is the in-process FIFO between intake and the worker pool.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/kalambet/raven/internal/jobs"
)

var ErrClosed = errors.New("queue closed")

// Handle is the lightweight reference a worker receives. The JobStore holds
// everything else.
type Handle struct {
	JobID   string
	Request jobs.Request
}

// Queue is an unbounded FIFO. Enqueue never blocks; Dequeue blocks until an
// item arrives, the context is done, or the queue is closed and drained.
type Queue struct {
	mu     sync.Mutex
	items  []Handle
	head   int
	closed bool
	// ready is closed and replaced whenever an item is added or the queue
	// closes, waking every blocked Dequeue.
	ready chan struct{}
}

func New() *Queue {
	return &Queue{ready: make(chan struct{})}
}

// Enqueue appends h.
func (q *Queue) Enqueue(h Handle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, h)
	q.wake()
	return nil
}

// Dequeue removes and returns the oldest handle.
func (q *Queue) Dequeue(ctx context.Context) (Handle, error) {
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			h := q.items[q.head]
			q.items[q.head] = Handle{}
			q.head++
			q.compact()
			q.mu.Unlock()
			return h, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Handle{}, ErrClosed
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		case <-ready:
		}
	}
}

// Len returns the number of waiting handles.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Pending returns the waiting job ids in dequeue order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.items)-q.head)
	for _, h := range q.items[q.head:] {
		ids = append(ids, h.JobID)
	}
	return ids
}

// Close rejects further Enqueue calls. Waiting handles can still be
// dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}

// wake must be called with mu held.
func (q *Queue) wake() {
	close(q.ready)
	q.ready = make(chan struct{})
}

// compact drops consumed slots once they dominate the slice. Called with mu
// held.
func (q *Queue) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
}
