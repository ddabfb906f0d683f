package worker

import (
	"context"
	"time"

	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/retry"
)

// withPersistRetry runs fn with the store retry policy. Store calls run on a
// context detached from cancellation so a shutdown never leaves a record
// half-written.
func (p *Pool) withPersistRetry(ctx context.Context, fn func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	policy := retry.Policy{
		Attempts:  p.opts.PersistRetries,
		Backoff:   p.opts.PersistBackoff,
		Retryable: func(error) bool { return true },
		OnRetry: func(attempt int, err error, wait time.Duration) {
			p.metrics.RecordPersistRetry(ctx)
			p.logger.Warn("job store call failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		},
	}
	return policy.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.opts.PersistTimeout)
		defer cancel()
		return fn(ctx)
	})
}

// persist writes rec. When every attempt fails the in-memory record is kept
// as the outcome for this process and the failure is logged.
func (p *Pool) persist(ctx context.Context, rec *jobs.Record) {
	snapshot := rec.Clone()
	err := p.withPersistRetry(ctx, func(ctx context.Context) error {
		return p.store.Put(ctx, snapshot)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.unsaved[rec.JobID] = snapshot
		p.logger.Error("job record not persisted, keeping in-memory state",
			"job_id", rec.JobID, "status", rec.Status, "error", err)
		return
	}
	delete(p.unsaved, rec.JobID)
}
