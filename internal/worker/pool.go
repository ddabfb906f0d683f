// Package worker runs queued jobs through their pipeline with a bounded pool
// of goroutines, driving each record through its status machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/observability"
	"github.com/kalambet/raven/internal/queue"
	"github.com/kalambet/raven/internal/retry"
	"github.com/kalambet/raven/internal/storage"
)

// Progress markers written by the pool itself.
const (
	MsgStarted     = "started"
	MsgCompleted   = "completed"
	MsgInterrupted = "interrupted by shutdown"
)

// JobStore is the subset of storage.Store the pool needs.
type JobStore interface {
	Get(ctx context.Context, id string) (*jobs.Record, error)
	Put(ctx context.Context, rec *jobs.Record) error
}

// JobQueue is the subset of queue.Queue the pool needs.
type JobQueue interface {
	Enqueue(h queue.Handle) error
	Dequeue(ctx context.Context) (queue.Handle, error)
}

// Reporter receives progress from a running pipeline. Each phase is appended
// to the record's progress log and persisted.
type Reporter interface {
	Phase(ctx context.Context, msg string)
}

// Pipeline performs the external work for one job.
type Pipeline interface {
	Run(ctx context.Context, rec *jobs.Record, r Reporter) ([]jobs.ResultRef, error)
}

// PipelineFunc adapts a function to Pipeline.
type PipelineFunc func(ctx context.Context, rec *jobs.Record, r Reporter) ([]jobs.ResultRef, error)

func (f PipelineFunc) Run(ctx context.Context, rec *jobs.Record, r Reporter) ([]jobs.ResultRef, error) {
	return f(ctx, rec, r)
}

// Options tunes a Pool. Zero values take the defaults noted per field.
type Options struct {
	Workers        int           // default 3
	RetryBudget    int           // attempts per job, default 3
	JobTimeout     time.Duration // default 15m
	ShutdownGrace  time.Duration // default 30s
	PersistRetries int           // default 5
	PersistTimeout time.Duration // per write, default 30s
	PersistBackoff retry.Backoff
	// RetryBackoff delays the re-enqueue of a transiently failed job. The
	// zero value re-enqueues immediately.
	RetryBackoff retry.Backoff

	Logger        *slog.Logger
	Observability *observability.Provider
	Now           func() time.Time
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = 3
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 15 * time.Minute
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
	if o.PersistRetries <= 0 {
		o.PersistRetries = 5
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 30 * time.Second
	}
	if o.PersistBackoff == (retry.Backoff{}) {
		o.PersistBackoff = retry.Backoff{Base: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: 100 * time.Millisecond}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Pool runs Workers goroutines over one queue.
type Pool struct {
	store    JobStore
	queue    JobQueue
	pipeline Pipeline
	opts     Options
	logger   *slog.Logger
	tracer   *observability.Tracer
	metrics  *observability.Metrics

	active *activeCache

	mu        sync.Mutex
	unsaved   map[string]*jobs.Record
	retries   sync.WaitGroup
	stopRetry chan struct{}
}

// New creates a Pool. Call Run to start it.
func New(store JobStore, q JobQueue, p Pipeline, opts Options) *Pool {
	opts.setDefaults()
	return &Pool{
		store:     store,
		queue:     q,
		pipeline:  p,
		opts:      opts,
		logger:    opts.Logger,
		tracer:    opts.Observability.Tracer(),
		metrics:   opts.Observability.Metrics(),
		active:    newActiveCache(),
		unsaved:   make(map[string]*jobs.Record),
		stopRetry: make(chan struct{}),
	}
}

// Workers reports the configured pool size.
func (p *Pool) Workers() int { return p.opts.Workers }

// Run starts the workers and blocks until ctx is cancelled or the queue is
// closed and drained. After cancellation in-flight jobs get the shutdown
// grace period to finish before their contexts are cancelled too.
func (p *Pool) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	p.logger.Info("worker pool started", "workers", p.opts.Workers, "retry_budget", p.opts.RetryBudget)

	var g errgroup.Group
	for i := range p.opts.Workers {
		g.Go(func() error {
			p.loop(ctx, jobCtx, i)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Info("worker pool stopping", "in_flight", p.active.len(), "grace", p.opts.ShutdownGrace)
		timer := time.NewTimer(p.opts.ShutdownGrace)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			p.logger.Warn("shutdown grace elapsed, interrupting jobs", "in_flight", p.active.len())
			cancelJobs()
			<-done
		}
	}

	close(p.stopRetry)
	p.retries.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx, jobCtx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		h, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", "worker", worker, "error", err)
			continue
		}
		p.process(jobCtx, worker, h)
	}
}

// process runs one attempt of one job. Nothing escapes it.
func (p *Pool) process(ctx context.Context, worker int, h queue.Handle) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job iteration panicked", "job_id", h.JobID, "worker", worker,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	rec, err := p.load(ctx, h)
	if err != nil {
		// A fresh record here would overwrite the stored attempt count and
		// history.
		p.logger.Error("loading job record failed, deferring job", "job_id", h.JobID, "error", err)
		p.enqueueAfter(h, p.opts.PersistBackoff.Delay(p.opts.PersistRetries))
		return
	}
	if rec.Status.Terminal() {
		p.logger.Debug("skipping finished job", "job_id", rec.JobID, "status", rec.Status)
		return
	}

	ctx, span := p.tracer.StartJob(ctx, rec.JobID, string(rec.Request.Kind), rec.Attempt)
	defer span.End()

	now := p.opts.Now()
	if err := rec.Start(now); err != nil {
		p.logger.Error("cannot start job", "job_id", rec.JobID, "error", err)
		return
	}
	_ = rec.Append(now, MsgStarted)
	entry := p.active.start(rec, now)
	p.metrics.JobStarted(ctx)
	defer p.metrics.JobFinished(ctx)
	defer p.active.remove(entry)

	p.persist(ctx, rec)
	p.logger.Info("job started", "job_id", rec.JobID, "kind", rec.Request.Kind,
		"attempt", rec.Attempt+1, "worker", worker)

	run := &jobRun{pool: p, rec: rec, last: now}
	refs, err := p.runPipeline(ctx, rec, run)
	elapsed := p.opts.Now().Sub(now)
	kind := string(rec.Request.Kind)

	switch {
	case err == nil:
		p.complete(ctx, rec, refs)
		p.metrics.RecordOutcome(ctx, kind, "completed", elapsed)

	case ctx.Err() != nil:
		// Shutdown interrupted the attempt. The record stays processing and is
		// picked up again by rehydration on the next start.
		_ = rec.Append(p.opts.Now(), MsgInterrupted)
		p.persist(ctx, rec)
		p.logger.Warn("job interrupted", "job_id", rec.JobID, "phase", rec.LastPhase(), "error", err)
		p.metrics.RecordOutcome(ctx, kind, "interrupted", elapsed)
		observability.RecordError(span, err)

	default:
		observability.RecordError(span, err)
		if p.retryOrFail(ctx, rec, err, entry) {
			p.metrics.RecordOutcome(ctx, kind, "retried", elapsed)
		} else {
			p.metrics.RecordOutcome(ctx, kind, "failed", elapsed)
		}
	}
}

// load returns the stored record for h. A fresh queued record is built only
// when the store reports the id as absent; any other read failure is
// returned unless this process holds an unsaved copy.
func (p *Pool) load(ctx context.Context, h queue.Handle) (*jobs.Record, error) {
	var rec *jobs.Record
	missing := false
	err := p.withPersistRetry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = p.store.Get(ctx, h.JobID)
		if errors.Is(err, storage.ErrNotFound) {
			missing = true
			return nil
		}
		missing = false
		return err
	})

	cached := p.unsavedRecord(h.JobID)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}
	if cached != nil && (rec == nil || cached.Status.Rank() >= rec.Status.Rank()) {
		return cached, nil
	}
	if missing {
		rec = jobs.New(h.JobID, h.Request, "", p.opts.Now())
	}
	return rec, nil
}

func (p *Pool) runPipeline(ctx context.Context, rec *jobs.Record, r Reporter) (refs []jobs.ResultRef, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()

	defer func() {
		if rv := recover(); rv != nil {
			p.logger.Error("pipeline panicked", "job_id", rec.JobID, "panic", rv, "stack", string(debug.Stack()))
			refs, err = nil, retry.Terminal(fmt.Errorf("pipeline panic: %v", rv))
		}
	}()

	refs, err = p.pipeline.Run(ctx, rec, r)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = retry.Transient(fmt.Errorf("job timed out after %s: %w", p.opts.JobTimeout, err))
	}
	return refs, err
}

func (p *Pool) complete(ctx context.Context, rec *jobs.Record, refs []jobs.ResultRef) {
	now := p.opts.Now()
	_ = rec.Append(now, MsgCompleted)
	if err := rec.Complete(now, refs); err != nil {
		p.logger.Error("completing job", "job_id", rec.JobID, "error", err)
		return
	}
	p.persist(ctx, rec)
	p.logger.Info("job completed", "job_id", rec.JobID, "results", len(refs),
		"duration", rec.TimeCompleted.Sub(*rec.TimeStarted))
}

// retryOrFail handles a failed attempt. It reports whether the job was
// re-enqueued.
func (p *Pool) retryOrFail(ctx context.Context, rec *jobs.Record, cause error, entry *ActiveJob) bool {
	now := p.opts.Now()
	phase := rec.LastPhase()
	transient := retry.IsTransient(cause)

	if transient && rec.Attempt+1 < p.opts.RetryBudget {
		rec.Attempt++
		_ = rec.Append(now, fmt.Sprintf("attempt %d failed: %v", rec.Attempt, cause))
		p.persist(ctx, rec)
		p.logger.Warn("job failed transiently, retrying", "job_id", rec.JobID, "phase", phase,
			"attempt", rec.Attempt, "budget", p.opts.RetryBudget, "error", cause)
		// The next attempt may start on another worker before this one
		// returns.
		p.active.remove(entry)
		p.requeue(queue.Handle{JobID: rec.JobID, Request: rec.Request}, rec.Attempt)
		return true
	}

	jerr := jobs.JobError{Kind: jobs.ErrorTerminal, Message: cause.Error(), Phase: phase, Attempt: rec.Attempt + 1}
	if transient {
		jerr.Kind = jobs.ErrorTransient
		jerr.Message = fmt.Sprintf("retry budget of %d exhausted: %v", p.opts.RetryBudget, cause)
	}
	if err := rec.Fail(now, jerr); err != nil {
		p.logger.Error("failing job", "job_id", rec.JobID, "error", err)
		return false
	}
	p.persist(ctx, rec)
	p.logger.Error("job failed", "job_id", rec.JobID, "phase", phase, "kind", jerr.Kind, "error", cause)
	return false
}

func (p *Pool) requeue(h queue.Handle, attempt int) {
	if p.opts.RetryBackoff == (retry.Backoff{}) {
		p.enqueue(h)
		return
	}
	p.enqueueAfter(h, p.opts.RetryBackoff.Delay(attempt-1))
}

// enqueueAfter puts h back on the queue once delay has passed. A pending
// handle is dropped at shutdown; its record is picked up by rehydration.
func (p *Pool) enqueueAfter(h queue.Handle, delay time.Duration) {
	if delay <= 0 {
		p.enqueue(h)
		return
	}

	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.enqueue(h)
		case <-p.stopRetry:
			p.logger.Info("re-enqueue dropped at shutdown", "job_id", h.JobID)
		}
	}()
}

func (p *Pool) enqueue(h queue.Handle) {
	if err := p.queue.Enqueue(h); err != nil {
		p.logger.Warn("re-enqueue failed, record stays processing", "job_id", h.JobID, "error", err)
	}
}

// Active returns a snapshot of the jobs currently held by workers.
func (p *Pool) Active() map[string]ActiveJob {
	return p.active.snapshot()
}

// Unsaved returns records whose latest state could not be persisted. They
// reflect the true outcome for the lifetime of this process.
func (p *Pool) Unsaved() map[string]*jobs.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*jobs.Record, len(p.unsaved))
	for id, rec := range p.unsaved {
		out[id] = rec.Clone()
	}
	return out
}

func (p *Pool) unsavedRecord(id string) *jobs.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.unsaved[id]; ok {
		return rec.Clone()
	}
	return nil
}

// jobRun is the Reporter handed to a pipeline.
type jobRun struct {
	pool *Pool
	rec  *jobs.Record
	mu   sync.Mutex
	last time.Time
}

func (r *jobRun) Phase(ctx context.Context, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.pool.opts.Now()
	if err := r.rec.Append(now, msg); err != nil {
		r.pool.logger.Warn("dropping progress entry", "job_id", r.rec.JobID, "msg", msg, "error", err)
		return
	}
	r.pool.metrics.RecordPhase(ctx, string(r.rec.Request.Kind), msg, now.Sub(r.last))
	r.last = now
	observability.AddPhase(ctx, msg)
	r.pool.active.progress(r.rec.JobID, jobs.LogEntry{TS: now.UTC(), Msg: msg})
	r.pool.persist(ctx, r.rec)
	r.pool.logger.Debug("job progress", "job_id", r.rec.JobID, "phase", msg)
}
