// Package intake turns validated requests into persisted, queued jobs and
// re-queues unfinished jobs after a restart.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/observability"
	"github.com/kalambet/raven/internal/queue"
	"github.com/kalambet/raven/internal/storage"
)

const createAttempts = 3

// RecordStore is the part of the job store intake writes to.
type RecordStore interface {
	Create(ctx context.Context, rec *jobs.Record) error
	List(ctx context.Context) ([]*jobs.Record, error)
}

// Enqueuer accepts handles for the worker pool.
type Enqueuer interface {
	Enqueue(h queue.Handle) error
}

// Receipt acknowledges one accepted job.
type Receipt struct {
	JobID   string      `json:"job_id"`
	Status  jobs.Status `json:"status"`
	Message string      `json:"message"`
	Title   string      `json:"title"`
}

// Service accepts submissions.
type Service struct {
	store   RecordStore
	queue   Enqueuer
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// New creates a Service. obs may be nil.
func New(store RecordStore, q Enqueuer, logger *slog.Logger, obs *observability.Provider) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		queue:   q,
		logger:  logger,
		metrics: obs.Metrics(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Submit validates req, persists one queued record per job and enqueues it.
// A filing request without a quarter fans out into one job per quarter.
// Validation failures wrap jobs.ErrInvalidRequest and create nothing.
func (s *Service) Submit(ctx context.Context, req jobs.Request, pointOfOrigin string) ([]Receipt, error) {
	req = req.Normalize()
	reqs := req.ExpandQuarters()
	for _, r := range reqs {
		if err := r.Validate(); err != nil {
			s.metrics.RecordIntake(ctx, string(req.Kind), "rejected")
			return nil, err
		}
	}

	receipts := make([]Receipt, 0, len(reqs))
	for _, r := range reqs {
		rec, err := s.create(ctx, r, pointOfOrigin)
		if err != nil {
			return receipts, err
		}
		if err := s.queue.Enqueue(queue.Handle{JobID: rec.JobID, Request: rec.Request}); err != nil {
			// The record is durable and queued; rehydration picks it up.
			return receipts, fmt.Errorf("enqueueing job %s: %w", rec.JobID, err)
		}
		s.metrics.RecordIntake(ctx, string(r.Kind), "accepted")
		s.logger.Info("job queued", "job_id", rec.JobID, "title", r.Title(), "origin", r.Origin)
		receipts = append(receipts, Receipt{
			JobID:   rec.JobID,
			Status:  rec.Status,
			Message: "Job queued",
			Title:   r.Title(),
		})
	}
	return receipts, nil
}

func (s *Service) create(ctx context.Context, req jobs.Request, pointOfOrigin string) (*jobs.Record, error) {
	for range createAttempts {
		rec := jobs.New(s.newID(), req, pointOfOrigin, s.now())
		err := s.store.Create(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, storage.ErrExists) {
			return nil, fmt.Errorf("persisting job: %w", err)
		}
		s.logger.Warn("job id collision, generating another", "job_id", rec.JobID)
	}
	return nil, fmt.Errorf("persisting job: %w after %d attempts", storage.ErrExists, createAttempts)
}

// Rehydrate enqueues every unfinished record in time_received order and
// returns how many were queued. Records left in processing by a crash are
// included; this assumes a single running instance per store.
func (s *Service) Rehydrate(ctx context.Context) (int, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing jobs for rehydration: %w", err)
	}

	n := 0
	for _, rec := range recs {
		if rec.Status.Terminal() {
			continue
		}
		if err := s.queue.Enqueue(queue.Handle{JobID: rec.JobID, Request: rec.Request}); err != nil {
			return n, fmt.Errorf("re-enqueueing %s: %w", rec.JobID, err)
		}
		n++
		s.logger.Debug("job rehydrated", "job_id", rec.JobID, "status", rec.Status, "attempt", rec.Attempt)
	}
	if n > 0 {
		s.logger.Info("rehydrated unfinished jobs", "count", n)
	}
	return n, nil
}
