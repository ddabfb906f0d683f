// Package retention removes finished job records once they age out.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/storage"
)

// RecordStore lists and deletes job records.
type RecordStore interface {
	List(ctx context.Context) ([]*jobs.Record, error)
	Delete(ctx context.Context, id string) error
}

// Sweeper deletes terminal records completed more than MaxAge ago.
type Sweeper struct {
	store    RecordStore
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a Sweeper. A non-positive maxAge disables deletion;
// interval defaults to one hour.
func NewSweeper(store RecordStore, maxAge, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.maxAge <= 0 {
		s.logger.Info("retention disabled")
		return
	}
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

// Sweep deletes every expired record and returns how many were removed.
// Queued and processing records are never touched.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.maxAge <= 0 {
		return 0, nil
	}
	recs, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing jobs: %w", err)
	}

	cutoff := s.now().Add(-s.maxAge)
	n := 0
	for _, rec := range recs {
		if !expired(rec, cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, rec.JobID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("deleting %s: %w", rec.JobID, err)
		}
		n++
		s.logger.Debug("expired job deleted", "job_id", rec.JobID, "status", rec.Status)
	}
	if n > 0 {
		s.logger.Info("retention sweep", "deleted", n, "max_age", s.maxAge)
	}
	return n, nil
}

func expired(rec *jobs.Record, cutoff time.Time) bool {
	if !rec.Status.Terminal() {
		return false
	}
	done := rec.TimeReceived
	if rec.TimeCompleted != nil {
		done = *rec.TimeCompleted
	}
	return done.Before(cutoff)
}
