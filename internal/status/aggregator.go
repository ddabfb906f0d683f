// Package status reconciles persisted job records with the worker pool's
// live cache into one view for status reads.
package status

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/storage"
	"github.com/kalambet/raven/internal/worker"
)

// RecordReader reads persisted records.
type RecordReader interface {
	List(ctx context.Context) ([]*jobs.Record, error)
	Get(ctx context.Context, id string) (*jobs.Record, error)
}

// ActiveSource exposes a worker pool's live state.
type ActiveSource interface {
	Active() map[string]worker.ActiveJob
	Unsaved() map[string]*jobs.Record
}

// Entry is one job in a snapshot.
type Entry struct {
	JobID         string           `json:"job_id"`
	Kind          jobs.Kind        `json:"kind"`
	Title         string           `json:"title"`
	Status        jobs.Status      `json:"status"`
	Origin        string           `json:"origin,omitempty"`
	PointOfOrigin string           `json:"point_of_origin,omitempty"`
	TimeReceived  time.Time        `json:"time_received"`
	TimeStarted   *time.Time       `json:"time_started"`
	TimeCompleted *time.Time       `json:"time_completed"`
	Phase         string           `json:"phase,omitempty"`
	Attempt       int              `json:"attempt"`
	Active        bool             `json:"active"`
	Elapsed       string           `json:"elapsed,omitempty"`
	Progress      []jobs.LogEntry  `json:"progress_log"`
	ResultRefs    []jobs.ResultRef `json:"result_refs,omitempty"`
	Error         *jobs.JobError   `json:"error,omitempty"`
}

// Snapshot is the reconciled view of every known job.
type Snapshot struct {
	Jobs   []Entry             `json:"jobs"`
	Counts map[jobs.Status]int `json:"counts"`
}

// Aggregator builds snapshots.
type Aggregator struct {
	store  RecordReader
	active ActiveSource
	now    func() time.Time
}

// New creates an Aggregator. active may be nil when no pool runs in this
// process.
func New(store RecordReader, active ActiveSource) *Aggregator {
	return &Aggregator{store: store, active: active, now: time.Now}
}

// Snapshot merges the store with the live cache. Stored records decide which
// jobs exist; the cache contributes progress for jobs a worker holds right
// now. Active ids not yet stored are reported as queued. Records whose latest
// write failed are shown with their in-memory state.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	recs, err := a.store.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("listing job records: %w", err)
	}

	var active map[string]worker.ActiveJob
	var unsaved map[string]*jobs.Record
	if a.active != nil {
		active = a.active.Active()
		unsaved = a.active.Unsaved()
	}

	now := a.now()
	seen := make(map[string]bool, len(recs))
	entries := make([]Entry, 0, len(recs)+len(active))
	for _, rec := range recs {
		seen[rec.JobID] = true
		aj, ok := active[rec.JobID]
		entries = append(entries, reconcile(rec, unsaved[rec.JobID], aj, ok, now))
	}

	for id, aj := range active {
		if seen[id] {
			continue
		}
		entries = append(entries, unstored(aj))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].TimeReceived.Equal(entries[j].TimeReceived) {
			return entries[i].TimeReceived.Before(entries[j].TimeReceived)
		}
		return entries[i].JobID < entries[j].JobID
	})

	return Snapshot{Jobs: entries, Counts: Count(entries)}, nil
}

// Job returns the reconciled entry for one id, reading only that record.
func (a *Aggregator) Job(ctx context.Context, id string) (Entry, bool, error) {
	rec, err := a.store.Get(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Entry{}, false, fmt.Errorf("reading job record %s: %w", id, err)
	}

	var aj worker.ActiveJob
	var live bool
	var u *jobs.Record
	if a.active != nil {
		aj, live = a.active.Active()[id]
		u = a.active.Unsaved()[id]
	}

	if rec == nil {
		if live {
			return unstored(aj), true, nil
		}
		return Entry{}, false, nil
	}
	return reconcile(rec, u, aj, live, a.now()), true, nil
}

// reconcile builds the entry for a stored record. An unsaved copy of equal
// or higher rank replaces it; a live worker entry contributes progress
// while the job is not terminal.
func reconcile(rec, unsaved *jobs.Record, aj worker.ActiveJob, live bool, now time.Time) Entry {
	if unsaved != nil && unsaved.Status.Rank() >= rec.Status.Rank() {
		rec = unsaved
	}
	e := fromRecord(rec)
	if live && !rec.Status.Terminal() {
		e.Active = true
		e.Phase = aj.Phase
		e.Progress = aj.Progress
		e.Elapsed = now.Sub(aj.Started).Round(time.Second).String()
	}
	return e
}

// unstored reports a job a worker holds before its record is readable.
func unstored(aj worker.ActiveJob) Entry {
	return Entry{
		JobID:        aj.JobID,
		Kind:         aj.Kind,
		Title:        aj.Title,
		Status:       jobs.StatusQueued,
		TimeReceived: aj.TimeReceived,
		Attempt:      aj.Attempt,
		Progress:     []jobs.LogEntry{},
	}
}

// Count tallies entries per status. Every status is present.
func Count(entries []Entry) map[jobs.Status]int {
	counts := map[jobs.Status]int{
		jobs.StatusQueued:     0,
		jobs.StatusProcessing: 0,
		jobs.StatusCompleted:  0,
		jobs.StatusFailed:     0,
	}
	for _, e := range entries {
		counts[e.Status]++
	}
	return counts
}

// ETag returns a strong entity tag for body.
func ETag(body []byte) string {
	return `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
}

func fromRecord(rec *jobs.Record) Entry {
	progress := rec.ProgressLog
	if progress == nil {
		progress = []jobs.LogEntry{}
	}
	return Entry{
		JobID:         rec.JobID,
		Kind:          rec.Request.Kind,
		Title:         rec.Request.Title(),
		Status:        rec.Status,
		Origin:        rec.Origin,
		PointOfOrigin: rec.PointOfOrigin,
		TimeReceived:  rec.TimeReceived,
		TimeStarted:   rec.TimeStarted,
		TimeCompleted: rec.TimeCompleted,
		Phase:         rec.LastPhase(),
		Attempt:       rec.Attempt,
		Progress:      progress,
		ResultRefs:    rec.ResultRefs,
		Error:         rec.Error,
	}
}
