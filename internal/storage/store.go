package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kalambet/raven/internal/jobs"
)

// ErrCorrupt is returned when a stored object does not decode to a record.
var ErrCorrupt = errors.New("corrupt record")

// Store persists job records as JSON objects under <prefix><job_id>.json.
type Store struct {
	backend Backend
	prefix  string
	logger  *slog.Logger
}

// New wraps b. An empty prefix defaults to "jobs/".
func New(b Backend, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = "jobs/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: b, prefix: prefix, logger: logger}
}

// BackendName reports which backend is in use, e.g. "gcs" or "fs".
func (s *Store) BackendName() string { return s.backend.Name() }

// Close releases the backend.
func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) key(id string) string {
	return s.prefix + id + ".json"
}

func (s *Store) idFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, s.prefix) || !strings.HasSuffix(key, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, s.prefix), ".json")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid job id %q", id)
	}
	return nil
}

func encode(rec *jobs.Record) ([]byte, error) {
	if rec.Version == 0 {
		rec.Version = jobs.SchemaVersion
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", rec.JobID, err)
	}
	return data, nil
}

func decode(data []byte) (*jobs.Record, error) {
	var rec jobs.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.JobID == "" {
		return nil, fmt.Errorf("%w: missing job_id", ErrCorrupt)
	}
	if rec.Version == 0 {
		rec.Version = jobs.SchemaVersion
	}
	return &rec, nil
}

// Create writes a new record and fails with ErrExists if the id is taken.
func (s *Store) Create(ctx context.Context, rec *jobs.Record) error {
	if err := validID(rec.JobID); err != nil {
		return err
	}
	data, err := encode(rec)
	if err != nil {
		return err
	}
	if err := s.backend.Create(ctx, s.key(rec.JobID), data); err != nil {
		return fmt.Errorf("creating record %s: %w", rec.JobID, err)
	}
	return nil
}

// Put overwrites the record.
func (s *Store) Put(ctx context.Context, rec *jobs.Record) error {
	if err := validID(rec.JobID); err != nil {
		return err
	}
	data, err := encode(rec)
	if err != nil {
		return err
	}
	if err := s.backend.Write(ctx, s.key(rec.JobID), data); err != nil {
		return fmt.Errorf("writing record %s: %w", rec.JobID, err)
	}
	return nil
}

// Get returns the record or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*jobs.Record, error) {
	if err := validID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return s.fetch(ctx, Object{Key: s.key(id)})
}

// fetch reads obj and decodes it. A failed read is retried once against the
// latest version before it is reported.
func (s *Store) fetch(ctx context.Context, obj Object) (*jobs.Record, error) {
	data, err := s.backend.Read(ctx, obj.Key, obj.Generation)
	if err != nil && !errors.Is(err, context.Canceled) {
		data, err = s.backend.Read(ctx, obj.Key, 0)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s: %w", obj.Key, err)
	}
	return decode(data)
}

// List returns every readable record ordered by time_received. Objects that
// vanish or fail to decode between listing and reading are skipped.
func (s *Store) List(ctx context.Context) ([]*jobs.Record, error) {
	objs, err := s.backend.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.prefix, err)
	}

	out := make([]*jobs.Record, 0, len(objs))
	for _, obj := range objs {
		if _, ok := s.idFromKey(obj.Key); !ok {
			continue
		}
		rec, err := s.fetch(ctx, obj)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("skipping unreadable job record", "key", obj.Key, "error", err)
			}
			continue
		}
		out = append(out, rec)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TimeReceived.Equal(out[j].TimeReceived) {
			return out[i].TimeReceived.Before(out[j].TimeReceived)
		}
		return out[i].JobID < out[j].JobID
	})
	return out, nil
}

// Delete removes the record permanently.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err := s.backend.Delete(ctx, s.key(id)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	return nil
}
