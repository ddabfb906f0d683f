package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/kalambet/raven/internal/jobs"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// backends returns one fresh instance of every backend. Cloud Storage runs
// against an in-process fake server.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	ctx := context.Background()

	fsb, err := NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSBackend: %v", err)
	}

	sq, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	mr := miniredis.RunT(t)
	rb, err := OpenRedis(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() { rb.Close() })

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"fs":     fsb,
		"sqlite": sq,
		"redis":  rb,
		"gcs":    newFakeGCS(t),
	}
}

func newRecord(id string, received time.Time) *jobs.Record {
	req := jobs.Request{Kind: jobs.KindFiling, Ticker: "AAPL", Year: 2024, Quarter: 1}
	return jobs.New(id, req, "test", received)
}

func TestStoreConformance(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(b, "jobs/", quietLogger())

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
			}

			r2 := newRecord("job-2", base.Add(time.Minute))
			r1 := newRecord("job-1", base)
			for _, r := range []*jobs.Record{r2, r1} {
				if err := s.Create(ctx, r); err != nil {
					t.Fatalf("Create(%s): %v", r.JobID, err)
				}
			}
			if err := s.Create(ctx, newRecord("job-1", base)); !errors.Is(err, ErrExists) {
				t.Errorf("duplicate Create = %v, want ErrExists", err)
			}

			if err := r1.Start(base.Add(time.Second)); err != nil {
				t.Fatal(err)
			}
			_ = r1.Append(base.Add(2*time.Second), "filing located")
			if err := s.Put(ctx, r1); err != nil {
				t.Fatalf("Put: %v", err)
			}

			got, err := s.Get(ctx, "job-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != jobs.StatusProcessing {
				t.Errorf("Status = %q, want %q", got.Status, jobs.StatusProcessing)
			}
			if got.LastPhase() != "filing located" {
				t.Errorf("LastPhase = %q", got.LastPhase())
			}
			if got.Version != jobs.SchemaVersion {
				t.Errorf("Version = %d", got.Version)
			}

			list, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 2 || list[0].JobID != "job-1" || list[1].JobID != "job-2" {
				t.Fatalf("List order = %v", ids(list))
			}

			if err := s.Delete(ctx, "job-2"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, "job-2"); !errors.Is(err, ErrNotFound) {
				t.Errorf("second Delete = %v, want ErrNotFound", err)
			}
			list, _ = s.List(ctx)
			if len(list) != 1 {
				t.Errorf("List after delete = %v", ids(list))
			}
		})
	}
}

func ids(recs []*jobs.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.JobID
	}
	return out
}

func TestStoreConcurrentPuts(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(b, "jobs/", quietLogger())
			var wg sync.WaitGroup
			for i := range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					r := newRecord(fmt.Sprintf("c-%02d", i), time.Unix(int64(i), 0))
					for range 5 {
						if err := s.Put(ctx, r); err != nil {
							t.Errorf("Put: %v", err)
							return
						}
					}
				}()
			}
			wg.Wait()
			list, err := s.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 20 {
				t.Errorf("List len = %d, want 20", len(list))
			}
		})
	}
}

// racyBackend rewrites or deletes objects between List and Read.
type racyBackend struct {
	Backend
	onList func()
}

func (r *racyBackend) List(ctx context.Context, prefix string) ([]Object, error) {
	objs, err := r.Backend.List(ctx, prefix)
	if r.onList != nil {
		r.onList()
	}
	return objs, err
}

func TestListToleratesRaces(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rb := &racyBackend{Backend: b}
			s := New(rb, "jobs/", quietLogger())

			for _, id := range []string{"a", "b", "c"} {
				if err := s.Put(ctx, newRecord(id, time.Unix(0, 0))); err != nil {
					t.Fatal(err)
				}
			}
			rb.onList = func() {
				// a: rewritten (listed generation is gone), b: deleted.
				rec := newRecord("a", time.Unix(0, 0))
				rec.Attempt = 7
				_ = s.Put(ctx, rec)
				_ = b.Delete(ctx, "jobs/b.json")
			}

			list, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if got := ids(list); len(got) != 2 || got[0] != "a" || got[1] != "c" {
				t.Fatalf("List = %v, want [a c]", got)
			}
			if list[0].Attempt != 7 {
				t.Errorf("rewritten record Attempt = %d, want latest (7)", list[0].Attempt)
			}
		})
	}
}

func TestListSkipsCorrupt(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	s := New(mem, "jobs/", quietLogger())

	_ = s.Put(ctx, newRecord("good", time.Unix(0, 0)))
	_ = mem.Write(ctx, "jobs/bad.json", []byte("{not json"))
	_ = mem.Write(ctx, "jobs/empty.json", []byte(`{"status":"queued"}`))
	_ = mem.Write(ctx, "jobs/nested/x.json", []byte(`{}`))
	_ = mem.Write(ctx, "other/x.json", []byte(`{}`))

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := ids(list); len(got) != 1 || got[0] != "good" {
		t.Errorf("List = %v, want [good]", got)
	}

	if _, err := s.Get(ctx, "bad"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Get(bad) = %v, want ErrCorrupt", err)
	}
}

func TestInvalidIDs(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), "", quietLogger())
	for _, id := range []string{"", "../x", "a/b"} {
		if err := s.Put(ctx, newRecord(id, time.Unix(0, 0))); err == nil {
			t.Errorf("Put(%q) succeeded", id)
		}
		if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%q) = %v, want ErrNotFound", id, err)
		}
	}
}

func TestOpenFallsBackToFS(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), Options{
		Backend: "redis",
		// Nothing listens here.
		RedisAddr: "127.0.0.1:1",
		DataDir:   dir,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if s.BackendName() != "fs" {
		t.Errorf("BackendName = %q, want fs", s.BackendName())
	}
	if err := s.Put(context.Background(), newRecord("x", time.Unix(0, 0))); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "job_queue", "jobs", "x.json")); err != nil {
		t.Errorf("fallback file missing: %v", err)
	}
}

func TestOpenGCSWithoutBucketFallsBack(t *testing.T) {
	s, err := Open(context.Background(), Options{Backend: "gcs", DataDir: t.TempDir(), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.BackendName() != "fs" {
		t.Errorf("BackendName = %q, want fs", s.BackendName())
	}
}

func TestOpenSQLite(t *testing.T) {
	s, err := Open(context.Background(), Options{Backend: "sqlite", DataDir: t.TempDir(), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if s.BackendName() != "sqlite" {
		t.Errorf("BackendName = %q, want sqlite", s.BackendName())
	}
}
