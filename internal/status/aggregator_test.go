package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/queue"
	"github.com/kalambet/raven/internal/storage"
	"github.com/kalambet/raven/internal/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeActive struct {
	active  map[string]worker.ActiveJob
	unsaved map[string]*jobs.Record
}

func (f *fakeActive) Active() map[string]worker.ActiveJob { return f.active }
func (f *fakeActive) Unsaved() map[string]*jobs.Record    { return f.unsaved }

type failingStore struct{}

func (failingStore) List(context.Context) ([]*jobs.Record, error) {
	return nil, errors.New("bucket unavailable")
}

func (failingStore) Get(context.Context, string) (*jobs.Record, error) {
	return nil, errors.New("bucket unavailable")
}

// noListStore serves single reads only.
type noListStore struct {
	*storage.Store
}

func (noListStore) List(context.Context) ([]*jobs.Record, error) {
	return nil, errors.New("List called for a single-job read")
}

var base = time.Date(2024, 11, 5, 9, 0, 0, 0, time.UTC)

func filing(ticker string) jobs.Request {
	return jobs.Request{Kind: jobs.KindFiling, Ticker: ticker, Year: 2024, Quarter: 2}
}

func seed(t *testing.T, st *storage.Store, recs ...*jobs.Record) {
	t.Helper()
	for _, rec := range recs {
		if err := st.Put(context.Background(), rec); err != nil {
			t.Fatalf("Put(%s): %v", rec.JobID, err)
		}
	}
}

func TestSnapshot_Reconciles(t *testing.T) {
	st := storage.New(storage.NewMemoryBackend(), "", quietLogger())

	queued := jobs.New("a", filing("AAPL"), "web", base)

	running := jobs.New("b", filing("MSFT"), "web", base.Add(time.Minute))
	_ = running.Start(base.Add(2 * time.Minute))
	_ = running.Append(base.Add(2*time.Minute), "started")

	done := jobs.New("c", filing("NVDA"), "web", base.Add(2*time.Minute))
	_ = done.Start(base.Add(3 * time.Minute))
	_ = done.Complete(base.Add(4*time.Minute), []jobs.ResultRef{{Kind: "document", Key: "d1"}})

	seed(t, st, done, queued, running)

	live := &fakeActive{
		active: map[string]worker.ActiveJob{
			"b": {
				JobID:   "b",
				Status:  jobs.StatusProcessing,
				Started: base.Add(2 * time.Minute),
				Phase:   "filing located",
				Progress: []jobs.LogEntry{
					{TS: base.Add(2 * time.Minute), Msg: "started"},
					{TS: base.Add(3 * time.Minute), Msg: "filing located"},
				},
			},
			"ghost": {JobID: "ghost", Kind: jobs.KindResearch, Title: "research: x", TimeReceived: base.Add(10 * time.Minute)},
		},
	}
	agg := New(st, live)
	agg.now = func() time.Time { return base.Add(5 * time.Minute) }

	snap, err := agg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	var ids []string
	for _, e := range snap.Jobs {
		ids = append(ids, e.JobID)
	}
	if fmt.Sprint(ids) != "[a b c ghost]" {
		t.Fatalf("order = %v, want [a b c ghost]", ids)
	}

	b := snap.Jobs[1]
	if !b.Active || b.Phase != "filing located" || len(b.Progress) != 2 {
		t.Errorf("active entry = %+v", b)
	}
	if b.Elapsed != "3m0s" {
		t.Errorf("Elapsed = %q, want 3m0s", b.Elapsed)
	}
	if c := snap.Jobs[2]; c.Active || c.Status != jobs.StatusCompleted || len(c.ResultRefs) != 1 {
		t.Errorf("completed entry = %+v", c)
	}
	ghost := snap.Jobs[3]
	if ghost.Status != jobs.StatusQueued || len(ghost.Progress) != 0 {
		t.Errorf("unstored active entry = %+v, want queued with no progress", ghost)
	}

	want := map[jobs.Status]int{
		jobs.StatusQueued:     2,
		jobs.StatusProcessing: 1,
		jobs.StatusCompleted:  1,
		jobs.StatusFailed:     0,
	}
	for s, n := range want {
		if snap.Counts[s] != n {
			t.Errorf("Counts[%s] = %d, want %d", s, snap.Counts[s], n)
		}
	}
}

func TestSnapshot_UnsavedOverridesStale(t *testing.T) {
	st := storage.New(storage.NewMemoryBackend(), "", quietLogger())

	stale := jobs.New("a", filing("AAPL"), "", base)
	_ = stale.Start(base)
	seed(t, st, stale)

	final := stale.Clone()
	_ = final.Fail(base.Add(time.Minute), jobs.JobError{Kind: jobs.ErrorTerminal, Message: "no matching filing"})

	agg := New(st, &fakeActive{unsaved: map[string]*jobs.Record{"a": final}})
	e, ok, err := agg.Job(context.Background(), "a")
	if err != nil || !ok {
		t.Fatalf("Job: ok=%v err=%v", ok, err)
	}
	if e.Status != jobs.StatusFailed || e.Error == nil {
		t.Errorf("entry = %+v, want failed with error", e)
	}

	if _, ok, _ := agg.Job(context.Background(), "missing"); ok {
		t.Error("Job(missing) found an entry")
	}
}

func TestSnapshot_StoreError(t *testing.T) {
	if _, err := New(failingStore{}, nil).Snapshot(context.Background()); err == nil {
		t.Fatal("expected error from failing store")
	}
}

func TestETag(t *testing.T) {
	a := ETag([]byte(`{"jobs":[]}`))
	if a != ETag([]byte(`{"jobs":[]}`)) {
		t.Error("ETag not stable")
	}
	if a == ETag([]byte(`{"jobs":[{}]}`)) {
		t.Error("ETag did not change with body")
	}
	if a[0] != '"' || a[len(a)-1] != '"' {
		t.Errorf("ETag %s not quoted", a)
	}
}

func TestSnapshot_DrainsToQuiescence(t *testing.T) {
	st := storage.New(storage.NewMemoryBackend(), "", quietLogger())
	q := queue.New()
	pool := worker.New(st, q, worker.PipelineFunc(
		func(ctx context.Context, rec *jobs.Record, r worker.Reporter) ([]jobs.ResultRef, error) {
			return []jobs.ResultRef{{Kind: "document", Key: rec.JobID}}, nil
		}), worker.Options{Workers: 4, Logger: quietLogger()})

	for i := range 50 {
		rec := jobs.New(fmt.Sprintf("job-%02d", i), filing("AAPL"), "", base.Add(time.Duration(i)*time.Second))
		if err := st.Create(context.Background(), rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := q.Enqueue(queue.Handle{JobID: rec.JobID, Request: rec.Request}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	agg := New(st, pool)
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := agg.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if snap.Counts[jobs.StatusCompleted] == 50 {
			if snap.Counts[jobs.StatusQueued] != 0 || snap.Counts[jobs.StatusProcessing] != 0 {
				t.Fatalf("counts = %v, want only completed", snap.Counts)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("not quiescent: %v", snap.Counts)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJob_ReadsSingleRecord(t *testing.T) {
	st := storage.New(storage.NewMemoryBackend(), "", quietLogger())
	running := jobs.New("b", filing("MSFT"), "web", base)
	_ = running.Start(base)
	_ = running.Append(base, "started")
	stale := jobs.New("u", filing("NVDA"), "", base)
	_ = stale.Start(base)
	final := stale.Clone()
	_ = final.Complete(base.Add(time.Minute), nil)
	seed(t, st, running, stale)

	live := &fakeActive{
		active: map[string]worker.ActiveJob{
			"b":     {JobID: "b", Started: base, Phase: "filing located", Progress: []jobs.LogEntry{{TS: base, Msg: "filing located"}}},
			"ghost": {JobID: "ghost", Kind: jobs.KindResearch, Title: "research: x", TimeReceived: base},
		},
		unsaved: map[string]*jobs.Record{"u": final},
	}
	agg := New(noListStore{st}, live)
	agg.now = func() time.Time { return base.Add(90 * time.Second) }
	ctx := context.Background()

	e, ok, err := agg.Job(ctx, "b")
	if err != nil || !ok {
		t.Fatalf("Job(b) = %v, %v", ok, err)
	}
	if !e.Active || e.Phase != "filing located" || e.Elapsed != "1m30s" {
		t.Errorf("Job(b) = %+v, want live progress", e)
	}

	if e, ok, _ := agg.Job(ctx, "u"); !ok || e.Status != jobs.StatusCompleted {
		t.Errorf("Job(u) = %+v, want unsaved completed state", e)
	}
	if e, ok, _ := agg.Job(ctx, "ghost"); !ok || e.Status != jobs.StatusQueued {
		t.Errorf("Job(ghost) = %+v, want queued", e)
	}
	if _, ok, err := agg.Job(ctx, "missing"); ok || err != nil {
		t.Errorf("Job(missing) = %v, %v, want not found", ok, err)
	}
	if _, _, err := New(failingStore{}, nil).Job(ctx, "b"); err == nil {
		t.Error("expected error when the store is unreachable")
	}
}
