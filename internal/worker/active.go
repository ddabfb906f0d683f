package worker

import (
	"sync"
	"time"

	"github.com/kalambet/raven/internal/jobs"
)

// progressTail bounds the progress entries kept per active job.
const progressTail = 20

// ActiveJob is the live view of a job held by a worker. It is a cache; the
// job store stays authoritative.
type ActiveJob struct {
	JobID        string
	Kind         jobs.Kind
	Title        string
	Status       jobs.Status
	TimeReceived time.Time
	Started      time.Time
	Attempt      int
	Phase        string
	Progress     []jobs.LogEntry
}

type activeCache struct {
	mu   sync.Mutex
	jobs map[string]*ActiveJob
}

func newActiveCache() *activeCache {
	return &activeCache{jobs: make(map[string]*ActiveJob)}
}

// start registers rec and returns its entry, the token remove expects.
func (c *activeCache) start(rec *jobs.Record, now time.Time) *ActiveJob {
	tail := rec.ProgressLog
	if len(tail) > progressTail {
		tail = tail[len(tail)-progressTail:]
	}
	a := &ActiveJob{
		JobID:        rec.JobID,
		Kind:         rec.Request.Kind,
		Title:        rec.Request.Title(),
		Status:       rec.Status,
		TimeReceived: rec.TimeReceived,
		Started:      now,
		Attempt:      rec.Attempt,
		Phase:        rec.LastPhase(),
		Progress:     append([]jobs.LogEntry(nil), tail...),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[rec.JobID] = a
	return a
}

func (c *activeCache) progress(id string, e jobs.LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.jobs[id]
	if !ok {
		return
	}
	a.Phase = e.Msg
	a.Progress = append(a.Progress, e)
	if len(a.Progress) > progressTail {
		a.Progress = append([]jobs.LogEntry(nil), a.Progress[len(a.Progress)-progressTail:]...)
	}
}

// remove drops a only while it is still the entry for its job. A later
// attempt that already registered itself is left in place.
func (c *activeCache) remove(a *ActiveJob) {
	if a == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jobs[a.JobID] == a {
		delete(c.jobs, a.JobID)
	}
}

func (c *activeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func (c *activeCache) snapshot() map[string]ActiveJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ActiveJob, len(c.jobs))
	for id, a := range c.jobs {
		cp := *a
		cp.Progress = append([]jobs.LogEntry(nil), a.Progress...)
		out[id] = cp
	}
	return out
}
