package jobs

import (
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is written into every record.
const SchemaVersion = 1

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTerminal          = errors.New("record is terminal")
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank orders statuses along queued < processing < completed|failed.
func (s Status) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

type LogEntry struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// ErrorKind classifies a recorded failure.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorTerminal  ErrorKind = "terminal"
	ErrorIntake    ErrorKind = "intake"
)

// JobError is the structured failure stored on a failed record.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Phase   string    `json:"phase,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
}

// ResultRef points at an artifact produced by a completed job.
type ResultRef struct {
	Kind string            `json:"kind"`
	Key  string            `json:"key"`
	URL  string            `json:"url,omitempty"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Record is the durable unit of work.
type Record struct {
	JobID         string      `json:"job_id"`
	Request       Request     `json:"request"`
	Status        Status      `json:"status"`
	Origin        string      `json:"origin,omitempty"`
	PointOfOrigin string      `json:"point_of_origin,omitempty"`
	TimeReceived  time.Time   `json:"time_received"`
	TimeStarted   *time.Time  `json:"time_started"`
	TimeCompleted *time.Time  `json:"time_completed"`
	ProgressLog   []LogEntry  `json:"progress_log"`
	ResultRefs    []ResultRef `json:"result_refs,omitempty"`
	Error         *JobError   `json:"error,omitempty"`
	Attempt       int         `json:"attempt"`
	Version       int         `json:"version"`
}

// New returns a queued record for req received at now.
func New(id string, req Request, pointOfOrigin string, now time.Time) *Record {
	return &Record{
		JobID:         id,
		Request:       req,
		Status:        StatusQueued,
		Origin:        req.Origin,
		PointOfOrigin: pointOfOrigin,
		TimeReceived:  now.UTC(),
		ProgressLog:   []LogEntry{},
		Version:       SchemaVersion,
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	if r.ProgressLog != nil {
		c.ProgressLog = make([]LogEntry, len(r.ProgressLog))
		copy(c.ProgressLog, r.ProgressLog)
	}
	if r.ResultRefs != nil {
		c.ResultRefs = make([]ResultRef, len(r.ResultRefs))
		copy(c.ResultRefs, r.ResultRefs)
	}
	if r.TimeStarted != nil {
		t := *r.TimeStarted
		c.TimeStarted = &t
	}
	if r.TimeCompleted != nil {
		t := *r.TimeCompleted
		c.TimeCompleted = &t
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

// Append adds a progress entry.
func (r *Record) Append(now time.Time, msg string) error {
	if r.Status.Terminal() {
		return fmt.Errorf("appending %q to %s: %w", msg, r.JobID, ErrTerminal)
	}
	r.ProgressLog = append(r.ProgressLog, LogEntry{TS: now.UTC(), Msg: msg})
	return nil
}

// Start moves the record into processing. Re-entering processing on a retry
// keeps the first time_started.
func (r *Record) Start(now time.Time) error {
	switch r.Status {
	case StatusQueued:
	case StatusProcessing:
	default:
		return fmt.Errorf("%s %s -> %s: %w", r.JobID, r.Status, StatusProcessing, ErrInvalidTransition)
	}
	r.Status = StatusProcessing
	if r.TimeStarted == nil {
		t := now.UTC()
		r.TimeStarted = &t
	}
	return nil
}

// Complete moves a processing record to completed.
func (r *Record) Complete(now time.Time, refs []ResultRef) error {
	if r.Status != StatusProcessing {
		return fmt.Errorf("%s %s -> %s: %w", r.JobID, r.Status, StatusCompleted, ErrInvalidTransition)
	}
	r.Status = StatusCompleted
	r.ResultRefs = refs
	r.Error = nil
	r.setCompleted(now)
	return nil
}

// Fail moves a record to failed. Only processing records and queued records
// rejected at intake may fail.
func (r *Record) Fail(now time.Time, jerr JobError) error {
	switch {
	case r.Status == StatusProcessing:
	case r.Status == StatusQueued && jerr.Kind == ErrorIntake:
	default:
		return fmt.Errorf("%s %s -> %s: %w", r.JobID, r.Status, StatusFailed, ErrInvalidTransition)
	}
	r.Status = StatusFailed
	r.ResultRefs = nil
	r.Error = &jerr
	r.setCompleted(now)
	return nil
}

func (r *Record) setCompleted(now time.Time) {
	t := now.UTC()
	if r.TimeStarted != nil && t.Before(*r.TimeStarted) {
		t = *r.TimeStarted
	}
	r.TimeCompleted = &t
}

// LastPhase returns the most recent progress message, or "".
func (r *Record) LastPhase() string {
	if len(r.ProgressLog) == 0 {
		return ""
	}
	return r.ProgressLog[len(r.ProgressLog)-1].Msg
}
