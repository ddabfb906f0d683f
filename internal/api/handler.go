package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/raven/internal/intake"
	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/observability"
	"github.com/kalambet/raven/internal/status"
	"github.com/kalambet/raven/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Submitter creates jobs.
type Submitter interface {
	Submit(ctx context.Context, req jobs.Request, pointOfOrigin string) ([]intake.Receipt, error)
}

// StatusReader serves reconciled job state.
type StatusReader interface {
	Snapshot(ctx context.Context) (status.Snapshot, error)
	Job(ctx context.Context, id string) (status.Entry, bool, error)
}

// RecordDeleter removes a persisted record.
type RecordDeleter interface {
	Delete(ctx context.Context, id string) error
}

type Deps struct {
	Intake      Submitter
	Status      StatusReader
	Store       RecordDeleter
	APIKey      string
	IntakeRPS   float64
	IntakeBurst int
	Logger      *slog.Logger
}

// ProcessRequest is the body of POST /process.
type ProcessRequest struct {
	Ticker            string `json:"ticker"`
	Year              int    `json:"year"`
	Quarter           int    `json:"quarter,omitempty"`
	IncludeTranscript bool   `json:"include_transcript,omitempty"`
	Origin            string `json:"origin,omitempty"`
	PointOfOrigin     string `json:"point_of_origin,omitempty"`
}

// ResearchRequest is the body of POST /research.
type ResearchRequest struct {
	Query         string `json:"query"`
	FlowID        string `json:"flow_id,omitempty"`
	Origin        string `json:"origin,omitempty"`
	PointOfOrigin string `json:"point_of_origin,omitempty"`
}

// NewHandler returns the job intake and status API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(observability.ServerTimingMiddleware)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(deps.APIKey))

		r.Group(func(r chi.Router) {
			r.Use(Throttle(deps.IntakeRPS, deps.IntakeBurst))
			r.Post("/process", handleProcess(deps))
			r.Post("/research", handleResearch(deps))
		})

		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Delete("/jobs/{id}", handleDeleteJob(deps))
		r.Get("/updates", handleUpdates(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleProcess(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ProcessRequest
		if !decodeBody(w, r, &body) {
			return
		}

		req := jobs.Request{
			Kind:              jobs.KindFiling,
			Ticker:            body.Ticker,
			Year:              body.Year,
			Quarter:           body.Quarter,
			IncludeTranscript: body.IncludeTranscript,
			Origin:            body.Origin,
		}
		receipts, ok := submit(w, r, deps, req, body.PointOfOrigin)
		if !ok {
			return
		}
		if body.Quarter == 0 {
			writeJSON(w, http.StatusAccepted, receipts)
			return
		}
		writeJSON(w, http.StatusAccepted, receipts[0])
	}
}

func handleResearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ResearchRequest
		if !decodeBody(w, r, &body) {
			return
		}

		req := jobs.Request{
			Kind:   jobs.KindResearch,
			Query:  body.Query,
			FlowID: body.FlowID,
			Origin: body.Origin,
		}
		receipts, ok := submit(w, r, deps, req, body.PointOfOrigin)
		if !ok {
			return
		}
		writeJSON(w, http.StatusAccepted, receipts[0])
	}
}

func submit(w http.ResponseWriter, r *http.Request, deps Deps, req jobs.Request, pointOfOrigin string) ([]intake.Receipt, bool) {
	timing := observability.StartServerTiming(r.Context(), "intake", "persist and enqueue")
	receipts, err := deps.Intake.Submit(r.Context(), req, pointOfOrigin)
	timing.Stop()

	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return nil, false
	case err != nil:
		deps.Logger.Error("job intake failed", "kind", req.Kind, "accepted", len(receipts), "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "failed to queue job: %v", err)
		return nil, false
	}
	return receipts, true
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		entry, found, err := deps.Status.Job(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "failed to read job: %v", err)
			return
		}
		if !found {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func handleDeleteJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		entry, found, err := deps.Status.Job(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "failed to read job: %v", err)
			return
		}
		if !found {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if !entry.Status.Terminal() {
			httpError(w, http.StatusConflict, "conflict", "job is %s; only completed or failed jobs can be deleted", entry.Status)
			return
		}

		err = deps.Store.Delete(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleUpdates(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timing := observability.StartServerTiming(r.Context(), "snapshot", "reconcile store and workers")
		snap, err := deps.Status.Snapshot(r.Context())
		timing.Stop()
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "failed to read jobs: %v", err)
			return
		}

		body, err := json.Marshal(snap)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to encode snapshot: %v", err)
			return
		}
		etag := status.ETag(body)

		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", "no-cache")
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to encode response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(buf.Bytes())
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
