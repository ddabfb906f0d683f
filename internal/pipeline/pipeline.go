// Package pipeline holds the per-kind work a job performs once a worker
// picks it up.
package pipeline

import (
	"context"
	"fmt"

	"github.com/kalambet/raven/internal/docstore"
	"github.com/kalambet/raven/internal/filings"
	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/llm"
	"github.com/kalambet/raven/internal/retry"
	"github.com/kalambet/raven/internal/worker"
)

// Progress phases.
const (
	PhaseFilingLocated     = "filing located"
	PhaseTranscriptFetched = "transcript fetched"
	PhaseNoTranscript      = "no transcript available"
	PhaseReasoned          = "LLM reasoning complete"
	PhaseDocumentWritten   = "document written"
)

// FilingSource locates and downloads SEC filings.
type FilingSource interface {
	Locate(ctx context.Context, ticker string, year, quarter int) (filings.Filing, error)
	Fetch(ctx context.Context, f filings.Filing) ([]byte, error)
}

// TranscriptSource returns an earnings-call transcript, or nil when none is
// published.
type TranscriptSource interface {
	Fetch(ctx context.Context, ticker string, year, quarter int) (*filings.Transcript, error)
}

// Reasoner runs one JSON-mode LLM call.
type Reasoner interface {
	CompleteJSON(ctx context.Context, msgs []llm.Message, schema *llm.Schema, out any) (llm.Usage, error)
}

// DocumentWriter stores a generated document under a key.
type DocumentWriter interface {
	Put(ctx context.Context, key string, doc docstore.Document) (docstore.Written, error)
}

// Router dispatches a job to the pipeline registered for its kind.
type Router map[jobs.Kind]worker.Pipeline

func (r Router) Run(ctx context.Context, rec *jobs.Record, rep worker.Reporter) ([]jobs.ResultRef, error) {
	p, ok := r[rec.Request.Kind]
	if !ok {
		return nil, retry.Terminal(fmt.Errorf("no pipeline for job kind %q", rec.Request.Kind))
	}
	return p.Run(ctx, rec, rep)
}

func usageMeta(u llm.Usage) map[string]string {
	return map[string]string{
		"model_tag":         u.Tag,
		"prompt_tokens":     fmt.Sprint(u.PromptTokens),
		"completion_tokens": fmt.Sprint(u.CompletionTokens),
		"cost_usd":          u.Cost().StringFixed(6),
	}
}
