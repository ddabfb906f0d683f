package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/raven/internal/docstore"
	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/llm"
	"github.com/kalambet/raven/internal/worker"
)

const (
	defaultFilingChars     = 60000
	defaultTranscriptChars = 20000
)

var analysisSchema = llm.MustLoadSchema("filing_analysis")

const filingSystemPrompt = `You are a fundamental-analysis assistant.
You receive the text of an SEC filing and, when available, the matching earnings-call transcript.
Return ONLY JSON with keys: title, summary, highlights (array of strings), guidance, risks (array of strings).`

// Analysis is the LLM reply for a filing.
type Analysis struct {
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights"`
	Guidance   string   `json:"guidance,omitempty"`
	Risks      []string `json:"risks,omitempty"`
}

// Filing locates a 10-Q or 10-K, optionally fetches the transcript, asks the
// LLM for an analysis and writes it to the document store.
type Filing struct {
	Filings     FilingSource
	Transcripts TranscriptSource
	LLM         Reasoner
	Docs        DocumentWriter
	Logger      *slog.Logger

	FilingChars     int
	TranscriptChars int
}

// FilingDocKey is the document key for a filing request. It is stable across
// attempts so a retry overwrites its own earlier output.
func FilingDocKey(req jobs.Request, part string) string {
	return fmt.Sprintf("filings/%s/%d/Q%d/%s", req.Ticker, req.Year, req.Quarter, part)
}

func (p *Filing) Run(ctx context.Context, rec *jobs.Record, r worker.Reporter) ([]jobs.ResultRef, error) {
	req := rec.Request
	logger := p.logger().With("job_id", rec.JobID)

	f, err := p.Filings.Locate(ctx, req.Ticker, req.Year, req.Quarter)
	if err != nil {
		return nil, fmt.Errorf("locating filing: %w", err)
	}
	r.Phase(ctx, PhaseFilingLocated)
	logger.Info("filing located", "form", f.Form, "report_date", f.ReportDate, "url", f.URL)

	refs := []jobs.ResultRef{{
		Kind: "filing",
		Key:  f.Accession,
		URL:  f.URL,
		Meta: map[string]string{"form": f.Form, "report_date": f.ReportDate},
	}}

	raw, err := p.Filings.Fetch(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("fetching filing: %w", err)
	}
	text := ExtractText(raw, orDefault(p.FilingChars, defaultFilingChars))

	var transcript string
	if req.IncludeTranscript && p.Transcripts != nil {
		t, err := p.Transcripts.Fetch(ctx, req.Ticker, req.Year, req.Quarter)
		if err != nil {
			return nil, fmt.Errorf("fetching transcript: %w", err)
		}
		if t == nil {
			r.Phase(ctx, PhaseNoTranscript)
		} else {
			w, err := p.Docs.Put(ctx, FilingDocKey(req, "transcript"), docstore.Document{
				Title:    fmt.Sprintf("%s earnings call transcript", req.Title()),
				Content:  t.Text,
				Metadata: map[string]string{"date": t.Date, "job_id": rec.JobID},
			})
			if err != nil {
				return nil, fmt.Errorf("writing transcript: %w", err)
			}
			refs = append(refs, jobs.ResultRef{Kind: "transcript", Key: w.Key, URL: w.URL})
			transcript = truncate(t.Text, orDefault(p.TranscriptChars, defaultTranscriptChars))
			r.Phase(ctx, PhaseTranscriptFetched)
		}
	}

	var a Analysis
	usage, err := p.LLM.CompleteJSON(ctx, []llm.Message{
		llm.System(filingSystemPrompt),
		llm.User(filingPrompt(req, f.Form, text, transcript)),
	}, analysisSchema, &a)
	if err != nil {
		return nil, fmt.Errorf("reasoning over filing: %w", err)
	}
	r.Phase(ctx, PhaseReasoned)
	logger.Info("llm usage", "tag", usage.Tag, "prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens, "cost_usd", usage.Cost().StringFixed(6))

	if a.Title == "" {
		a.Title = fmt.Sprintf("%s %s analysis", req.Title(), f.Form)
	}
	w, err := p.Docs.Put(ctx, FilingDocKey(req, "analysis"), docstore.Document{
		Title:   a.Title,
		Content: renderAnalysis(a, f.URL),
		Metadata: map[string]string{
			"job_id": rec.JobID,
			"form":   f.Form,
			"source": f.URL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("writing analysis: %w", err)
	}
	r.Phase(ctx, PhaseDocumentWritten)

	refs = append(refs, jobs.ResultRef{Kind: "document", Key: w.Key, URL: w.URL, Meta: usageMeta(usage)})
	return refs, nil
}

func (p *Filing) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func filingPrompt(req jobs.Request, form, text, transcript string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s\nPeriod: %d Q%d\nForm: %s\n\n", req.Ticker, req.Year, req.Quarter, form)
	b.WriteString("----- FILING -----\n")
	b.WriteString(text)
	if transcript != "" {
		b.WriteString("\n\n----- EARNINGS CALL -----\n")
		b.WriteString(transcript)
	}
	return b.String()
}

func renderAnalysis(a Analysis, source string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n", a.Title, a.Summary)
	if len(a.Highlights) > 0 {
		b.WriteString("\n## Highlights\n\n")
		for _, h := range a.Highlights {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if a.Guidance != "" {
		fmt.Fprintf(&b, "\n## Guidance\n\n%s\n", a.Guidance)
	}
	if len(a.Risks) > 0 {
		b.WriteString("\n## Risks\n\n")
		for _, r := range a.Risks {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	fmt.Fprintf(&b, "\nSource: %s\n", source)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
