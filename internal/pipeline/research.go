package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/raven/internal/docstore"
	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/llm"
	"github.com/kalambet/raven/internal/worker"
)

var answerSchema = llm.MustLoadSchema("research_answer")

const researchSystemPrompt = `You are a research assistant for equity analysts.
Answer the question precisely. Return ONLY JSON with keys: title, answer, sources (array of strings).`

// Answer is the LLM reply for a research query.
type Answer struct {
	Title   string   `json:"title"`
	Answer  string   `json:"answer"`
	Sources []string `json:"sources,omitempty"`
}

// Research answers a free-form query and writes the answer as a document.
type Research struct {
	LLM  Reasoner
	Docs DocumentWriter
}

// ResearchDocKey keys research output by job id.
func ResearchDocKey(jobID string) string {
	return "research/" + jobID
}

func (p *Research) Run(ctx context.Context, rec *jobs.Record, r worker.Reporter) ([]jobs.ResultRef, error) {
	req := rec.Request

	var a Answer
	usage, err := p.LLM.CompleteJSON(ctx, []llm.Message{
		llm.System(researchSystemPrompt),
		llm.User(req.Query),
	}, answerSchema, &a)
	if err != nil {
		return nil, fmt.Errorf("answering query: %w", err)
	}
	r.Phase(ctx, PhaseReasoned)

	if a.Title == "" {
		a.Title = req.Title()
	}
	meta := map[string]string{"job_id": rec.JobID}
	if req.FlowID != "" {
		meta["flow_id"] = req.FlowID
	}
	w, err := p.Docs.Put(ctx, ResearchDocKey(rec.JobID), docstore.Document{
		Title:    a.Title,
		Content:  renderAnswer(req.Query, a),
		Metadata: meta,
	})
	if err != nil {
		return nil, fmt.Errorf("writing answer: %w", err)
	}
	r.Phase(ctx, PhaseDocumentWritten)

	return []jobs.ResultRef{{Kind: "document", Key: w.Key, URL: w.URL, Meta: usageMeta(usage)}}, nil
}

func renderAnswer(query string, a Answer) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n> %s\n\n%s\n", a.Title, query, a.Answer)
	if len(a.Sources) > 0 {
		b.WriteString("\n## Sources\n\n")
		for _, s := range a.Sources {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return b.String()
}
