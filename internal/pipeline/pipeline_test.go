package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/raven/internal/docstore"
	"github.com/kalambet/raven/internal/filings"
	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/llm"
	"github.com/kalambet/raven/internal/retry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- mock filing source ---

type mockFilings struct {
	locateErr error
	doc       string
}

func (m *mockFilings) Locate(ctx context.Context, ticker string, year, quarter int) (filings.Filing, error) {
	if m.locateErr != nil {
		return filings.Filing{}, m.locateErr
	}
	return filings.Filing{
		Ticker: ticker, Form: "10-Q", ReportDate: "2024-06-29",
		Accession: "0000320193-24-000081", URL: "https://sec.example/aapl.htm",
	}, nil
}

func (m *mockFilings) Fetch(ctx context.Context, f filings.Filing) ([]byte, error) {
	return []byte(m.doc), nil
}

// --- mock transcript source ---

type mockTranscripts struct {
	text string
}

func (m *mockTranscripts) Fetch(ctx context.Context, ticker string, year, quarter int) (*filings.Transcript, error) {
	if m.text == "" {
		return nil, nil
	}
	return &filings.Transcript{Ticker: ticker, Year: year, Quarter: quarter, Date: "2024-08-01", Text: m.text}, nil
}

// --- mock reasoner ---

type mockReasoner struct {
	reply   string
	err     error
	prompts []string
}

func (m *mockReasoner) CompleteJSON(ctx context.Context, msgs []llm.Message, schema *llm.Schema, out any) (llm.Usage, error) {
	if m.err != nil {
		return llm.Usage{}, m.err
	}
	m.prompts = append(m.prompts, msgs[len(msgs)-1].Content)
	if schema != nil {
		if err := schema.Validate([]byte(m.reply)); err != nil {
			return llm.Usage{}, retry.Terminal(err)
		}
	}
	if err := json.Unmarshal([]byte(m.reply), out); err != nil {
		return llm.Usage{}, err
	}
	return llm.Usage{Tag: "nano", PromptTokens: 1000, CompletionTokens: 1000, Duration: time.Millisecond}, nil
}

// --- mock document store ---

type mockDocs struct {
	mu   sync.Mutex
	docs map[string]docstore.Document
	puts int
}

func newMockDocs() *mockDocs { return &mockDocs{docs: make(map[string]docstore.Document)} }

func (m *mockDocs) Put(ctx context.Context, key string, doc docstore.Document) (docstore.Written, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = doc
	m.puts++
	return docstore.Written{Key: key, URL: "https://docs.example/" + key}, nil
}

// --- reporter ---

type phases struct {
	mu   sync.Mutex
	msgs []string
}

func (p *phases) Phase(ctx context.Context, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func filingRecord(includeTranscript bool) *jobs.Record {
	req := jobs.Request{Kind: jobs.KindFiling, Ticker: "AAPL", Year: 2024, Quarter: 2, IncludeTranscript: includeTranscript}
	return jobs.New("job-1", req, "test", time.Now())
}

const analysisReply = `{"title":"Apple Q2 2024","summary":"Services revenue hit a record.","highlights":["Services +14%"],"risks":["China demand"]}`

func TestFilingPipeline(t *testing.T) {
	docs := newMockDocs()
	reasoner := &mockReasoner{reply: analysisReply}
	p := &Filing{
		Filings:     &mockFilings{doc: "<html><body><p>Net sales were $85.8 billion.</p><script>x()</script></body></html>"},
		Transcripts: &mockTranscripts{text: "Good afternoon and welcome."},
		LLM:         reasoner,
		Docs:        docs,
		Logger:      quietLogger(),
	}
	rep := &phases{}

	refs, err := p.Run(context.Background(), filingRecord(true), rep)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{PhaseFilingLocated, PhaseTranscriptFetched, PhaseReasoned, PhaseDocumentWritten}
	if strings.Join(rep.msgs, "|") != strings.Join(want, "|") {
		t.Errorf("phases = %v, want %v", rep.msgs, want)
	}

	if len(refs) != 3 {
		t.Fatalf("refs = %+v, want filing, transcript, document", refs)
	}
	if refs[0].Kind != "filing" || refs[1].Kind != "transcript" || refs[2].Kind != "document" {
		t.Errorf("ref kinds = %s %s %s", refs[0].Kind, refs[1].Kind, refs[2].Kind)
	}
	if refs[2].Key != "filings/AAPL/2024/Q2/analysis" {
		t.Errorf("document key = %q", refs[2].Key)
	}
	// 1k prompt + 1k completion on nano: 0.0001 + 0.0004
	if refs[2].Meta["cost_usd"] != "0.000500" {
		t.Errorf("cost meta = %q", refs[2].Meta["cost_usd"])
	}

	prompt := reasoner.prompts[0]
	if !strings.Contains(prompt, "Net sales were $85.8 billion.") || strings.Contains(prompt, "x()") {
		t.Errorf("prompt text extraction wrong: %q", prompt)
	}
	if !strings.Contains(prompt, "Good afternoon and welcome.") {
		t.Error("prompt missing transcript")
	}
	doc := docs.docs["filings/AAPL/2024/Q2/analysis"]
	if !strings.Contains(doc.Content, "- Services +14%") || doc.Title != "Apple Q2 2024" {
		t.Errorf("document = %+v", doc)
	}
}

func TestFilingPipelineNoTranscript(t *testing.T) {
	docs := newMockDocs()
	p := &Filing{
		Filings:     &mockFilings{doc: "<p>text</p>"},
		Transcripts: &mockTranscripts{},
		LLM:         &mockReasoner{reply: analysisReply},
		Docs:        docs,
		Logger:      quietLogger(),
	}
	rep := &phases{}
	refs, err := p.Run(context.Background(), filingRecord(true), rep)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.msgs[1] != PhaseNoTranscript {
		t.Errorf("phases = %v", rep.msgs)
	}
	if len(refs) != 2 || docs.puts != 1 {
		t.Errorf("refs = %d, puts = %d, want 2 and 1", len(refs), docs.puts)
	}
}

func TestFilingPipelineRetryOverwrites(t *testing.T) {
	docs := newMockDocs()
	p := &Filing{
		Filings:     &mockFilings{doc: "<p>text</p>"},
		Transcripts: &mockTranscripts{text: "call"},
		LLM:         &mockReasoner{reply: analysisReply},
		Docs:        docs,
		Logger:      quietLogger(),
	}
	for range 2 {
		if _, err := p.Run(context.Background(), filingRecord(true), &phases{}); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if len(docs.docs) != 2 {
		t.Errorf("stored %d documents after two runs, want 2 (transcript, analysis)", len(docs.docs))
	}
}

func TestFilingPipelineErrors(t *testing.T) {
	notFound := retry.Terminal(filings.ErrNoFiling)
	p := &Filing{
		Filings: &mockFilings{locateErr: notFound},
		LLM:     &mockReasoner{reply: analysisReply},
		Docs:    newMockDocs(),
		Logger:  quietLogger(),
	}
	rep := &phases{}
	_, err := p.Run(context.Background(), filingRecord(false), rep)
	if !errors.Is(err, filings.ErrNoFiling) || retry.IsTransient(err) {
		t.Errorf("err = %v, want terminal ErrNoFiling", err)
	}
	if len(rep.msgs) != 0 {
		t.Errorf("phases = %v, want none", rep.msgs)
	}

	p = &Filing{
		Filings: &mockFilings{doc: "<p>x</p>"},
		LLM:     &mockReasoner{reply: `{"title":"no summary"}`},
		Docs:    newMockDocs(),
		Logger:  quietLogger(),
	}
	if _, err := p.Run(context.Background(), filingRecord(false), &phases{}); err == nil || retry.IsTransient(err) {
		t.Errorf("schema mismatch: err = %v, want terminal", err)
	}
}

func TestResearchPipeline(t *testing.T) {
	docs := newMockDocs()
	p := &Research{
		LLM:  &mockReasoner{reply: `{"answer":"Margins expanded.","sources":["10-Q"]}`},
		Docs: docs,
	}
	req := jobs.Request{Kind: jobs.KindResearch, Query: "How did margins move?", FlowID: "flow-7"}
	rec := jobs.New("job-r", req, "", time.Now())
	rep := &phases{}

	refs, err := p.Run(context.Background(), rec, rep)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(refs) != 1 || refs[0].Key != "research/job-r" {
		t.Fatalf("refs = %+v", refs)
	}
	doc := docs.docs["research/job-r"]
	if doc.Metadata["flow_id"] != "flow-7" || !strings.Contains(doc.Content, "Margins expanded.") {
		t.Errorf("document = %+v", doc)
	}
	if doc.Title != req.Title() {
		t.Errorf("title = %q, want %q", doc.Title, req.Title())
	}
	if strings.Join(rep.msgs, "|") != PhaseReasoned+"|"+PhaseDocumentWritten {
		t.Errorf("phases = %v", rep.msgs)
	}
}

func TestRouter(t *testing.T) {
	r := Router{
		jobs.KindResearch: &Research{LLM: &mockReasoner{reply: `{"answer":"a"}`}, Docs: newMockDocs()},
	}
	rec := jobs.New("r", jobs.Request{Kind: jobs.KindResearch, Query: "q"}, "", time.Now())
	if _, err := r.Run(context.Background(), rec, &phases{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, err := r.Run(context.Background(), filingRecord(false), &phases{})
	if err == nil || retry.IsTransient(err) {
		t.Errorf("unknown kind: err = %v, want terminal", err)
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name  string
		html  string
		limit int
		want  string
	}{
		{"collapses whitespace", "<p>Net   sales\n\n grew</p>", 0, "Net sales grew"},
		{"drops script and style", "<style>p{}</style><p>a</p><script>b</script>", 0, "a"},
		{"block breaks", "<div>one</div><div>two</div>", 0, "one\ntwo"},
		{"skips inline xbrl header", "<ix:header><ix:hidden>42</ix:hidden></ix:header><p>body</p>", 0, "body"},
		{"truncates", "<p>abcdefghij</p>", 4, "abcd"},
		{"truncates on rune boundary", "<p>ab€</p>", 4, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractText([]byte(tt.html), tt.limit); got != tt.want {
				t.Errorf("ExtractText = %q, want %q", got, tt.want)
			}
		})
	}
}
