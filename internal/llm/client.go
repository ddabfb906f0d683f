// Package llm calls an OpenAI-compatible chat completion API in JSON mode,
// validates replies against a JSON schema and tracks token spend.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/kalambet/raven/internal/ratelimit"
	"github.com/kalambet/raven/internal/retry"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4.1-nano"
	defaultTimeout = 60 * time.Second
)

var (
	ErrNoAPIKey     = errors.New("llm api key not configured")
	ErrInvalidReply = errors.New("invalid llm reply")
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Limiter    ratelimit.Limiter
	Ledger     *Ledger
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client sends chat completions.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    ratelimit.Limiter
	ledger     *Ledger
	logger     *slog.Logger
}

// NewClient creates a client. A nil limiter means no throttling and a nil
// ledger means a private one.
func NewClient(cfg Config) *Client {
	c := &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: cfg.HTTPClient,
		limiter:    cfg.Limiter,
		ledger:     cfg.Ledger,
		logger:     cfg.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if c.limiter == nil {
		c.limiter = ratelimit.Unlimited{}
	}
	if c.ledger == nil {
		c.ledger = NewLedger()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool { return c.apiKey != "" }

// Model returns the model name requests are sent with.
func (c *Client) Model() string { return c.model }

// Ledger returns the process-wide usage ledger.
func (c *Client) Ledger() *Ledger { return c.ledger }

// EstimateTokens is the rough token cost charged against the window limiter
// before a call: a quarter of the prompt length plus a fixed reply allowance.
func EstimateTokens(prompt string) int {
	return max(1, len(prompt)/4) + 150
}

func roughTokens(s string) int {
	return max(1, len(s)/4)
}

// CompleteJSON sends msgs, validates the reply against schema (when not nil)
// and decodes it into out.
func (c *Client) CompleteJSON(ctx context.Context, msgs []Message, schema *Schema, out any) (Usage, error) {
	if !c.Enabled() {
		return Usage{}, retry.Terminal(ErrNoAPIKey)
	}

	var prompt strings.Builder
	for _, m := range msgs {
		prompt.WriteString(m.Content)
	}
	if err := c.limiter.Acquire(ctx, EstimateTokens(prompt.String())); err != nil {
		return Usage{}, fmt.Errorf("waiting for llm rate limit: %w", err)
	}

	body, err := json.Marshal(ChatRequest{
		Model:          c.model,
		Messages:       msgs,
		Temperature:    0,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return Usage{}, fmt.Errorf("marshaling request: %w", err)
	}

	start := time.Now()
	resp, err := c.doChat(ctx, body)
	if err != nil {
		return Usage{}, err
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	usage := Usage{
		Tag:              PriceTag(c.model),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Duration:         time.Since(start),
	}
	if usage.PromptTokens == 0 {
		usage.PromptTokens = roughTokens(prompt.String())
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = roughTokens(content)
	}
	c.ledger.Add(usage)

	if err := decodeReply(content, schema, out); err != nil {
		c.logger.Warn("bad json from llm", "model", c.model, "error", err)
		return usage, retry.Terminal(err)
	}
	return usage, nil
}

func (c *Client) doChat(ctx context.Context, body []byte) (*ChatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if err := retry.CheckResponse("llm", resp); err != nil {
		return nil, err
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	return &out, nil
}

var (
	fenceOpen  = regexp.MustCompile("(?i)^```(?:json)?\\s*")
	fenceClose = regexp.MustCompile("\\s*```$")
)

// stripFences removes a markdown code fence around a JSON reply.
func stripFences(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = fenceOpen.ReplaceAllString(raw, "")
	return fenceClose.ReplaceAllString(raw, "")
}

func decodeReply(content string, schema *Schema, out any) error {
	data := []byte(stripFences(content))
	if schema != nil {
		if err := schema.Validate(data); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidReply, err)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	return nil
}
