package filings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/raven/internal/ratelimit"
	"github.com/kalambet/raven/internal/retry"
)

const DefaultTranscriptsURL = "https://api.api-ninjas.com/v1"

// Transcript is an earnings-call transcript.
type Transcript struct {
	Ticker  string `json:"ticker"`
	Year    int    `json:"year"`
	Quarter int    `json:"quarter"`
	Date    string `json:"date"`
	Text    string `json:"transcript"`
}

// TranscriptClient fetches transcripts from API Ninjas.
type TranscriptClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    ratelimit.Limiter
	logger     *slog.Logger
}

// TranscriptConfig configures a TranscriptClient.
type TranscriptConfig struct {
	BaseURL    string
	APIKey     string
	Limiter    ratelimit.Limiter
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewTranscriptClient(cfg TranscriptConfig) *TranscriptClient {
	c := &TranscriptClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: cfg.HTTPClient,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultTranscriptsURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: requestTimeout}
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewInterval(time.Second)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Enabled reports whether an API key is configured.
func (c *TranscriptClient) Enabled() bool { return c.apiKey != "" }

// Fetch returns the transcript for the period. A missing transcript returns
// (nil, nil).
func (c *TranscriptClient) Fetch(ctx context.Context, ticker string, year, quarter int) (*Transcript, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for transcripts rate limit: %w", err)
	}

	q := url.Values{}
	q.Set("ticker", strings.ToUpper(ticker))
	q.Set("year", strconv.Itoa(year))
	q.Set("quarter", strconv.Itoa(quarter))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/earningstranscript?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("User-Agent", "Raven/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting transcript: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := retry.CheckResponse("transcripts", resp); err != nil {
		return nil, err
	}

	var body struct {
		Date       string `json:"date"`
		Transcript string `json:"transcript"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding transcript: %w", err)
	}
	if strings.TrimSpace(body.Transcript) == "" {
		return nil, nil
	}
	return &Transcript{
		Ticker:  strings.ToUpper(ticker),
		Year:    year,
		Quarter: quarter,
		Date:    body.Date,
		Text:    body.Transcript,
	}, nil
}
