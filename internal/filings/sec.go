// Package filings fetches SEC filings and earnings-call transcripts. Every
// outbound request waits on the client's rate limiter first.
package filings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/raven/internal/ratelimit"
	"github.com/kalambet/raven/internal/retry"
)

const (
	DefaultBaseURL    = "https://data.sec.gov"
	DefaultArchiveURL = "https://www.sec.gov"
	DefaultUserAgent  = "Raven Research contact@raven.ai"

	requestTimeout = 30 * time.Second
	maxDocumentLen = 32 << 20
)

var (
	ErrUnknownTicker = errors.New("ticker not found")
	ErrNoFiling      = errors.New("no matching filing found")
)

// Filing identifies one 10-Q or 10-K.
type Filing struct {
	Ticker     string `json:"ticker"`
	CIK        string `json:"cik"`
	Form       string `json:"form"`
	ReportDate string `json:"report_date"`
	FilingDate string `json:"filing_date"`
	Accession  string `json:"accession"`
	Primary    string `json:"primary_document"`
	URL        string `json:"url"`
}

// Client talks to the EDGAR APIs.
type Client struct {
	baseURL    string
	archiveURL string
	userAgent  string
	httpClient *http.Client
	limiter    ratelimit.Limiter
	logger     *slog.Logger

	mu   sync.Mutex
	ciks map[string]string
}

// Config configures a Client. Empty fields take the defaults above.
type Config struct {
	BaseURL    string
	ArchiveURL string
	UserAgent  string
	Limiter    ratelimit.Limiter
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates an EDGAR client.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		archiveURL: strings.TrimRight(cfg.ArchiveURL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: cfg.HTTPClient,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.archiveURL == "" {
		c.archiveURL = DefaultArchiveURL
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: requestTimeout}
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewInterval(1010 * time.Millisecond)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Locate finds the filing for ticker and period. With a quarter it prefers
// the 10-Q whose report date falls in that calendar quarter; otherwise, or
// when none matches, it takes the latest 10-K reported that year.
func (c *Client) Locate(ctx context.Context, ticker string, year, quarter int) (Filing, error) {
	ticker = strings.ToUpper(ticker)
	cik, err := c.lookupCIK(ctx, ticker)
	if err != nil {
		return Filing{}, err
	}

	rows, err := c.recentFilings(ctx, cik)
	if err != nil {
		return Filing{}, err
	}

	f, ok := pick(rows, year, quarter)
	if !ok {
		return Filing{}, retry.Terminal(fmt.Errorf("%s %d Q%d: %w", ticker, year, quarter, ErrNoFiling))
	}
	f.Ticker = ticker
	f.CIK = cik
	f.URL = c.archiveLink(cik, f.Accession, f.Primary)
	return f, nil
}

// Fetch downloads the primary document of f.
func (c *Client) Fetch(ctx context.Context, f Filing) ([]byte, error) {
	resp, err := c.get(ctx, f.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentLen))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.URL, err)
	}
	return data, nil
}

func (c *Client) archiveLink(cik, accession, primary string) string {
	n := strings.TrimLeft(cik, "0")
	if n == "" {
		n = "0"
	}
	return fmt.Sprintf("%s/Archives/edgar/data/%s/%s/%s",
		c.archiveURL, n, strings.ReplaceAll(accession, "-", ""), primary)
}

type tickerEntry struct {
	CIK    int64  `json:"cik_str"`
	Ticker string `json:"ticker"`
	Title  string `json:"title"`
}

// lookupCIK resolves ticker to a zero-padded ten digit CIK. The ticker table
// is fetched once per client.
func (c *Client) lookupCIK(ctx context.Context, ticker string) (string, error) {
	c.mu.Lock()
	table := c.ciks
	c.mu.Unlock()

	if table == nil {
		resp, err := c.get(ctx, c.archiveURL+"/files/company_tickers.json")
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		var raw map[string]tickerEntry
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return "", fmt.Errorf("decoding ticker table: %w", err)
		}
		table = make(map[string]string, len(raw))
		for _, e := range raw {
			table[strings.ToUpper(e.Ticker)] = fmt.Sprintf("%010d", e.CIK)
		}

		c.mu.Lock()
		c.ciks = table
		c.mu.Unlock()
	}

	cik, ok := table[ticker]
	if !ok {
		return "", retry.Terminal(fmt.Errorf("%s: %w", ticker, ErrUnknownTicker))
	}
	return cik, nil
}

type submissions struct {
	Filings struct {
		Recent struct {
			Form            []string `json:"form"`
			ReportDate      []string `json:"reportDate"`
			FilingDate      []string `json:"filingDate"`
			AccessionNumber []string `json:"accessionNumber"`
			PrimaryDocument []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

func (c *Client) recentFilings(ctx context.Context, cik string) ([]Filing, error) {
	resp, err := c.get(ctx, fmt.Sprintf("%s/submissions/CIK%s.json", c.baseURL, cik))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sub submissions
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("decoding submissions for CIK %s: %w", cik, err)
	}

	r := sub.Filings.Recent
	at := func(s []string, i int) string {
		if i < len(s) {
			return s[i]
		}
		return ""
	}

	var rows []Filing
	for i, form := range r.Form {
		if form != "10-Q" && form != "10-K" {
			continue
		}
		rows = append(rows, Filing{
			Form:       form,
			ReportDate: at(r.ReportDate, i),
			FilingDate: at(r.FilingDate, i),
			Accession:  at(r.AccessionNumber, i),
			Primary:    at(r.PrimaryDocument, i),
		})
	}
	return rows, nil
}

// periodDate is the report date, or the filing date when no report date is
// published.
func (f Filing) periodDate() (time.Time, bool) {
	d := f.ReportDate
	if d == "" {
		d = f.FilingDate
	}
	t, err := time.Parse(time.DateOnly, d)
	return t, err == nil
}

func pick(rows []Filing, year, quarter int) (Filing, bool) {
	if quarter > 0 {
		for _, r := range rows {
			t, ok := r.periodDate()
			if ok && r.Form == "10-Q" && t.Year() == year && (int(t.Month())-1)/3+1 == quarter {
				return r, true
			}
		}
	}

	var best Filing
	var bestAt time.Time
	found := false
	for _, r := range rows {
		t, ok := r.periodDate()
		if !ok || r.Form != "10-K" || t.Year() != year {
			continue
		}
		if !found || t.After(bestAt) {
			best, bestAt, found = r, t, true
		}
	}
	return best, found
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for filings rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, text/html;q=0.9")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	if err := retry.CheckResponse("filings", resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}
