// Package docstore writes generated documents to the document-store API.
// Writes are PUTs keyed deterministically, so a retried job overwrites what
// an earlier attempt left behind.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/raven/internal/ratelimit"
	"github.com/kalambet/raven/internal/retry"
)

const defaultTimeout = 60 * time.Second

// ErrNotConfigured is returned when no base URL is set.
var ErrNotConfigured = errors.New("document store not configured")

// Document is one generated artifact.
type Document struct {
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Written describes a stored document.
type Written struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Client talks to the document-store API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    ratelimit.Limiter
}

// NewClient creates a client. A nil limiter means no spacing.
func NewClient(baseURL, token string, limiter ratelimit.Limiter) *Client {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    limiter,
	}
}

// Put stores doc under key, replacing any previous version.
func (c *Client) Put(ctx context.Context, key string, doc Document) (Written, error) {
	if c.baseURL == "" {
		return Written{}, retry.Terminal(ErrNotConfigured)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return Written{}, fmt.Errorf("marshaling document: %w", err)
	}

	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return Written{}, fmt.Errorf("waiting for docs rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.documentURL(key), bytes.NewReader(body))
	if err != nil {
		return Written{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Written{}, fmt.Errorf("writing document %s: %w", key, err)
	}
	defer resp.Body.Close()

	if err := retry.CheckResponse("docs", resp); err != nil {
		return Written{}, err
	}

	w := Written{Key: key}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &w); err != nil {
			return Written{}, fmt.Errorf("decoding write response: %w", err)
		}
	}
	if w.Key == "" {
		w.Key = key
	}
	if w.URL == "" {
		w.URL = c.documentURL(key)
	}
	return w, nil
}

func (c *Client) documentURL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return c.baseURL + "/documents/" + strings.Join(parts, "/")
}
