package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kalambet/raven/internal/retry"
)

// fakeStore is an in-memory document store keyed by request path.
type fakeStore struct {
	mu     sync.Mutex
	docs   map[string]Document
	writes int
	auth   string
}

func (f *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method", http.StatusMethodNotAllowed)
		return
	}
	var doc Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.docs[r.URL.Path] = doc
	f.writes++
	f.auth = r.Header.Get("Authorization")
	f.mu.Unlock()
	fmt.Fprintf(w, `{"url":"https://docs.example.com%s"}`, r.URL.Path)
}

func TestPutIsIdempotentOverwrite(t *testing.T) {
	fs := &fakeStore{docs: make(map[string]Document)}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	ctx := context.Background()

	key := "filings/AAPL/2024/Q3/analysis"
	if _, err := c.Put(ctx, key, Document{Title: "AAPL 2024 Q3", Content: "first"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	w, err := c.Put(ctx, key, Document{Title: "AAPL 2024 Q3", Content: "second"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if len(fs.docs) != 1 {
		t.Fatalf("stored %d documents, want 1", len(fs.docs))
	}
	if got := fs.docs["/documents/"+key].Content; got != "second" {
		t.Errorf("content = %q, want second", got)
	}
	if w.Key != key || w.URL != "https://docs.example.com/documents/"+key {
		t.Errorf("Written = %+v", w)
	}
	if fs.auth != "Bearer tok" {
		t.Errorf("Authorization = %q", fs.auth)
	}
}

func TestPutErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/documents/busy" {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	ctx := context.Background()

	if _, err := c.Put(ctx, "busy", Document{}); !retry.IsTransient(err) {
		t.Errorf("429: err = %v, want transient", err)
	}
	if _, err := c.Put(ctx, "denied", Document{}); err == nil || retry.IsTransient(err) {
		t.Errorf("403: err = %v, want terminal", err)
	}

	_, err := NewClient("", "", nil).Put(ctx, "x", Document{})
	if !errors.Is(err, ErrNotConfigured) || retry.IsTransient(err) {
		t.Errorf("unconfigured: err = %v", err)
	}
}
