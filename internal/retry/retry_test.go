package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassTerminal},
		{"plain", errors.New("bad input"), ClassTerminal},
		{"deadline", fmt.Errorf("calling llm: %w", context.DeadlineExceeded), ClassTransient},
		{"429", &StatusError{Code: 429}, ClassTransient},
		{"503 wrapped", fmt.Errorf("x: %w", &StatusError{Code: 503}), ClassTransient},
		{"408", &StatusError{Code: 408}, ClassTransient},
		{"404", &StatusError{Code: 404}, ClassTerminal},
		{"400", &StatusError{Code: 400}, ClassTerminal},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, ClassTransient},
		{"net error", timeoutErr{}, ClassTransient},
		{"unexpected eof", io.ErrUnexpectedEOF, ClassTransient},
		{"marked transient", Transient(errors.New("weird")), ClassTransient},
		{"marked terminal over 503", Terminal(&StatusError{Code: 503}), ClassTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMarkedUnwraps(t *testing.T) {
	base := errors.New("base")
	if !errors.Is(Transient(base), base) {
		t.Error("Transient does not unwrap")
	}
	if Transient(nil) != nil || Terminal(nil) != nil {
		t.Error("marking nil should stay nil")
	}
}

func TestCheckResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ok")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if err := CheckResponse("svc", resp); err != nil {
		t.Errorf("CheckResponse(204) = %v", err)
	}

	resp, err = http.Get(srv.URL + "/no")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	err = CheckResponse("svc", resp)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("CheckResponse(403) = %v, want *StatusError", err)
	}
	if se.Code != 403 || se.Body != "nope\n" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.Delay(i); got != w*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w*time.Millisecond)
		}
	}
	if got := b.Delay(200); got != time.Second {
		t.Errorf("Delay(200) = %v, want cap", got)
	}

	j := Backoff{Base: 10 * time.Millisecond, Jitter: 5 * time.Millisecond}
	for range 20 {
		d := j.Delay(0)
		if d < 10*time.Millisecond || d >= 15*time.Millisecond {
			t.Fatalf("jittered delay %v out of [10ms,15ms)", d)
		}
	}
}

func TestPolicyDo(t *testing.T) {
	fast := Backoff{Base: time.Millisecond, Max: time.Millisecond}

	t.Run("succeeds after transient", func(t *testing.T) {
		calls := 0
		var retries []int
		p := Policy{Attempts: 3, Backoff: fast, OnRetry: func(a int, _ error, _ time.Duration) { retries = append(retries, a) }}
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return &StatusError{Code: 502}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Do = %v", err)
		}
		if calls != 3 || len(retries) != 2 {
			t.Errorf("calls = %d, retries = %v", calls, retries)
		}
	})

	t.Run("terminal stops", func(t *testing.T) {
		calls := 0
		err := Policy{Attempts: 5, Backoff: fast}.Do(context.Background(), func(context.Context) error {
			calls++
			return &StatusError{Code: 400}
		})
		if calls != 1 || err == nil {
			t.Errorf("calls = %d, err = %v", calls, err)
		}
	})

	t.Run("exhausted returns last", func(t *testing.T) {
		calls := 0
		err := Policy{Attempts: 2, Backoff: fast, Retryable: func(error) bool { return true }}.Do(context.Background(), func(context.Context) error {
			calls++
			return fmt.Errorf("try %d", calls)
		})
		if calls != 2 || err == nil || err.Error() != "try 2" {
			t.Errorf("calls = %d, err = %v", calls, err)
		}
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := Policy{Attempts: 3, Backoff: Backoff{Base: time.Hour}}
		err := p.Do(ctx, func(context.Context) error {
			cancel()
			return &StatusError{Code: 500}
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do = %v, want context.Canceled", err)
		}
	})
}
