package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Class is the retry classification of a processing error.
type Class int

const (
	ClassTerminal Class = iota
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "terminal"
}

// StatusError is returned by HTTP collaborators for non-2xx responses.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.Code, e.Body)
}

// Temporary reports whether the provider is expected to recover: 408, 429
// and 5xx.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests ||
		e.Code >= 500
}

const maxBodySnippet = 512

// CheckResponse returns nil for 2xx responses and a *StatusError otherwise.
// The body is drained but not closed.
func CheckResponse(service string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySnippet))
	return &StatusError{Service: service, Code: resp.StatusCode, Body: string(body)}
}

type classified struct {
	err   error
	class Class
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as retryable regardless of its shape.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassTransient}
}

// Terminal marks err as not retryable regardless of its shape.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassTerminal}
}

// Classify decides whether err is worth retrying. Explicit marks win, then
// timeouts, provider status codes and network failures. Anything else is
// terminal.
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}

	var c *classified
	if errors.As(err, &c) {
		return c.class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var se *StatusError
	if errors.As(err, &se) {
		if se.Temporary() {
			return ClassTransient
		}
		return ClassTerminal
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return ClassTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return ClassTransient
	}

	return ClassTerminal
}

// IsTransient is shorthand for Classify(err) == ClassTransient.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
