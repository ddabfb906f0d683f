package jobs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidRequest wraps every intake validation failure.
var ErrInvalidRequest = errors.New("invalid request")

type Kind string

const (
	KindFiling   Kind = "filing"
	KindResearch Kind = "research"
)

// Request is the immutable job input.
type Request struct {
	Kind              Kind   `json:"kind"`
	Ticker            string `json:"ticker,omitempty"`
	Year              int    `json:"year,omitempty"`
	Quarter           int    `json:"quarter,omitempty"`
	IncludeTranscript bool   `json:"include_transcript,omitempty"`
	Query             string `json:"query,omitempty"`
	FlowID            string `json:"flow_id,omitempty"`
	Origin            string `json:"origin,omitempty"`
}

var tickerRe = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

const maxQueryLen = 8000

// Normalize upper-cases the ticker and trims free text.
func (r Request) Normalize() Request {
	r.Ticker = strings.ToUpper(strings.TrimSpace(r.Ticker))
	r.Query = strings.TrimSpace(r.Query)
	r.FlowID = strings.TrimSpace(r.FlowID)
	return r
}

// Validate checks the request shape for its kind.
func (r Request) Validate() error {
	switch r.Kind {
	case KindFiling:
		if !tickerRe.MatchString(r.Ticker) {
			return fmt.Errorf("%w: ticker %q", ErrInvalidRequest, r.Ticker)
		}
		if r.Year < 1993 || r.Year > 2100 {
			return fmt.Errorf("%w: year %d out of range", ErrInvalidRequest, r.Year)
		}
		if r.Quarter < 1 || r.Quarter > 4 {
			return fmt.Errorf("%w: quarter %d must be 1-4", ErrInvalidRequest, r.Quarter)
		}
	case KindResearch:
		if r.Query == "" {
			return fmt.Errorf("%w: query is required", ErrInvalidRequest)
		}
		if len(r.Query) > maxQueryLen {
			return fmt.Errorf("%w: query longer than %d bytes", ErrInvalidRequest, maxQueryLen)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
	return nil
}

// titleQueryRunes bounds the query shown in a research title.
const titleQueryRunes = 48

// Title is a short human label, e.g. "AAPL 2024 Q3".
func (r Request) Title() string {
	switch r.Kind {
	case KindFiling:
		return fmt.Sprintf("%s %d Q%d", r.Ticker, r.Year, r.Quarter)
	case KindResearch:
		q := []rune(r.Query)
		if len(q) > titleQueryRunes {
			return "research: " + string(q[:titleQueryRunes]) + "..."
		}
		return "research: " + r.Query
	}
	return string(r.Kind)
}

// ExpandQuarters returns one filing request per quarter when Quarter is
// unset, otherwise the request itself.
func (r Request) ExpandQuarters() []Request {
	if r.Kind != KindFiling || r.Quarter != 0 {
		return []Request{r}
	}
	out := make([]Request, 0, 4)
	for q := 1; q <= 4; q++ {
		c := r
		c.Quarter = q
		out = append(out, c)
	}
	return out
}
