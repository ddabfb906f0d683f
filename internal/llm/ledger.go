package llm

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Price is USD per thousand tokens.
type Price struct {
	In  decimal.Decimal
	Out decimal.Decimal
}

// Prices per model tag.
var Prices = map[string]Price{
	"nano":  {In: decimal.RequireFromString("0.0001"), Out: decimal.RequireFromString("0.0004")},
	"turbo": {In: decimal.RequireFromString("0.002"), Out: decimal.RequireFromString("0.008")},
}

var thousand = decimal.NewFromInt(1000)

// PriceTag maps a model name to its price tag.
func PriceTag(model string) string {
	if strings.Contains(strings.ToLower(model), "nano") {
		return "nano"
	}
	return "turbo"
}

// Usage is the token spend of one call, or a sum of calls.
type Usage struct {
	Tag              string        `json:"tag"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Duration         time.Duration `json:"duration"`
}

// Cost prices u by its tag. Unknown tags cost nothing.
func (u Usage) Cost() decimal.Decimal {
	p, ok := Prices[u.Tag]
	if !ok {
		return decimal.Zero
	}
	in := decimal.NewFromInt(int64(u.PromptTokens)).Div(thousand).Mul(p.In)
	out := decimal.NewFromInt(int64(u.CompletionTokens)).Div(thousand).Mul(p.Out)
	return in.Add(out)
}

// Ledger accumulates usage per tag. Safe for concurrent use.
type Ledger struct {
	mu    sync.Mutex
	byTag map[string]Usage
}

func NewLedger() *Ledger {
	return &Ledger{byTag: make(map[string]Usage)}
}

// Add records one call.
func (l *Ledger) Add(u Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.byTag[u.Tag]
	t.Tag = u.Tag
	t.PromptTokens += u.PromptTokens
	t.CompletionTokens += u.CompletionTokens
	t.Duration += u.Duration
	l.byTag[u.Tag] = t
}

// Totals returns the accumulated usage per tag.
func (l *Ledger) Totals() map[string]Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Usage, len(l.byTag))
	for k, v := range l.byTag {
		out[k] = v
	}
	return out
}

// Cost is the total USD spend across tags.
func (l *Ledger) Cost() decimal.Decimal {
	total := decimal.Zero
	for _, u := range l.Totals() {
		total = total.Add(u.Cost())
	}
	return total
}
