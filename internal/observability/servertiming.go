package observability

import (
	"context"
	"net/http"

	servertiming "github.com/mitchellh/go-server-timing"
)

// ServerTimingMetric wraps the server-timing library's Metric type.
type ServerTimingMetric struct {
	metric *servertiming.Metric
}

// Stop stops the timing metric.
func (m *ServerTimingMetric) Stop() {
	if m != nil && m.metric != nil {
		m.metric.Stop()
	}
}

// StartServerTiming starts a metric named name. Without timing information
// in ctx it returns a no-op metric.
func StartServerTiming(ctx context.Context, name, desc string) *ServerTimingMetric {
	timing := servertiming.FromContext(ctx)
	if timing == nil {
		return &ServerTimingMetric{}
	}
	m := timing.NewMetric(name)
	if desc != "" {
		m = m.WithDesc(desc)
	}
	return &ServerTimingMetric{metric: m.Start()}
}

// ServerTimingMiddleware adds the Server-Timing response header.
func ServerTimingMiddleware(next http.Handler) http.Handler {
	return servertiming.Middleware(next, nil)
}
