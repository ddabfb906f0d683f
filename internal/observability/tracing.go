package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps an OpenTelemetry tracer with job-specific span helpers.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer using tp.
func NewTracer(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

// NewNoopTracer creates a tracer that does nothing.
func NewNoopTracer() *Tracer {
	return &Tracer{tracer: tracenoop.NewTracerProvider().Tracer("")}
}

// StartJob starts the span covering one job attempt.
func (t *Tracer) StartJob(ctx context.Context, id, kind string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "raven.job", trace.WithAttributes(
		JobIDAttr(id),
		JobKindAttr(kind),
		AttemptAttr(attempt),
	))
}

// StartSpan starts a child span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks span as failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddPhase adds a progress event to the span in ctx.
func AddPhase(ctx context.Context, phase string) {
	trace.SpanFromContext(ctx).AddEvent("phase", trace.WithAttributes(PhaseAttr(phase)))
}
