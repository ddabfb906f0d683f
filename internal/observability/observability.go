// Package observability provides OpenTelemetry instrumentation for job
// processing. Without configured providers every instrument is a no-op.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation identity.
const (
	TracerName = "github.com/kalambet/raven"
	MeterName  = "github.com/kalambet/raven"
)

// Attribute keys.
const (
	AttrJobID   = "raven.job.id"
	AttrJobKind = "raven.job.kind"
	AttrAttempt = "raven.job.attempt"
	AttrOutcome = "raven.job.outcome"
	AttrPhase   = "raven.job.phase"
	AttrLimiter = "raven.limiter"
)

func JobIDAttr(id string) attribute.KeyValue     { return attribute.String(AttrJobID, id) }
func JobKindAttr(kind string) attribute.KeyValue { return attribute.String(AttrJobKind, kind) }
func AttemptAttr(n int) attribute.KeyValue       { return attribute.Int(AttrAttempt, n) }
func OutcomeAttr(o string) attribute.KeyValue    { return attribute.String(AttrOutcome, o) }
func PhaseAttr(p string) attribute.KeyValue      { return attribute.String(AttrPhase, p) }
func LimiterAttr(n string) attribute.KeyValue    { return attribute.String(AttrLimiter, n) }

// Provider bundles the tracer and metrics used across the service.
type Provider struct {
	tracer  *Tracer
	metrics *Metrics
}

// Option configures a Provider.
type Option func(*providerConfig)

type providerConfig struct {
	tp trace.TracerProvider
	mp metric.MeterProvider
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *providerConfig) { c.tp = tp }
}

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *providerConfig) { c.mp = mp }
}

// New builds a Provider. Missing providers fall back to no-ops.
func New(opts ...Option) *Provider {
	var c providerConfig
	for _, o := range opts {
		o(&c)
	}
	p := &Provider{}
	if c.tp != nil {
		p.tracer = NewTracer(c.tp)
	} else {
		p.tracer = NewNoopTracer()
	}
	if c.mp != nil {
		p.metrics = NewMetrics(c.mp)
	} else {
		p.metrics = NewNoopMetrics()
	}
	return p
}

// Tracer returns the tracer, never nil.
func (p *Provider) Tracer() *Tracer {
	if p == nil || p.tracer == nil {
		return NewNoopTracer()
	}
	return p.tracer
}

// Metrics returns the metrics, never nil.
func (p *Provider) Metrics() *Metrics {
	if p == nil || p.metrics == nil {
		return NewNoopMetrics()
	}
	return p.metrics
}
