package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the job-processing instruments.
type Metrics struct {
	jobOutcomes    metric.Int64Counter
	jobDuration    metric.Float64Histogram
	phaseDuration  metric.Float64Histogram
	activeJobs     metric.Int64UpDownCounter
	limiterWait    metric.Float64Histogram
	persistRetries metric.Int64Counter
	intake         metric.Int64Counter
}

// NewMetrics creates the instruments on mp. Instrument creation errors only
// happen with invalid parameters; the bare instrument is used instead.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	return newMetrics(mp.Meter(MeterName))
}

// NewNoopMetrics creates metrics that do nothing.
func NewNoopMetrics() *Metrics {
	return newMetrics(noop.NewMeterProvider().Meter(""))
}

func newMetrics(meter metric.Meter) *Metrics {
	m := &Metrics{}
	var err error

	m.jobOutcomes, err = meter.Int64Counter(
		"raven.job.outcomes",
		metric.WithDescription("Jobs finished per outcome (completed, failed, retried)"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.jobOutcomes, _ = meter.Int64Counter("raven.job.outcomes")
	}

	m.jobDuration, err = meter.Float64Histogram(
		"raven.job.duration",
		metric.WithDescription("Wall time of one job attempt in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.jobDuration, _ = meter.Float64Histogram("raven.job.duration")
	}

	m.phaseDuration, err = meter.Float64Histogram(
		"raven.job.phase.duration",
		metric.WithDescription("Time between consecutive progress phases in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.phaseDuration, _ = meter.Float64Histogram("raven.job.phase.duration")
	}

	m.activeJobs, err = meter.Int64UpDownCounter(
		"raven.jobs.active",
		metric.WithDescription("Jobs currently held by a worker"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.activeJobs, _ = meter.Int64UpDownCounter("raven.jobs.active")
	}

	m.limiterWait, err = meter.Float64Histogram(
		"raven.limiter.wait",
		metric.WithDescription("Time spent blocked in a rate limiter in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.limiterWait, _ = meter.Float64Histogram("raven.limiter.wait")
	}

	m.persistRetries, err = meter.Int64Counter(
		"raven.store.persist_retries",
		metric.WithDescription("Retried job record writes"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		m.persistRetries, _ = meter.Int64Counter("raven.store.persist_retries")
	}

	m.intake, err = meter.Int64Counter(
		"raven.intake.requests",
		metric.WithDescription("Job submissions by outcome (accepted, rejected)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.intake, _ = meter.Int64Counter("raven.intake.requests")
	}

	return m
}

// RecordOutcome records a finished job attempt.
func (m *Metrics) RecordOutcome(ctx context.Context, kind, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(JobKindAttr(kind), OutcomeAttr(outcome))
	m.jobOutcomes.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordPhase records the time a phase took.
func (m *Metrics) RecordPhase(ctx context.Context, kind, phase string, duration time.Duration) {
	m.phaseDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(JobKindAttr(kind), PhaseAttr(phase)))
}

// JobStarted increments the active gauge.
func (m *Metrics) JobStarted(ctx context.Context) { m.activeJobs.Add(ctx, 1) }

// JobFinished decrements the active gauge.
func (m *Metrics) JobFinished(ctx context.Context) { m.activeJobs.Add(ctx, -1) }

// RecordLimiterWait records a rate limiter wait. Matches ratelimit.WaitFunc.
func (m *Metrics) RecordLimiterWait(ctx context.Context, name string, waited time.Duration, _ error) {
	m.limiterWait.Record(ctx, float64(waited.Milliseconds()), metric.WithAttributes(LimiterAttr(name)))
}

// RecordPersistRetry counts a retried record write.
func (m *Metrics) RecordPersistRetry(ctx context.Context) { m.persistRetries.Add(ctx, 1) }

// RecordIntake counts a submission.
func (m *Metrics) RecordIntake(ctx context.Context, kind, outcome string) {
	m.intake.Add(ctx, 1, metric.WithAttributes(JobKindAttr(kind), OutcomeAttr(outcome)))
}
