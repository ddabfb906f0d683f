package worker

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/observability"
	"github.com/kalambet/raven/internal/queue"
	"github.com/kalambet/raven/internal/retry"
)

func TestPool_RecordsOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	obs := observability.New(observability.WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))

	st := newRecordingStore()
	q := queue.New()
	pipe := PipelineFunc(func(ctx context.Context, rec *jobs.Record, r Reporter) ([]jobs.ResultRef, error) {
		if rec.JobID == "job-bad" {
			return nil, &retry.StatusError{Service: "filings", Code: 404}
		}
		return nil, nil
	})
	opts := testOptions(2, 3)
	opts.Observability = obs
	p := New(st, q, pipe, opts)

	for _, id := range []string{"job-1", "job-2", "job-bad"} {
		submit(t, st, q, id)
	}
	stop := startPool(t, p)
	waitFor(t, "jobs finished", func() bool {
		return statusOf(st, "job-1") == jobs.StatusCompleted &&
			statusOf(st, "job-2") == jobs.StatusCompleted &&
			statusOf(st, "job-bad") == jobs.StatusFailed
	})
	stop()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	outcomes := make(map[string]int64)
	var active int64 = -1
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "raven.job.outcomes":
				for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
					v, _ := dp.Attributes.Value(attribute.Key(observability.AttrOutcome))
					outcomes[v.AsString()] += dp.Value
				}
			case "raven.jobs.active":
				active = 0
				for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
					active += dp.Value
				}
			}
		}
	}
	if outcomes["completed"] != 2 || outcomes["failed"] != 1 {
		t.Errorf("outcomes = %v, want completed=2 failed=1", outcomes)
	}
	if active != 0 {
		t.Errorf("raven.jobs.active = %d after stop, want 0", active)
	}
}
