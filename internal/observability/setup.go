package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names accepted by Setup.
const (
	ExporterGlobal = ""
	ExporterStdout = "stdout"
)

// SetupConfig selects how telemetry leaves the process.
type SetupConfig struct {
	// Exporter is ExporterGlobal to use whatever providers the process
	// registered with otel, or ExporterStdout to install SDK providers that
	// print spans and metrics.
	Exporter       string
	ServiceName    string
	ServiceVersion string
	// MetricInterval is the stdout metric export period, default 1m.
	MetricInterval time.Duration
	// Writer receives stdout exporter output, default os.Stderr. Stdout is
	// reserved for the MCP stdio transport.
	Writer io.Writer
}

// ShutdownFunc flushes and stops providers installed by Setup.
type ShutdownFunc func(ctx context.Context) error

// Setup builds a Provider for cfg. The returned shutdown must be called
// before exit.
func Setup(cfg SetupConfig) (*Provider, ShutdownFunc, error) {
	switch cfg.Exporter {
	case ExporterGlobal:
		p := New(
			WithTracerProvider(otel.GetTracerProvider()),
			WithMeterProvider(otel.GetMeterProvider()),
		)
		return p, func(context.Context) error { return nil }, nil

	case ExporterStdout:
		return setupStdout(cfg)
	}
	return nil, nil, fmt.Errorf("unknown telemetry exporter %q (want %q or %q)", cfg.Exporter, ExporterGlobal, ExporterStdout)
}

func setupStdout(cfg SetupConfig) (*Provider, ShutdownFunc, error) {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = time.Minute
	}
	name := cfg.ServiceName
	if name == "" {
		name = "raven"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	spanExp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, nil, fmt.Errorf("creating span exporter: %w", err)
	}
	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExp),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return New(WithTracerProvider(tp), WithMeterProvider(mp)), shutdown, nil
}
