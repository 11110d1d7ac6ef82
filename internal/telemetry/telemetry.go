// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and holds the bot's counters.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/stellarlinkco/salesboard"

// Shutdown flushes and stops the exporters.
type Shutdown func(ctx context.Context) error

// Init configures the global tracer and meter providers. An empty endpoint
// leaves the no-op providers in place.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}

// Tracer returns the global tracer for a component.
func Tracer(component string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(scope + "/" + component)
}

// Metrics are the bot's counters. The zero value is not usable; use
// NewMetrics.
type Metrics struct {
	parsed metric.Int64Counter
	amount metric.Float64Counter
	resets metric.Int64Counter
	syncs  metric.Int64Counter
}

// NewMetrics creates counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.GetMeterProvider().Meter(scope))
}

func NewMetricsFrom(m metric.Meter) (*Metrics, error) {
	var (
		out Metrics
		err error
	)
	if out.parsed, err = m.Int64Counter("salesboard.sales.parsed",
		metric.WithDescription("Sale entries recorded from chat messages")); err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	if out.amount, err = m.Float64Counter("salesboard.sales.amount",
		metric.WithDescription("Annual premium recorded"), metric.WithUnit("USD")); err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	if out.resets, err = m.Int64Counter("salesboard.resets",
		metric.WithDescription("Period resets performed")); err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	if out.syncs, err = m.Int64Counter("salesboard.mirror.syncs",
		metric.WithDescription("Remote mirror sync attempts")); err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	return &out, nil
}

// SalesRecorded counts n entries totalling amount.
func (m *Metrics) SalesRecorded(ctx context.Context, n int, amount float64) {
	if m == nil || n == 0 {
		return
	}
	m.parsed.Add(ctx, int64(n))
	m.amount.Add(ctx, amount)
}

func (m *Metrics) Reset(ctx context.Context, period string) {
	if m == nil {
		return
	}
	m.resets.Add(ctx, 1, metric.WithAttributes(attribute.String("period", period)))
}

func (m *Metrics) MirrorSync(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	m.syncs.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}
