// Package otel implements metrics.Tracer and metrics.MetricRecorder over the
// OpenTelemetry SDK, the "metrics.backend: otel" configuration option.
// NewProvider builds the SDK trace/metric providers and their OTLP exporters
// (gRPC or HTTP, selected by configuration); components then depend only on
// the abstract metrics.Tracer/MetricRecorder interfaces the Tracer/Recorder
// types here satisfy.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/metrics"
)

// Provider owns the SDK trace and metric providers backing a Tracer and
// Recorder. Callers must call Shutdown on process exit to flush pending
// spans/metrics to the OTLP endpoint.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// NewProvider builds OTLP exporters (gRPC by default, HTTP when cfg.OTLPEndpoint
// is set) and wires them into fresh SDK trace/metric providers.
func NewProvider(ctx context.Context, cfg config.MetricsConfig) (*Provider, error) {
	traceExporter, err := newTraceExporter(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("otel: creating trace exporter: %w", err)
	}
	metricExporter, err := newMetricExporter(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("otel: creating metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second)),
	))

	return &Provider{tp: tp, mp: mp}, nil
}

func newTraceExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	if endpoint == "" {
		return otlptracegrpc.New(ctx)
	}
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint))
}

func newMetricExporter(ctx context.Context, endpoint string) (sdkmetric.Exporter, error) {
	if endpoint == "" {
		return otlpmetricgrpc.New(ctx)
	}
	return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
}

// Shutdown flushes and releases both SDK providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}

// Tracer builds a metrics.Tracer backed by the provider's TracerProvider.
func (p *Provider) Tracer() *Tracer {
	return &Tracer{tracer: p.tp.Tracer("migrator")}
}

// Recorder builds a metrics.MetricRecorder backed by the provider's MeterProvider.
func (p *Provider) Recorder() (*Recorder, error) {
	return newRecorder(p.mp.Meter("migrator"))
}

// Tracer implements metrics.Tracer over an OpenTelemetry trace.Tracer.
type Tracer struct {
	tracer trace.Tracer
}

func (t *Tracer) StartMigrationSpan(ctx context.Context, m *model.Migration) (context.Context, func()) {
	spanCtx, span := t.tracer.Start(ctx, "migration", trace.WithAttributes(
		attribute.String("migration.id", m.ID),
		attribute.String("migration.request_id", m.RequestID),
	))
	return spanCtx, func() { span.End() }
}

func (t *Tracer) StartStepSpan(ctx context.Context, stepID, shardID string) (context.Context, func()) {
	spanCtx, span := t.tracer.Start(ctx, "step", trace.WithAttributes(
		attribute.String("step.id", stepID),
		attribute.String("shard.id", shardID),
	))
	return spanCtx, func() { span.End() }
}

func (t *Tracer) RecordError(ctx context.Context, component string, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(attribute.String("component", component)))
}

func (t *Tracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	kvs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		kvs = append(kvs, attribute.String(k, fmt.Sprintf("%v", v)))
	}
	span.AddEvent(name, trace.WithAttributes(kvs...))
}

var _ metrics.Tracer = (*Tracer)(nil)
