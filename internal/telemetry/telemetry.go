// Package telemetry provides OpenTelemetry instrumentation for varmuus scans.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/varmuus/internal/config"
	"github.com/yairfalse/varmuus/internal/scanerr"
)

const instrumentationName = "github.com/yairfalse/varmuus"

// Provider wraps OTEL tracer and meter providers and records one span plus
// three metrics per scan unit.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	unitDuration  metric.Float64Histogram
	resourceCount metric.Int64Counter
	unitFailures  metric.Int64Counter

	now func() time.Time
}

// Option customizes a Provider.
type Option func(*options)

type options struct {
	readers    []sdkmetric.Reader
	processors []sdktrace.SpanProcessor
}

// WithMetricReader attaches an extra metric reader, e.g. a manual reader in
// tests or a Prometheus exporter.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.readers = append(o.readers, r) }
}

// WithSpanProcessor attaches an extra span processor.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processors = append(o.processors, sp) }
}

// NewProvider creates a new telemetry provider. Exporters are only created
// when an endpoint is configured and the signal is enabled; otherwise the
// providers record in-process only.
func NewProvider(ctx context.Context, cfg config.OTELConfig, opts ...Option) (*Provider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{now: time.Now}

	if err := p.setupTracing(ctx, cfg, res, o.processors); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res, o.readers); err != nil {
		_ = p.tracerProvider.Shutdown(ctx)
		return nil, err
	}

	if err := p.initMetrics(); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource, processors []sdktrace.SpanProcessor) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate))
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sampler))
	}
	for _, sp := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(sp))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer(instrumentationName)

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource, readers []sdkmetric.Reader) error {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(instrumentationName)

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func (p *Provider) initMetrics() error {
	var err error

	p.unitDuration, err = p.meter.Float64Histogram(
		"varmuus_unit_duration_seconds",
		metric.WithDescription("Duration of one (region, service) scan unit"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create unit_duration: %w", err)
	}

	p.resourceCount, err = p.meter.Int64Counter(
		"varmuus_resources_scanned_total",
		metric.WithDescription("Resources listed by succeeded scan units"),
	)
	if err != nil {
		return fmt.Errorf("create resources_scanned: %w", err)
	}

	p.unitFailures, err = p.meter.Int64Counter(
		"varmuus_unit_failures_total",
		metric.WithDescription("Scan units that ended failed, by category"),
	)
	if err != nil {
		return fmt.Errorf("create unit_failures: %w", err)
	}

	return nil
}

// StartSpan starts a new span.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartUnit opens the span for one scan unit. The returned function ends the
// span and records the unit's duration, resource count and failure category.
// An empty failure means the unit succeeded.
func (p *Provider) StartUnit(ctx context.Context, service, region string) (context.Context, func(resources int, failure scanerr.Kind)) {
	unitAttrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("region", region),
	}
	ctx, span := p.StartSpan(ctx, "scan.unit", unitAttrs...)
	start := p.now()

	return ctx, func(resources int, failure scanerr.Kind) {
		defer span.End()

		elapsed := p.now().Sub(start)
		p.unitDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(unitAttrs...))

		if failure == "" {
			span.SetAttributes(attribute.Int("resources", resources))
			span.SetStatus(codes.Ok, "")
			p.resourceCount.Add(ctx, int64(resources), metric.WithAttributes(unitAttrs...))
			return
		}

		span.SetAttributes(attribute.String("failure", string(failure)))
		if !failure.Benign() {
			span.RecordError(fmt.Errorf("unit %s/%s failed: %s", service, region, failure))
			span.SetStatus(codes.Error, string(failure))
		}
		p.unitFailures.Add(ctx, 1, metric.WithAttributes(
			append(unitAttrs, attribute.String("category", string(failure)))...,
		))
	}
}

// Shutdown flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter: %w", err)
		}
	}
	return nil
}
