package emitter

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/yairfalse/varmuus/pkg/report"
)

// PrometheusEmitter exposes the report summary as OTEL gauges, exported
// through a dedicated Prometheus registry and written to a node-exporter
// textfile.
type PrometheusEmitter struct {
	path     string
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	summary     metric.Int64ObservableGauge
	region      metric.Int64ObservableGauge
	findings    metric.Int64ObservableGauge
	failedUnits metric.Int64ObservableGauge
	lastRun     metric.Float64ObservableGauge
	runPartial  metric.Int64ObservableGauge

	// State for observable gauges
	mu     sync.RWMutex
	report *report.Report
}

// NewPrometheusEmitter creates an emitter writing the textfile at path.
func NewPrometheusEmitter(path string) (*PrometheusEmitter, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithoutTargetInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	e := &PrometheusEmitter{
		path:     path,
		registry: registry,
		provider: provider,
		meter:    provider.Meter("github.com/yairfalse/varmuus/emitter"),
	}

	if err := e.initMetrics(); err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	e.summary, err = e.meter.Int64ObservableGauge(
		"varmuus_summary",
		metric.WithDescription("Account-wide counters of the last scan"),
	)
	if err != nil {
		return fmt.Errorf("create summary gauge: %w", err)
	}

	e.region, err = e.meter.Int64ObservableGauge(
		"varmuus_region_summary",
		metric.WithDescription("Per-region counters of the last scan"),
	)
	if err != nil {
		return fmt.Errorf("create region_summary gauge: %w", err)
	}

	e.findings, err = e.meter.Int64ObservableGauge(
		"varmuus_findings",
		metric.WithDescription("Findings of the last scan by rule and severity"),
	)
	if err != nil {
		return fmt.Errorf("create findings gauge: %w", err)
	}

	e.failedUnits, err = e.meter.Int64ObservableGauge(
		"varmuus_failed_units",
		metric.WithDescription("Scan units that failed in the last scan by category"),
	)
	if err != nil {
		return fmt.Errorf("create failed_units gauge: %w", err)
	}

	e.lastRun, err = e.meter.Float64ObservableGauge(
		"varmuus_last_run_timestamp_seconds",
		metric.WithDescription("Generation time of the last report"),
	)
	if err != nil {
		return fmt.Errorf("create last_run gauge: %w", err)
	}

	e.runPartial, err = e.meter.Int64ObservableGauge(
		"varmuus_run_partial",
		metric.WithDescription("1 when the last scan had a non-benign unit failure"),
	)
	if err != nil {
		return fmt.Errorf("create run_partial gauge: %w", err)
	}

	_, err = e.meter.RegisterCallback(e.observe,
		e.summary, e.region, e.findings, e.failedUnits, e.lastRun, e.runPartial)
	if err != nil {
		return fmt.Errorf("register callback: %w", err)
	}

	return nil
}

// observe is the callback for all report gauges.
func (e *PrometheusEmitter) observe(_ context.Context, o metric.Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r := e.report
	if r == nil {
		return nil
	}

	for name, v := range r.Summary {
		o.ObserveInt64(e.summary, int64(v), metric.WithAttributes(attribute.String("counter", name)))
	}
	for region, counters := range r.RegionSummary {
		for name, v := range counters {
			o.ObserveInt64(e.region, int64(v), metric.WithAttributes(
				attribute.String("region", region),
				attribute.String("counter", name),
			))
		}
	}

	type findingKey struct{ rule, severity string }
	byRule := make(map[findingKey]int64)
	for _, f := range r.Findings {
		byRule[findingKey{f.Rule, string(f.Severity)}]++
	}
	for k, n := range byRule {
		o.ObserveInt64(e.findings, n, metric.WithAttributes(
			attribute.String("rule", k.rule),
			attribute.String("severity", k.severity),
		))
	}

	byCategory := make(map[string]int64)
	for _, f := range r.FailedUnits {
		byCategory[f.Category]++
	}
	for category, n := range byCategory {
		o.ObserveInt64(e.failedUnits, n, metric.WithAttributes(attribute.String("category", category)))
	}

	o.ObserveFloat64(e.lastRun, float64(r.GeneratedAt.UnixNano())/1e9)

	var partial int64
	if r.Partial() {
		partial = 1
	}
	o.ObserveInt64(e.runPartial, partial)

	return nil
}

// Emit records the report and rewrites the textfile.
func (e *PrometheusEmitter) Emit(_ context.Context, r *report.Report) error {
	e.mu.Lock()
	e.report = r
	e.mu.Unlock()

	if err := prometheus.WriteToTextfile(e.path, e.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", e.path, err)
	}

	log.Info().
		Str("path", e.path).
		Int("findings", len(r.Findings)).
		Msg("metrics textfile written")
	return nil
}

// Close shuts down the meter provider.
func (e *PrometheusEmitter) Close() error {
	if err := e.provider.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}
