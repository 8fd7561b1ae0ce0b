package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder is what the gate components report into.
type Recorder interface {
	RecordDecision(ctx context.Context, outcome, window string)
	RecordStoreError(ctx context.Context, component, policy string)
	RecordChallenge(ctx context.Context, outcome string)
	RecordConfigReload(ctx context.Context, ok bool)
	RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration)
}

// Metrics records into otel instruments exported in Prometheus format.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	decisions    metric.Int64Counter
	storeErrors  metric.Int64Counter
	challenges   metric.Int64Counter
	reloads      metric.Int64Counter
	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on a private registry so several
// instances (tests, embedded servers) never collide.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(DefaultServiceName)

	m := &Metrics{
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	if m.decisions, err = meter.Int64Counter(
		"chatgate_ratelimit_decisions_total",
		metric.WithDescription("Rate limit decisions by outcome and deciding window"),
	); err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	if m.storeErrors, err = meter.Int64Counter(
		"chatgate_store_errors_total",
		metric.WithDescription("Store failures absorbed by a failure policy"),
	); err != nil {
		return nil, fmt.Errorf("failed to create store errors counter: %w", err)
	}

	if m.challenges, err = meter.Int64Counter(
		"chatgate_verification_challenges_total",
		metric.WithDescription("Verification challenges by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create challenges counter: %w", err)
	}

	if m.reloads, err = meter.Int64Counter(
		"chatgate_config_reloads_total",
		metric.WithDescription("Gate configuration reload attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create reloads counter: %w", err)
	}

	if m.httpRequests, err = meter.Int64Counter(
		"chatgate_http_requests_total",
		metric.WithDescription("HTTP requests served"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	if m.httpDuration, err = meter.Float64Histogram(
		"chatgate_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordDecision(ctx context.Context, outcome, window string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrOutcome, outcome),
		attribute.String("window", window),
	))
}

func (m *Metrics) RecordStoreError(ctx context.Context, component, policy string) {
	if m == nil {
		return
	}
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("policy", policy),
	))
}

func (m *Metrics) RecordChallenge(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.challenges.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
}

func (m *Metrics) RecordConfigReload(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.reloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(statusCode)),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
}

// Handler serves the Prometheus exposition.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
