// Package observability provides application metrics with a Prometheus
// exporter.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics: HTTP RED metrics for the API
// facade, lifecycle counters for the state machine, and saturation signals
// for the dispatcher and reconciler.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Lifecycle metrics
	JobsCreated       metric.Int64Counter
	JobTransitions    metric.Int64Counter
	ProvisionDuration metric.Float64Histogram

	// Reconciler metrics
	ReconcileDuration metric.Float64Histogram
	ReconcileRecords  metric.Int64Gauge

	// Dispatcher metrics
	DispatcherQueueDepth metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
// The returned handler serves the scrape endpoint.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("taskrunner")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsCreated, err = meter.Int64Counter(
		"batch_jobs_created_total",
		metric.WithDescription("Total number of batch job records created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobTransitions, err = meter.Int64Counter(
		"batch_job_transitions_total",
		metric.WithDescription("Total number of status transitions, by target status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProvisionDuration, err = meter.Float64Histogram(
		"batch_job_provision_duration_seconds",
		metric.WithDescription("Time to stage secret, claims, input and Job for one record"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ReconcileDuration, err = meter.Float64Histogram(
		"reconcile_tick_duration_seconds",
		metric.WithDescription("Duration of one reconciler synchronization pass"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ReconcileRecords, err = meter.Int64Gauge(
		"reconcile_records",
		metric.WithDescription("Non-terminal records examined by the last tick"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueDepth, err = meter.Int64Gauge(
		"dispatcher_queue_depth",
		metric.WithDescription("Provisioning tasks waiting in the dispatcher queue"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records latency, traffic and error metrics for one
// request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, durationSeconds float64) {
	attrs := httpAttributes(method, path, status)
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	if status >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated counts an accepted create request.
func (m *Metrics) RecordJobCreated(ctx context.Context) {
	m.JobsCreated.Add(ctx, 1)
}

// RecordTransition counts a status transition by target status.
func (m *Metrics) RecordTransition(ctx context.Context, to string) {
	m.JobTransitions.Add(ctx, 1, statusAttribute(to))
}

// RecordProvisioned records a completed provisioning run.
func (m *Metrics) RecordProvisioned(ctx context.Context, durationSeconds float64) {
	m.ProvisionDuration.Record(ctx, durationSeconds)
}

// RecordReconcileTick records one synchronization pass.
func (m *Metrics) RecordReconcileTick(ctx context.Context, durationSeconds float64, records int) {
	m.ReconcileDuration.Record(ctx, durationSeconds)
	m.ReconcileRecords.Record(ctx, int64(records))
}

// RecordDispatcherQueueDepth reports the current queue backlog.
func (m *Metrics) RecordDispatcherQueueDepth(ctx context.Context, depth int64) {
	m.DispatcherQueueDepth.Record(ctx, depth)
}
