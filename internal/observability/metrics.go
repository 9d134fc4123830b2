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

const meterName = "sdqueue"

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Queue depth and in-flight work
type Metrics struct {
	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobsSubmitted    metric.Int64Counter
	JobsCompleted    metric.Int64Counter
	JobDuration      metric.Float64Histogram
	JobWait          metric.Float64Histogram
	JobsProcessing   metric.Int64UpDownCounter
	JobProgressSteps metric.Int64Counter
	JobQueueDepth    metric.Int64Gauge
	JobsEvicted      metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter and
// installs the provider as the global meter provider.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := NewMetricsWithMeter(provider.Meter(meterName))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// NewMetricsWithMeter creates all instruments on the given meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	// Job metrics
	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total submissions by outcome (queued, existing, requeued)"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Total jobs finalized, by success"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Computation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	m.JobWait, err = meter.Float64Histogram(
		"job_wait_seconds",
		metric.WithDescription("Time a job spent queued before processing started"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900),
	)
	if err != nil {
		return nil, err
	}

	m.JobsProcessing, err = meter.Int64UpDownCounter(
		"jobs_processing",
		metric.WithDescription("Number of jobs currently being computed (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	m.JobProgressSteps, err = meter.Int64Counter(
		"job_progress_steps_total",
		metric.WithDescription("Total intermediate steps reported by computations"),
	)
	if err != nil {
		return nil, err
	}

	m.JobQueueDepth, err = meter.Int64Gauge(
		"job_queue_depth",
		metric.WithDescription("Number of descriptors waiting in the work queue (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsEvicted, err = meter.Int64Counter(
		"jobs_evicted_total",
		metric.WithDescription("Total records removed by retention, by status"),
	)
	if err != nil {
		return nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"callback_delivery_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"callback_delivered_total",
		metric.WithDescription("Callbacks accepted by the receiver, by event type"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"callback_failed_total",
		metric.WithDescription("Callbacks that failed after retries, by event type"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"callback_dropped_total",
		metric.WithDescription("Callbacks never delivered, by event type and reason"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"callback_requeued_total",
		metric.WithDescription("Callbacks postponed because the receiver circuit was open"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"callback_queue_size",
		metric.WithDescription("Callbacks waiting in the dispatcher buffer"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a submission and what it resulted in.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, outcome string) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordJobStarted records a job leaving the queue.
func (m *Metrics) RecordJobStarted(ctx context.Context, waitSeconds float64) {
	m.JobWait.Record(ctx, waitSeconds)
	m.JobsProcessing.Add(ctx, 1)
}

// RecordJobProgress records one intermediate step.
func (m *Metrics) RecordJobProgress(ctx context.Context) {
	m.JobProgressSteps.Add(ctx, 1)
}

// RecordJobCompleted records a job finalizing (success or failure).
func (m *Metrics) RecordJobCompleted(ctx context.Context, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsCompleted.Add(ctx, 1, attrs)
	m.JobsProcessing.Add(ctx, -1)
}

// RecordJobsEvicted records records removed by retention.
func (m *Metrics) RecordJobsEvicted(ctx context.Context, status string, count int) {
	if count <= 0 {
		return
	}
	m.JobsEvicted.Add(ctx, int64(count), metric.WithAttributes(jobStatusAttr(status)))
}

// RecordQueueDepth records the current work queue length.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.JobQueueDepth.Record(ctx, depth)
}

// RecordDispatcherDelivered records an accepted callback and its latency.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, eventType string, durationSeconds float64) {
	attrs := metric.WithAttributes(eventTypeAttr(eventType))
	m.DispatcherDelivered.Add(ctx, 1, attrs)
	m.DispatcherDuration.Record(ctx, durationSeconds, attrs)
}

// RecordDispatcherFailed records a callback that exhausted its attempts.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context, eventType string) {
	m.DispatcherFailed.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType)))
}

// RecordDispatcherDropped records a callback given up without delivery.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context, eventType, reason string) {
	m.DispatcherDropped.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType), reasonAttr(reason)))
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
