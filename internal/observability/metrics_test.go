package observability

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsWithMeter(mp.Meter("test"))
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	return m, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumInt64(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("%s metric not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64], got %T", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetrics(t *testing.T) {
	metrics, handler, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}
	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, reader := setupTestMetrics(t)

	m.RecordHTTPRequest(ctx, "GET", "/health", 200, 0.001)
	m.RecordHTTPRequest(ctx, "POST", "/api/request", 200, 0.050)
	m.RecordHTTPRequest(ctx, "GET", "/api/status/abc123", 404, 0.005)
	m.RecordHTTPRequest(ctx, "POST", "/api/request", 500, 0.001)

	rm := collectMetrics(t, reader)
	if got := sumInt64(t, rm, "http_requests_total"); got != 4 {
		t.Errorf("http_requests_total = %d, want 4", got)
	}
	if got := sumInt64(t, rm, "http_errors_total"); got != 2 {
		t.Errorf("http_errors_total = %d, want 2", got)
	}
}

func TestRecordJobLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, reader := setupTestMetrics(t)

	m.RecordJobSubmitted(ctx, "queued")
	m.RecordJobSubmitted(ctx, "existing")
	m.RecordJobStarted(ctx, 0.2)
	m.RecordJobProgress(ctx)
	m.RecordJobProgress(ctx)
	m.RecordJobCompleted(ctx, true, 1.5)
	m.RecordJobStarted(ctx, 0.1)
	m.RecordJobCompleted(ctx, false, 0.3)
	m.RecordJobsEvicted(ctx, "done", 3)
	m.RecordJobsEvicted(ctx, "done", 0)
	m.RecordQueueDepth(ctx, 7)

	rm := collectMetrics(t, reader)

	tests := map[string]int64{
		"jobs_submitted_total":     2,
		"jobs_completed_total":     2,
		"job_progress_steps_total": 2,
		"jobs_evicted_total":       3,
		"jobs_processing":          0,
	}
	for name, want := range tests {
		if got := sumInt64(t, rm, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}

	hist, ok := findMetric(rm, "job_duration_seconds").Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] for job_duration_seconds")
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("job_duration_seconds count = %d, want 2", count)
	}

	gauge, ok := findMetric(rm, "job_queue_depth").Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 7 {
		t.Errorf("unexpected job_queue_depth data: %+v", findMetric(rm, "job_queue_depth").Data)
	}
}

func TestRecordDispatcherMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, reader := setupTestMetrics(t)

	m.RecordDispatcherDelivered(ctx, "sdqueue.job.done", 0.05)
	m.RecordDispatcherFailed(ctx, "sdqueue.job.error")
	m.RecordDispatcherDropped(ctx, "sdqueue.job.progress", "shed")
	m.RecordDispatcherDropped(ctx, "sdqueue.job.progress", "circuit_open")
	m.RecordDispatcherRequeued(ctx)
	m.RecordDispatcherQueueSize(ctx, 3)

	rm := collectMetrics(t, reader)
	for name, want := range map[string]int64{
		"callback_delivered_total": 1,
		"callback_failed_total":    1,
		"callback_dropped_total":   2,
		"callback_requeued_total":  1,
	} {
		if got := sumInt64(t, rm, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}

	dropped := findMetric(rm, "callback_dropped_total").Data.(metricdata.Sum[int64])
	reasons := map[string]bool{}
	for _, dp := range dropped.DataPoints {
		if v, ok := dp.Attributes.Value(attrEventType); !ok || v.AsString() != "sdqueue.job.progress" {
			t.Errorf("dropped data point without progress event type: %v", dp.Attributes)
		}
		if v, ok := dp.Attributes.Value(attrReason); ok {
			reasons[v.AsString()] = true
		}
	}
	if !reasons["shed"] || !reasons["circuit_open"] {
		t.Errorf("expected shed and circuit_open reasons, got %v", reasons)
	}

	gauge, ok := findMetric(rm, "callback_queue_size").Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 3 {
		t.Errorf("unexpected callback_queue_size data: %+v", findMetric(rm, "callback_queue_size").Data)
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/health", "/health"},
		{"/api/request", "/api/request"},
		{"/api/status/abc123", "/api/status/{transaction_key}"},
		{"/api/status/{transaction_key}", "/api/status/{transaction_key}"},
		{"/api/status/", "/api/status/"},
		{"/other/path", "/other/path"},
	}

	for _, tt := range tests {
		if result := normalizePath(tt.input); result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
