package job

import "context"

// MetricsRecorder receives job lifecycle measurements.
// *observability.Metrics implements it.
type MetricsRecorder interface {
	RecordJobSubmitted(ctx context.Context, outcome string)
	RecordJobStarted(ctx context.Context, waitSeconds float64)
	RecordJobProgress(ctx context.Context)
	RecordJobCompleted(ctx context.Context, success bool, durationSeconds float64)
	RecordJobsEvicted(ctx context.Context, status string, count int)
	RecordQueueDepth(ctx context.Context, depth int64)
}

// Submission outcomes reported to RecordJobSubmitted.
const (
	outcomeQueued   = "queued"
	outcomeExisting = "existing"
	outcomeRequeued = "requeued"
)

type nopMetrics struct{}

func (nopMetrics) RecordJobSubmitted(context.Context, string)        {}
func (nopMetrics) RecordJobStarted(context.Context, float64)         {}
func (nopMetrics) RecordJobProgress(context.Context)                 {}
func (nopMetrics) RecordJobCompleted(context.Context, bool, float64) {}
func (nopMetrics) RecordJobsEvicted(context.Context, string, int)    {}
func (nopMetrics) RecordQueueDepth(context.Context, int64)           {}
