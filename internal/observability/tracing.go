package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "sdqueue"
	computeSpanName = "sdqueue.job.compute"
)

// Tracer wraps job computations in spans. With no TracerProvider configured
// globally the noop tracer is used.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer backed by tp, or by the global provider when tp
// is nil.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

// StartCompute opens the span covering one computation.
func (t *Tracer) StartCompute(ctx context.Context, key string, seed int64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, computeSpanName,
		trace.WithAttributes(
			attribute.String("sdqueue.job.key", key),
			attribute.Int64("sdqueue.job.seed", seed),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndCompute records the outcome on span and ends it.
func EndCompute(span trace.Span, steps int, err error) {
	span.SetAttributes(attribute.Int("sdqueue.job.steps", steps))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
