package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sdqueue/internal/apperrors"
	"sdqueue/internal/compute"
	"sdqueue/internal/observability"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrWorkerNotRunning is reported by Ready before Start and after Stop.
var ErrWorkerNotRunning = errors.New("worker not running")

// errNoOutput marks a computation that returned neither a result nor an error.
var errNoOutput = errors.New("computation produced no output")

type workerState int32

const (
	workerIdle workerState = iota
	workerRunning
	workerStopped
)

// WorkerOptions holds the optional collaborators of a Worker.
type WorkerOptions struct {
	Retention *Retention            // default: NewRetention with defaults
	Notifier  *Notifier             // nil disables callbacks
	Metrics   MetricsRecorder       // nil disables metrics
	Tracer    *observability.Tracer // default: global tracer provider
}

// WorkerStats is a point-in-time summary of worker activity.
type WorkerStats struct {
	Running   bool   `json:"running"`
	Current   string `json:"current,omitempty"`
	Processed int64  `json:"processed"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
	Skipped   int64  `json:"skipped"`
}

// Worker drains the queue on a single goroutine and is the only writer of
// status, progress, result and error after a record is created.
type Worker struct {
	store       *Store
	queue       *Queue
	computation compute.Computation
	retention   *Retention
	notifier    *Notifier
	metrics     MetricsRecorder
	tracer      *observability.Tracer
	logger      *slog.Logger

	mu     sync.Mutex
	state  workerState
	cancel context.CancelFunc
	done   chan struct{}

	current   atomic.Value // string
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// NewWorker creates a worker. Panics inside c are recovered and recorded as
// job errors.
func NewWorker(store *Store, queue *Queue, c compute.Computation, opts WorkerOptions) *Worker {
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Retention == nil {
		opts.Retention = NewRetention(RetentionConfig{}, opts.Metrics)
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.NewTracer(nil)
	}
	w := &Worker{
		store:       store,
		queue:       queue,
		computation: compute.Guard(c),
		retention:   opts.Retention,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		logger:      slog.With("component", "worker"),
		done:        make(chan struct{}),
	}
	w.current.Store("")
	return w
}

// Start launches the worker goroutine. Computations run under a context
// derived from ctx; cancelling ctx stops the worker after the current job.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != workerIdle {
		return fmt.Errorf("worker already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.state = workerRunning

	go w.run(runCtx)
	w.logger.Info("Worker started")
	return nil
}

// Stop closes the queue and waits for the in-flight job to finish. If ctx
// expires first the running computation is cancelled and ctx.Err() is
// returned. Descriptors still queued are abandoned. Stop is idempotent.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	prev := w.state
	w.state = workerStopped
	cancel := w.cancel
	w.mu.Unlock()

	w.queue.Close()
	if prev != workerRunning {
		return nil
	}

	select {
	case <-w.done:
		cancel()
		w.logger.Info("Worker stopped", "processed", w.processed.Load(), "abandoned", w.queue.Len())
		return nil
	case <-ctx.Done():
		cancel()
		w.logger.Warn("Worker stop timed out, cancelling current job", "key", w.current.Load())
		return ctx.Err()
	}
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Accepting reports whether new work will eventually be processed.
func (w *Worker) Accepting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state != workerStopped
}

// Ready implements health.ReadinessChecker.
func (w *Worker) Ready(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != workerRunning {
		return ErrWorkerNotRunning
	}
	select {
	case <-w.done:
		return ErrWorkerNotRunning
	default:
		return nil
	}
}

// Stats returns current worker statistics.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Running:   w.Ready(context.Background()) == nil,
		Current:   w.current.Load().(string),
		Processed: w.processed.Load(),
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
		Skipped:   w.skipped.Load(),
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	for {
		d, err := w.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				w.logger.Error("Worker stopped unexpectedly", "error", err)
			}
			return
		}
		w.metrics.RecordQueueDepth(ctx, int64(w.queue.Len()))
		w.process(ctx, d)
	}
}

// process runs one descriptor to completion. It never returns an error:
// every failure is recorded on the job.
func (w *Worker) process(ctx context.Context, d Descriptor) {
	logger := w.logger.With("key", d.Key)

	rec, ok := w.store.Get(d.Key)
	if !ok || rec.Status != StatusQueued {
		w.skipped.Add(1)
		logger.Debug("Skipping stale descriptor", "exists", ok, "status", rec.Status)
		return
	}

	started := time.Now()
	ok = w.store.Mutate(d.Key, func(r *Record) {
		r.Status = StatusProcessing
		r.Steps = nil
		r.Final = nil
		r.Error = ""
		r.StartedAt = started
	})
	if !ok {
		w.skipped.Add(1)
		logger.Debug("Skipping descriptor, record removed")
		return
	}

	w.current.Store(d.Key)
	defer w.current.Store("")
	w.processed.Add(1)

	events := NewEventBuilder(d.Key, eventSource)
	wait := started.Sub(rec.CreatedAt).Seconds()
	w.metrics.RecordJobStarted(ctx, wait)
	w.notifier.Notify(rec.Callback, events.BuildStartEvent(wait))
	logger.Info("Job started", "seed", d.Seed, "waitSeconds", wait)

	progress := &progressLog{}
	onProgress := func(index int, payload []byte) {
		n, ok := progress.add(index, payload, func(snapshot []compute.Step) {
			w.store.Mutate(d.Key, func(r *Record) {
				if r.Status == StatusProcessing && len(snapshot) > len(r.Steps) {
					r.Steps = snapshot
				}
			})
		})
		if !ok {
			return
		}
		w.metrics.RecordJobProgress(ctx)
		w.notifier.Notify(rec.Callback, events.BuildProgressEvent(index, n))
	}

	spanCtx, span := w.tracer.StartCompute(ctx, d.Key, d.Seed)
	result, err := w.computation.Run(spanCtx, d.Input, d.Seed, onProgress)
	steps := progress.close()
	if err == nil && len(result) == 0 {
		err = errNoOutput
	}
	observability.EndCompute(span, len(steps), err)

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	finished := time.Now()
	duration := finished.Sub(started)
	seq := w.store.NextSeq()

	if err != nil {
		msg := apperrors.Computation("generate", err).Error()
		var pe *compute.PanicError
		if errors.As(err, &pe) {
			logger.Error("Computation panicked", "panic", pe.Value, "stack", string(pe.Stack))
		}
		w.finalize(d.Key, func(r *Record) {
			r.Status = StatusError
			r.Steps = steps
			r.Error = msg
			r.CompletedAt = finished
			r.CompletedSeq = seq
		}, logger)
		w.failed.Add(1)
		w.metrics.RecordJobCompleted(ctx, false, duration.Seconds())
		w.notifier.Notify(rec.Callback, events.BuildErrorEvent(msg))
		logger.Warn("Job failed", "error", msg, "duration", duration)
	} else {
		seed := d.Seed
		w.finalize(d.Key, func(r *Record) {
			r.Status = StatusDone
			r.Steps = steps
			r.Final = result
			r.Seed = &seed
			r.CompletedAt = finished
			r.CompletedSeq = seq
		}, logger)
		w.succeeded.Add(1)
		w.metrics.RecordJobCompleted(ctx, true, duration.Seconds())
		w.notifier.Notify(rec.Callback, events.BuildDoneEvent(seed, len(steps)))
		logger.Info("Job completed", "steps", len(steps), "duration", duration)
	}

	w.retention.Apply(ctx, w.store)
}

func (w *Worker) finalize(key string, fn func(*Record), logger *slog.Logger) {
	if !w.store.Mutate(key, fn) {
		logger.Warn("Record removed while processing, result discarded")
	}
}

// progressLog accumulates steps reported by one computation. Reports that
// arrive after close are ignored.
type progressLog struct {
	mu     sync.Mutex
	steps  []compute.Step
	closed bool
}

// add appends a step and hands a copy of the full list to publish while
// still holding the lock, so concurrent reports publish in append order.
// It returns the new step count.
func (p *progressLog) add(index int, payload []byte, publish func([]compute.Step)) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, false
	}
	p.steps = append(p.steps, compute.Step{Index: index, Payload: append([]byte(nil), payload...)})
	snapshot := make([]compute.Step, len(p.steps))
	copy(snapshot, p.steps)
	publish(snapshot)
	return len(snapshot), true
}

// close stops accepting reports and returns the accumulated steps.
func (p *progressLog) close() []compute.Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.steps
}
