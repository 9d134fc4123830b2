package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sdqueue/pkg/backoff"
	"sdqueue/pkg/circuitbreaker"
	"sdqueue/pkg/cloudevent"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryDispatcher delivers callbacks from a bounded in-memory buffer using a
// pool of delivery goroutines.
//
// Events marked Lossy (progress updates) are best effort: they are refused
// once the buffer passes the shed threshold, get a single delivery attempt
// and are dropped rather than requeued when the destination's circuit is
// open. Lifecycle events keep the full retry and requeue treatment.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	backoff  *backoff.Config
	logger   *slog.Logger
	metrics  MetricsRecorder
	shedAt   int

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	shed         atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, eventType string, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context, eventType string)
	RecordDispatcherDropped(ctx context.Context, eventType, reason string)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a dispatcher and starts its delivery goroutines.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "dispatcher")

	d := &MemoryDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			OnStateChange: func(host string, from, to circuitbreaker.State) {
				logger.Info("Circuit state changed", "destination", host, "from", from.String(), "to", to.String())
			},
		}, maxTrackedHosts),
		config: cfg,
		backoff: &backoff.Config{
			Initial: cfg.InitialBackoff,
			Max:     cfg.MaxBackoff,
			Jitter:  0.2,
		},
		logger:   logger,
		metrics:  metrics,
		shedAt:   max(int(float64(cfg.BufferSize)*cfg.ShedThreshold), 1),
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started",
		"workers", cfg.Workers,
		"buffer", cfg.BufferSize,
		"shedAt", d.shedAt,
	)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues an event for async delivery. It never blocks.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if event.Lossy && len(d.queue) >= d.shedAt {
		d.shedEvent(event)
		return ErrShed
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, dropBufferFull)
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Shed:          d.shed.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Ready reports an error while any destination circuit is open or the buffer
// is past the shed threshold. Callback trouble never blocks submissions, so
// callers should register this as an optional check.
func (d *MemoryDispatcher) Ready(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if open := d.breakers.OpenKeys(); len(open) > 0 {
		return fmt.Errorf("%d callback destination(s) failing: %s", len(open), strings.Join(open, ", "))
	}
	if depth := len(d.queue); depth >= d.shedAt {
		return fmt.Errorf("callback buffer under pressure (%d/%d)", depth, d.config.BufferSize)
	}
	return nil
}

// Close stops accepting events and delivers what is buffered until ctx expires.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
			"shed", d.shed.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

// drainQueue delivers what is left in the buffer after shutdown. Lossy events
// are skipped, nobody is waiting for stale progress.
func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case event := <-d.queue:
			if event.Lossy {
				d.shedEvent(event)
				continue
			}
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)

	if !breaker.Allow() {
		if event.Lossy {
			d.drop(event, dropCircuitOpen)
			return
		}
		d.requeue(event, host)
		return
	}

	retries := d.config.MaxRetries
	if event.Lossy {
		retries = 0
	}
	budget := time.Duration(retries+1)*d.config.HTTPTimeout + d.config.MaxBackoff*time.Duration(retries)
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, event, retries); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx, event.Payload.Type)
		}
		d.logger.Warn("Delivery failed",
			"destination", host,
			"type", event.Payload.Type,
			"key", event.Payload.Subject,
			"error", err,
		)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, event.Payload.Type, time.Since(start).Seconds())
	}
}

// requeue retries an event after the breaker cooldown, up to defaultMaxRequeues times.
func (d *MemoryDispatcher) requeue(event *Event, host string) {
	if event.Requeues >= defaultMaxRequeues {
		d.drop(event, dropMaxRequeues)
		return
	}

	event.Requeues++
	requeues := event.Requeues
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	go func() {
		timer := time.NewTimer(d.config.BreakerCooldown)
		defer timer.Stop()
		select {
		case <-d.shutdown:
			return
		case <-timer.C:
		}

		select {
		case d.queue <- event:
			d.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", requeues)
		case <-d.shutdown:
		default:
			d.drop(event, dropRequeueFull)
		}
	}()
}

// Reasons an event is given up without delivery, used as a metric label.
const (
	dropBufferFull  = "buffer_full"
	dropCircuitOpen = "circuit_open"
	dropMaxRequeues = "max_requeues"
	dropRequeueFull = "requeue_buffer_full"
	dropShed        = "shed"
)

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background(), event.Payload.Type, reason)
	}
	d.logger.Warn("Event dropped",
		"reason", reason,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
		"key", event.Payload.Subject,
		"requeues", event.Requeues,
	)
}

// shedEvent gives up a lossy event. Shedding is routine under load so it is
// counted apart from drops and logged at debug.
func (d *MemoryDispatcher) shedEvent(event *Event) {
	d.shed.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background(), event.Payload.Type, dropShed)
	}
	d.logger.Debug("Lossy event shed", "type", event.Payload.Type, "key", event.Payload.Subject, "queueDepth", len(d.queue))
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event, retries int) error {
	opts := cloudevent.SendOptions{
		SigningKey: event.SigningKey,
		Signature:  event.Signature,
	}

	var lastErr error
	for attempt := range retries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			if err := backoff.SleepAtLeast(ctx, attempt, d.backoff, cloudevent.RetryAfter(lastErr)); err != nil {
				return err
			}
		}

		lastErr = d.sender.Send(ctx, event.Destination, event.Payload, opts)
		if lastErr == nil || cloudevent.IsPermanent(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost returns the lower-cased host:port of a callback URL. Breakers
// are keyed by it so every job calling back to one receiver shares a circuit.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return strings.ToLower(parsed.Host)
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
