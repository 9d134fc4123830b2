package job

import (
	"log/slog"
	"sdqueue/internal/dispatcher"
	"sdqueue/pkg/cloudevent"
	"slices"
)

// Event types for job lifecycle callbacks
const (
	EventTypeStart    = "sdqueue.job.start"
	EventTypeProgress = "sdqueue.job.progress"
	EventTypeDone     = "sdqueue.job.done"
	EventTypeError    = "sdqueue.job.error"
)

const eventSource = "sdqueue"

var knownEventTypes = []string{EventTypeStart, EventTypeProgress, EventTypeDone, EventTypeError}

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for one job.
type EventBuilder struct {
	source  string
	subject string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(key, source string) *EventBuilder {
	return &EventBuilder{
		source:  source,
		subject: key,
	}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	data["transactionKey"] = b.subject
	return cloudevent.New(eventType, b.source, b.subject, "", data)
}

// BuildStartEvent creates a job start event.
func (b *EventBuilder) BuildStartEvent(waitSeconds float64) *cloudevent.CloudEvent {
	return b.Build(EventTypeStart, map[string]any{
		"status":      StatusProcessing,
		"waitSeconds": waitSeconds,
	})
}

// BuildProgressEvent creates a progress event for one reported step.
func (b *EventBuilder) BuildProgressEvent(step, reported int) *cloudevent.CloudEvent {
	return b.Build(EventTypeProgress, map[string]any{
		"status":   StatusProcessing,
		"step":     step,
		"reported": reported,
	})
}

// BuildDoneEvent creates a completion event.
func (b *EventBuilder) BuildDoneEvent(seed int64, steps int) *cloudevent.CloudEvent {
	return b.Build(EventTypeDone, map[string]any{
		"status": StatusDone,
		"seed":   seed,
		"steps":  steps,
	})
}

// BuildErrorEvent creates a failure event.
func (b *EventBuilder) BuildErrorEvent(message string) *cloudevent.CloudEvent {
	return b.Build(EventTypeError, map[string]any{
		"status": StatusError,
		"error":  message,
	})
}

// Notifier hands lifecycle events to a dispatcher. Delivery is best-effort:
// a full or closed dispatcher drops the event and the job is unaffected.
type Notifier struct {
	dispatcher dispatcher.Dispatcher
	logger     *slog.Logger
}

// NewNotifier creates a Notifier. A nil dispatcher disables callbacks.
func NewNotifier(d dispatcher.Dispatcher) *Notifier {
	return &Notifier{
		dispatcher: d,
		logger:     slog.With("component", "notifier"),
	}
}

// Notify queues ev for cb if cb subscribes to its type.
func (n *Notifier) Notify(cb *Callback, ev *cloudevent.CloudEvent) {
	if n == nil || n.dispatcher == nil || cb == nil || cb.URL == "" {
		return
	}
	if !FilteredEvents(ev.Type, cb.Events) {
		return
	}

	err := n.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     ev,
		Destination: cb.URL,
		SigningKey:  cb.Key,
		Lossy:       ev.Type == EventTypeProgress,
	})
	if err != nil {
		n.logger.Debug("Callback not queued", "key", ev.Subject, "type", ev.Type, "error", err)
	}
}
