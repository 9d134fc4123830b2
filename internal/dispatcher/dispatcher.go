// Package dispatcher provides async delivery of job lifecycle callbacks with
// buffering, retry and per-host circuit breaking.
package dispatcher

import (
	"context"
	"errors"
	"sdqueue/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrShed is returned when a lossy event is refused because the buffer is under pressure.
	ErrShed = errors.New("dispatcher under load, lossy event shed")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher handles async delivery of events.
// Implementations may use in-memory buffering, message queues, etc.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is an event to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Signature   string // Pre-computed signature, takes precedence over SigningKey
	Lossy       bool   // superseded by later events; shed under load, never retried or requeued
	Requeues    int    // number of times requeued due to circuit open (internal use)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   `json:"queueDepth"`    // current queue size
	Queued        int64 `json:"queued"`        // total events queued
	Delivered     int64 `json:"delivered"`     // successful deliveries
	Failed        int64 `json:"failed"`        // failed after retries
	Dropped       int64 `json:"dropped"`       // dropped due to full buffer or max requeues
	Shed          int64 `json:"shed"`          // lossy events refused under load
	Requeued      int64 `json:"requeued"`      // requeued due to open circuit
	RetriesTotal  int64 `json:"retriesTotal"`  // total retry attempts
	BreakersTotal int   `json:"breakersTotal"` // total circuit breakers
	BreakersOpen  int   `json:"breakersOpen"`  // currently open breakers
}
