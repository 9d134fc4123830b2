package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sdqueue/internal/apperrors"
	"slices"
	"strings"
	"time"
)

const (
	maxCallbackEvents = 16
	maxSeed           = 1<<31 - 1
	submitAttempts    = 3
)

// Service is the submit/status boundary in front of the store and queue.
type Service struct {
	store   *Store
	queue   *Queue
	worker  *Worker
	metrics MetricsRecorder
	logger  *slog.Logger

	newSeed func() int64
	now     func() time.Time
}

// NewService creates a new job service. metrics may be nil.
func NewService(store *Store, queue *Queue, worker *Worker, metrics MetricsRecorder) *Service {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Service{
		store:   store,
		queue:   queue,
		worker:  worker,
		metrics: metrics,
		logger:  slog.With("component", "service"),
		newSeed: func() int64 { return rand.Int64N(maxSeed + 1) },
		now:     time.Now,
	}
}

// Submit registers work for a transaction key. A key whose record is queued,
// processing or done is not enqueued again and its current status is
// returned. A key whose record is in error is resubmitted with a new seed.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	key := strings.TrimSpace(req.Key)
	input := strings.TrimSpace(req.Input)
	if err := validate(key, input, req.Callback); err != nil {
		return nil, err
	}
	if s.worker != nil && !s.worker.Accepting() {
		return nil, apperrors.Unavailable("service is shutting down")
	}

	logger := s.logger.With("key", key)

	for range submitAttempts {
		rec := Record{
			Status:    StatusQueued,
			Callback:  req.Callback,
			CreatedAt: s.now(),
		}
		desc := Descriptor{Key: key, Input: input, Seed: s.newSeed()}

		if s.store.Create(key, rec) {
			if err := s.enqueue(desc); err != nil {
				return nil, err
			}
			s.metrics.RecordJobSubmitted(ctx, outcomeQueued)
			logger.Info("Job queued", "queueDepth", s.queue.Len())
			return &SubmitResponse{Key: key, Status: StatusQueued}, nil
		}

		existing, ok := s.store.Get(key)
		if !ok {
			continue // evicted between Create and Get
		}
		if existing.Status != StatusError {
			s.metrics.RecordJobSubmitted(ctx, outcomeExisting)
			logger.Debug("Job already known", "status", existing.Status)
			return &SubmitResponse{Key: key, Status: existing.Status}, nil
		}

		if s.store.Replace(key, rec, StatusError) {
			if err := s.enqueue(desc); err != nil {
				return nil, err
			}
			s.metrics.RecordJobSubmitted(ctx, outcomeRequeued)
			logger.Info("Failed job resubmitted", "previousError", existing.Error)
			return &SubmitResponse{Key: key, Status: StatusQueued}, nil
		}
	}

	return nil, apperrors.Internal("submit", errors.New("record changed concurrently, retry"))
}

// enqueue pushes desc, rolling the record back if the queue is closed.
func (s *Service) enqueue(desc Descriptor) error {
	if err := s.queue.Push(desc); err != nil {
		s.store.Delete(desc.Key)
		if errors.Is(err, ErrQueueClosed) {
			return apperrors.Unavailable("service is shutting down")
		}
		return apperrors.Internal("enqueue", err)
	}
	s.metrics.RecordQueueDepth(context.Background(), int64(s.queue.Len()))
	return nil
}

// Status returns a snapshot of the job under key, looked up exactly as
// given. Evicted and unknown keys are both reported as not found.
func (s *Service) Status(ctx context.Context, key string) (*StatusResponse, error) {
	rec, ok := s.store.Get(key)
	if !ok {
		return nil, apperrors.NotFound("transaction_key", key)
	}
	return newStatusResponse(rec), nil
}

// Stats summarises the queue for the stats endpoint.
type Stats struct {
	Jobs       Counts      `json:"jobs"`
	QueueDepth int         `json:"queueDepth"`
	Worker     WorkerStats `json:"worker"`
}

// Stats returns current queue statistics.
func (s *Service) Stats() Stats {
	stats := Stats{
		Jobs:       s.store.Counts(),
		QueueDepth: s.queue.Len(),
	}
	if s.worker != nil {
		stats.Worker = s.worker.Stats()
	}
	return stats
}

// validate checks trimmed submission fields. Keys are opaque: any non-empty
// string is accepted. Does not modify the request.
func validate(key, input string, cb *Callback) error {
	if input == "" {
		return apperrors.Validation("prompt", "prompt is required")
	}
	if key == "" {
		return apperrors.Validation("transaction_key", "transaction_key is required")
	}

	if cb != nil {
		if err := validateURL(cb.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
		if len(cb.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
		for _, ev := range cb.Events {
			if !slices.Contains(knownEventTypes, ev) {
				return apperrors.Validation("callback.events", fmt.Sprintf("unknown event type %q", ev))
			}
		}
	}

	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
