package job

import (
	"context"
	"fmt"
	"log/slog"
	"sdqueue/internal/config"
	"strings"

	"github.com/robfig/cron/v3"
)

// Order selects which finished records count as oldest.
type Order string

const (
	// OrderCompletion evicts in the order jobs finished.
	OrderCompletion Order = "completion"
	// OrderKey evicts the lexicographically smallest keys first.
	OrderKey Order = "key"
)

const defaultMaxCompleted = 100

// RetentionConfig bounds how many finished records are kept.
type RetentionConfig struct {
	MaxCompleted int    // Done records kept after each job (default: 100)
	MaxErrors    int    // Error records kept by the scheduled sweep, 0 keeps all
	Order        Order  // eviction order (default: completion)
	Schedule     string // cron spec for the sweep, empty disables it
}

// LoadRetentionConfigFromEnv loads retention configuration from environment variables.
func LoadRetentionConfigFromEnv() RetentionConfig {
	cfg := RetentionConfig{
		MaxCompleted: config.GetIntEnv("MAX_COMPLETED_JOBS", defaultMaxCompleted),
		MaxErrors:    config.GetIntEnv("MAX_ERROR_JOBS", 0),
		Order:        Order(strings.ToLower(config.GetEnv("RETENTION_ORDER", string(OrderCompletion)))),
		Schedule:     config.GetEnv("RETENTION_SCHEDULE", ""),
	}
	return cfg.withDefaults()
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.MaxCompleted <= 0 {
		c.MaxCompleted = defaultMaxCompleted
	}
	if c.MaxErrors < 0 {
		c.MaxErrors = 0
	}
	if c.Order != OrderKey {
		c.Order = OrderCompletion
	}
	return c
}

// Evicted counts records removed by one retention pass.
type Evicted struct {
	Done  int
	Error int
}

// Retention enforces RetentionConfig on a Store. Queued and processing
// records are never evicted.
type Retention struct {
	config  RetentionConfig
	metrics MetricsRecorder
	logger  *slog.Logger
}

// NewRetention creates a retention policy. metrics may be nil.
func NewRetention(cfg RetentionConfig, metrics MetricsRecorder) *Retention {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Retention{
		config:  cfg.withDefaults(),
		metrics: metrics,
		logger:  slog.With("component", "retention"),
	}
}

// Config returns the effective configuration.
func (r *Retention) Config() RetentionConfig {
	return r.config
}

// Apply evicts the oldest Done records beyond MaxCompleted. The worker calls
// it after every finalization.
func (r *Retention) Apply(ctx context.Context, store *Store) Evicted {
	keys := store.evictExcess(StatusDone, r.config.MaxCompleted, r.config.Order)
	if len(keys) > 0 {
		r.metrics.RecordJobsEvicted(ctx, string(StatusDone), len(keys))
		r.logger.Debug("Evicted completed jobs", "count", len(keys), "oldest", keys[0])
	}
	return Evicted{Done: len(keys)}
}

// Sweep runs Apply and additionally bounds Error records by MaxErrors.
func (r *Retention) Sweep(ctx context.Context, store *Store) Evicted {
	evicted := r.Apply(ctx, store)
	if r.config.MaxErrors > 0 {
		keys := store.evictExcess(StatusError, r.config.MaxErrors, r.config.Order)
		if len(keys) > 0 {
			r.metrics.RecordJobsEvicted(ctx, string(StatusError), len(keys))
		}
		evicted.Error = len(keys)
	}
	if evicted.Done+evicted.Error > 0 {
		r.logger.Info("Retention sweep evicted jobs", "done", evicted.Done, "error", evicted.Error)
	}
	return evicted
}

// Schedule registers Sweep on c using the configured cron spec. It returns
// false without error when no schedule is configured.
func (r *Retention) Schedule(c *cron.Cron, store *Store) (bool, error) {
	if r.config.Schedule == "" {
		return false, nil
	}
	if _, err := cron.ParseStandard(r.config.Schedule); err != nil {
		return false, fmt.Errorf("invalid RETENTION_SCHEDULE %q: %w", r.config.Schedule, err)
	}
	_, err := c.AddFunc(r.config.Schedule, func() {
		r.Sweep(context.Background(), store)
	})
	if err != nil {
		return false, fmt.Errorf("schedule retention sweep: %w", err)
	}
	r.logger.Info("Retention sweep scheduled", "schedule", r.config.Schedule)
	return true, nil
}
