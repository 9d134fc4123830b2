// Package backoff provides exponential backoff calculation.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial    time.Duration // default: 100ms
	Max        time.Duration // default: 5s
	Multiplier float64       // default: 2
	Jitter     float64       // fraction of the delay randomised, 0..1 (default: 0)
}

func (c *Config) resolve() (initial, maxBackoff time.Duration, multiplier, jitter float64) {
	initial = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
	multiplier = 2
	if c == nil {
		return initial, maxBackoff, multiplier, 0
	}
	if c.Initial > 0 {
		initial = c.Initial
	}
	if c.Max > 0 {
		maxBackoff = c.Max
	}
	if c.Multiplier > 1 {
		multiplier = c.Multiplier
	}
	if c.Jitter > 0 {
		jitter = math.Min(c.Jitter, 1)
	}
	return initial, maxBackoff, multiplier, jitter
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*multiplier, etc.
// With Jitter set, the result is drawn uniformly from [d*(1-jitter), d].
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxBackoff, multiplier, jitter := cfg.resolve()

	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	if jitter > 0 {
		d -= d * jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Sleep waits for the backoff of the given attempt or until ctx is done.
func Sleep(ctx context.Context, attempt int, cfg *Config) error {
	return wait(ctx, Exponential(attempt, cfg))
}

// SleepAtLeast is Sleep with the delay raised to floor, still capped at the
// configured maximum. Callers pass a peer's Retry-After as floor.
func SleepAtLeast(ctx context.Context, attempt int, cfg *Config, floor time.Duration) error {
	d := Exponential(attempt, cfg)
	if floor > d {
		_, maxBackoff, _, _ := cfg.resolve()
		d = min(floor, maxBackoff)
	}
	return wait(ctx, d)
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
