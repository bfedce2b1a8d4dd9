// Package retry provides bounded exponential-backoff retry for LLM
// calls, distinguishing transient failures (rate limits, network and
// server errors, breaker rejections) from fatal ones (bad credentials,
// malformed requests) that must surface immediately.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// retryable is implemented by errors that know their own transience.
// Errors that do not implement it are treated as transient, matching
// the policy that only explicitly fatal kinds skip the retry loop.
type retryable interface {
	Retryable() bool
}

// ShouldRetry reports whether err is worth retrying.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// Config controls the retry schedule.
type Config struct {
	// MaxAttempts is the total attempt budget including the first call
	// (default: 3).
	MaxAttempts int

	// BaseDelay is the backoff unit: the delay before retry attempt n
	// (1-indexed, first retry is attempt 2) is BaseDelay * 2^(n-2)
	// (default: 1s).
	BaseDelay time.Duration

	// Disabled turns retries off entirely so deterministic tests do not
	// sleep; every call gets exactly one attempt.
	Disabled bool
}

// DefaultConfig returns the production schedule: 3 attempts with delays
// of 1s and 2s between them.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
}

// Coordinator runs operations under the configured retry schedule.
type Coordinator struct {
	config Config
	logger *slog.Logger

	// sleep is swapped in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates a coordinator. Zero-value config fields get defaults.
func New(cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	return &Coordinator{
		config: cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Do invokes fn until it succeeds, returns a fatal error, exhausts the
// attempt budget, or ctx is cancelled. The last error is returned
// unchanged so callers can inspect its kind.
func (c *Coordinator) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := c.config.MaxAttempts
	if c.config.Disabled {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			// Delay for attempt n is base * 2^(n-2): 1x, 2x, 4x, ...
			delay := c.config.BaseDelay << (attempt - 2)
			c.logger.Debug("retrying after transient error",
				"op", op,
				"attempt", attempt,
				"max_attempts", attempts,
				"delay", delay.String(),
				"error", lastErr,
			)
			if !c.sleep(ctx, delay) {
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !ShouldRetry(lastErr) {
			c.logger.Debug("fatal error, not retrying", "op", op, "error", lastErr)
			return lastErr
		}
	}

	c.logger.Warn("retries exhausted", "op", op, "attempts", attempts, "error", lastErr)
	return lastErr
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
