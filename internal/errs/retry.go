package errs

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"scand/internal/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // maximum number of retry attempts
	BaseDelay    time.Duration // base delay for exponential backoff
	MaxDelay     time.Duration // maximum delay between retries
	JitterFactor float64       // jitter factor for randomization (0.25 = ±25%)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// Retry executes fn with exponential backoff, stopping early on
// non-transient errors or context cancellation.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	return RetryWithLog(ctx, cfg, fn, nil)
}

// RetryWithLog is Retry with attempt logging.
func RetryWithLog(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error, logger logging.Logger) error {
	logger = logging.OrNop(logger)

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded after %d attempts", attempt+1)
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			logger.Warn("max retries (%d) exhausted: %v", cfg.MaxAttempts+1, err)
			break
		}

		delay := backoffDelay(attempt, cfg)
		logger.Debug("attempt %d failed (%v), retrying in %v", attempt+1, err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// backoffDelay computes the exponential backoff with jitter for attempt.
func backoffDelay(attempt int, cfg RetryConfig) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * cfg.JitterFactor * float64(delay)
		delay += time.Duration(jitter)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
