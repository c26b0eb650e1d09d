package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/chess-ingest/internal/logging"
)

// RetryConfig configures an in-process retry loop
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of attempts, including the first
	InitialDelay time.Duration // Delay after the first failure
	MaxDelay     time.Duration // Cap on any single delay
}

// DefaultRetryConfig returns a default retry configuration
// Pattern: 1s, 2s, 4s, 8s, max 30s
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// Backoff returns base * 2^(attempt-1), capped at max. attempt is 1-based;
// values below 1 are treated as 1.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// WithExponentialBackoff runs fn until it succeeds, attempts run out or ctx
// is done. Used for connecting to backing services at startup; queued jobs
// are retried through the job store instead.
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, fn RetryFunc) error {
	logger := logging.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempts", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if attempt == config.MaxAttempts {
			break
		}

		delay := Backoff(attempt, config.InitialDelay, config.MaxDelay)
		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": config.MaxAttempts,
			"delay":       delay.String(),
		}).WithError(err).Warn("Operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxAttempts, lastErr)
}
