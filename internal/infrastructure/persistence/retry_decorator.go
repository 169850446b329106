package persistence

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
)

// RetryConfig configures exponential backoff with jitter.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Delay before the first retry
	MaxDelay      time.Duration // Upper bound for any delay
	BackoffFactor float64       // Multiplier applied per attempt
	JitterFactor  float64       // Random jitter factor (0.0 to 1.0)
}

// DefaultRetryConfig returns sensible defaults for retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

var (
	jitterMu  sync.Mutex
	jitterRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Delay returns the wait before retry number attempt (zero based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(factor, float64(attempt))

	if c.JitterFactor > 0 {
		jitterMu.Lock()
		r := jitterRnd.Float64()
		jitterMu.Unlock()
		jitter := delay * c.JitterFactor
		delay = delay - jitter + r*2*jitter
	}

	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithRetry retries idempotent calls that fail with a network-shaped error.
// Non-idempotent calls (Insert, auth) are never retried.
func WithRetry(config RetryConfig, logger *zap.Logger) Decorator {
	logger = observability.OrNop(logger).Named("store_retry")
	return Intercept(func(ctx context.Context, op Operation, table string, call func(context.Context) error) error {
		maxRetries := config.MaxRetries
		if !op.Idempotent() {
			maxRetries = 0
		}

		var lastErr error
		for attempt := 0; attempt <= maxRetries; attempt++ {
			if err := ctx.Err(); err != nil {
				if lastErr != nil {
					return lastErr
				}
				return err
			}

			err := call(ctx)
			if err == nil {
				if attempt > 0 {
					logger.Info("operation succeeded after retry",
						zap.String("operation", string(op)),
						zap.String("table", table),
						zap.Int("attempt", attempt),
					)
				}
				return nil
			}
			lastErr = err

			if attempt >= maxRetries || !syncerrors.IsNetwork(err) {
				break
			}

			delay := config.Delay(attempt)
			logger.Warn("retrying operation",
				zap.String("operation", string(op)),
				zap.String("table", table),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err),
			)

			if err := Sleep(ctx, delay); err != nil {
				return lastErr
			}
		}

		if maxRetries > 0 && syncerrors.IsNetwork(lastErr) {
			return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries+1, lastErr)
		}
		return lastErr
	})
}
