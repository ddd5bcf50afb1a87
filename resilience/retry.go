package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMaxRetriesExceeded is returned when Retry exhausts every attempt.
var ErrMaxRetriesExceeded = fmt.Errorf("max retry attempts exceeded")

// RetryConfig configures exponential-backoff retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes fn up to config.MaxAttempts times with exponential
// backoff and jitter between attempts, stopping early on ctx cancellation.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		if config.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			delay += jitter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, ErrMaxRetriesExceeded)
}

// RetryWithCircuitBreaker combines retry logic with a CircuitBreaker, so
// a breaker that has opened mid-retry fails the remaining attempts fast
// instead of burning through the whole backoff schedule.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func(ctx context.Context) error) error {
	retryCtx, stop := context.WithCancel(ctx)
	defer stop()

	var openErr error
	err := Retry(retryCtx, config, func() error {
		execErr := cb.Execute(ctx, fn)
		if errors.Is(execErr, ErrOpen) {
			openErr = execErr
			stop()
		}
		return execErr
	})
	if openErr != nil {
		return openErr
	}
	return err
}
