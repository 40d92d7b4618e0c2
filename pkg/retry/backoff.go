// Package retry provides exponential backoff retry logic with jitter.
//
//	err := retry.WithRetry(ctx, func() error {
//		return store.Ping(ctx)
//	}, retry.DefaultBackoffConfig())
//
// Returning retry.Stop(err) from the function ends the loop immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/courier/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// ExponentialBackoff returns the delay before the given retry attempt
// (1-based). With jitter the delay falls in [d/2, d).
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}
		duration := time.Duration(interval)

		if config.Jitter && duration > 1 {
			duration = duration/2 + time.Duration(rand.Int63n(int64(duration/2)))
		}
		return duration
	}
}

type RetryableFunc func() error

// WithRetry calls fn until it succeeds, returns a StopError, the context is
// done, or MaxRetries retries have been made.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}

		attempts++
		err := fn()
		if err == nil {
			return nil
		}

		var stop StopError
		if errors.As(err, &stop) {
			return stop.Err
		}
		lastErr = err
		if attempt < config.MaxRetries {
			logger.Debug("Retrying after failure", "attempt", attempts, "error", err)
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}
