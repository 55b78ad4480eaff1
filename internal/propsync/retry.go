package propsync

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds the retry executor.
type RetryPolicy struct {
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number between attempts.
	BaseDelay time.Duration
}

// DefaultRetryPolicy returns 3 attempts with a 1s linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Retrier executes remote operations with bounded, linearly backed-off
// retries. health may be nil.
type Retrier struct {
	health *HealthMonitor
	clock  Clock
	logger Logger
	policy RetryPolicy
}

func NewRetrier(health *HealthMonitor, clock Clock, logger Logger, policy RetryPolicy) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	return &Retrier{health: health, clock: clock, logger: logger, policy: policy}
}

// Run executes op until it succeeds, fails fatally, or maxAttempts is spent.
// maxAttempts <= 0 uses the policy default. The last error is returned
// wrapped; errors.Is still matches its cause.
func (r *Retrier) Run(ctx context.Context, label string, maxAttempts int, op func(ctx context.Context) error) error {
	_, err := WithRetry(ctx, r, label, maxAttempts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// WithRetry is Run for operations that return a value.
func WithRetry[T any](ctx context.Context, r *Retrier, label string, maxAttempts int, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		maxAttempts = r.policy.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if r.health != nil {
			// Informational only; the attempt runs either way.
			if !r.health.CheckHealth(ctx) {
				r.logger.Debug("remote reported unhealthy before attempt", "op", label, "attempt", attempt)
			}
		}

		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("operation succeeded after retry", "op", label, "attempt", attempt)
			} else {
				r.logger.Debug("operation succeeded", "op", label, "attempt", attempt)
			}
			return result, nil
		}
		lastErr = err

		if IsFatal(err) {
			r.logger.Error("operation failed with fatal error", "op", label, "attempt", attempt, "error", err)
			return zero, fmt.Errorf("%s: %w", label, err)
		}
		if !IsRetryable(err) {
			r.logger.Debug("operation failed with non-retryable error", "op", label, "attempt", attempt, "error", err)
			return zero, fmt.Errorf("%s: %w", label, err)
		}

		r.logger.Warn("operation attempt failed", "op", label, "attempt", attempt, "max_attempts", maxAttempts, "error", err)
		if attempt == maxAttempts {
			break
		}

		if r.health != nil {
			r.health.MarkUnhealthy()
			r.health.Recover(ctx, err)
		}
		if err := sleep(ctx, r.clock, r.policy.BaseDelay*time.Duration(attempt)); err != nil {
			return zero, fmt.Errorf("%s: waiting to retry: %w", label, err)
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", label, maxAttempts, lastErr)
}
