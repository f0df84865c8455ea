package core

import (
	"context"
	"fmt"
	"log"
	"time"
)

// RetryPolicy controls the in-component retry loop around a single external
// call. The workflow-level retry supplied by the job queue is orthogonal.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the external services' tolerance: 3 attempts,
// backoff starting at 1s and doubling per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Retry runs fn up to p.MaxAttempts times, sleeping BaseDelay*2^n between
// attempts. Every failure is treated as retryable; the last error is returned
// once attempts are exhausted. label only feeds log lines.
func Retry[T any](ctx context.Context, p RetryPolicy, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		log.Printf("%s attempt %d/%d failed: %v", label, attempt, p.MaxAttempts, err)
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		delay *= 2
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", label, p.MaxAttempts, lastErr)
}
