package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

const meterName = "swarm-carver"

// Retry executes fn with exponential backoff (base delay) + full jitter.
// delay acts as initial backoff; grows exponentially (x2) until attempts exhausted.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	return RetryIf(ctx, attempts, delay, nil, fn)
}

// RetryIf is Retry that stops early when retryable reports false for an error.
// A nil retryable retries every error. The last value returned by fn is
// passed through on failure so callers can keep partial results.
func RetryIf[T any](ctx context.Context, attempts int, delay time.Duration, retryable func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = 1
	}
	cur := delay
	var last T
	var lastErr error
	meter := otel.Meter(meterName)
	attemptCounter, _ := meter.Int64Counter("carver_resilience_retry_attempts_total")
	failCounter, _ := meter.Int64Counter("carver_resilience_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			return v, nil
		}
		last, lastErr = v, err
		if i == attempts-1 || (retryable != nil && !retryable(err)) {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		// full jitter
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return last, lastErr
}
