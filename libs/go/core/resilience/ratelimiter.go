package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// RateLimiter is a token bucket refilled lazily on each check. The carver
// uses it with one token per byte to throttle reads against fragile media.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   int64
	fillRate   float64 // tokens per second
	available  float64
	lastRefill time.Time
}

// NewRateLimiter creates a token bucket that starts full.
func NewRateLimiter(capacity int64, fillRate float64) *RateLimiter {
	return &RateLimiter{
		capacity:   capacity,
		fillRate:   fillRate,
		available:  float64(capacity),
		lastRefill: time.Now(),
	}
}

// Allow returns whether one token can be consumed now.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN attempts to consume n tokens.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(time.Now())
	if float64(n) <= r.available {
		r.available -= float64(n)
		return true
	}
	counter, _ := otel.GetMeterProvider().Meter(meterName).Int64Counter("carver_ratelimiter_token_drops_total")
	counter.Add(context.Background(), 1)
	return false
}

// ReserveAfter returns the duration after which n tokens will be available.
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(time.Now())
	if r.available >= float64(n) {
		return 0
	}
	shortfall := float64(n) - r.available
	return time.Duration(shortfall / r.fillRate * float64(time.Second))
}

// WaitN blocks until n tokens are consumed or ctx ends. Requests larger than
// the bucket are clamped to its capacity so they cannot starve forever.
func (r *RateLimiter) WaitN(ctx context.Context, n int64) error {
	if n > r.capacity {
		n = r.capacity
	}
	for !r.AllowN(n) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.ReserveAfter(n)):
		}
	}
	return nil
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.available = minFloat(float64(r.capacity), r.available+elapsed*r.fillRate)
	r.lastRefill = now
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
