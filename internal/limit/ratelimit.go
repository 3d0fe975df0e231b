// Package limit provides the admission-control primitives: a token-bucket
// rate limiter and a capacity-pool resource allocator. Both are
// independent of the checklist; the orchestrator composes them.
package limit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited indicates a dispatch was denied by the token bucket.
// It is an expected, recoverable condition: the caller requeues the
// task for a later tick.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter is a token bucket bounding dispatch admissions: capacity
// tokens at most, refilled at refill tokens per period. All mutation
// happens under one lock.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	// now is the clock, injectable for tests.
	now func() time.Time
}

// NewRateLimiter creates a token bucket with the given capacity that
// refills refill tokens every period. The bucket starts full.
func NewRateLimiter(capacity int, refill int, period time.Duration) *RateLimiter {
	limit := rate.Limit(float64(refill) / period.Seconds())
	return &RateLimiter{
		limiter: rate.NewLimiter(limit, capacity),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (r *RateLimiter) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Consume refills the bucket for elapsed time and atomically debits n
// tokens if available. Returns false without side effects when the
// bucket cannot cover n: there is no partial consumption.
func (r *RateLimiter) Consume(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limiter.AllowN(r.now(), n)
}

// Admit debits n tokens, reporting ErrRateLimited when the bucket
// cannot cover them. The denial is recoverable: the caller requeues and
// retries on a later tick.
func (r *RateLimiter) Admit(n int) error {
	if !r.Consume(n) {
		return ErrRateLimited
	}
	return nil
}
