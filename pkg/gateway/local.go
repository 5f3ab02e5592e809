package gateway

import (
	"sync"
	"time"
)

// FallbackLimiter is the degraded-mode admission control used while the
// shared store is unreachable. It is a fixed-window bucket per client
// address: the count resets wholesale when the window elapses rather than
// draining continuously, which keeps the degraded behavior easy to reason
// about and strictly no more permissive than the configured anonymous tier.
type FallbackLimiter struct {
	mu      sync.Mutex
	policy  Policy
	buckets map[string]*fallbackBucket
}

type fallbackBucket struct {
	count       int
	windowStart time.Time
}

// NewFallbackLimiter builds a limiter enforcing policy locally.
func NewFallbackLimiter(policy Policy) *FallbackLimiter {
	return &FallbackLimiter{
		policy:  policy,
		buckets: make(map[string]*fallbackBucket),
	}
}

// Allow records one request for key at time now.
func (f *FallbackLimiter) Allow(key string, now time.Time) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, ok := f.buckets[key]
	if !ok || now.Sub(bucket.windowStart) >= f.policy.Window {
		bucket = &fallbackBucket{windowStart: now}
		f.buckets[key] = bucket
	}

	allowed := bucket.count < f.policy.Limit
	if allowed {
		bucket.count++
	}

	reset := bucket.windowStart.Add(f.policy.Window)
	decision := Decision{
		Allowed:   allowed,
		Limit:     f.policy.Limit,
		Remaining: max(f.policy.Limit-bucket.count, 0),
		Reset:     reset,
	}
	if !allowed {
		decision.RetryAfter = reset.Sub(now)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
	}
	return decision
}
