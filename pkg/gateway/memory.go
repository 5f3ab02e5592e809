package gateway

import (
	"context"
	"sync"
	"time"
)

// MemoryCounterStore is an in-process sliding-window store with the same
// admission semantics as the Redis backend. Suitable for tests and
// single-instance deployments only: counters are not shared.
type MemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

// NewMemoryCounterStore builds an empty store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Incr records one request for key.
func (s *MemoryCounterStore) Incr(ctx context.Context, key string, policy Policy) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-policy.Window)

	kept := s.windows[key][:0]
	for _, ts := range s.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	allowed := len(kept) < policy.Limit
	if allowed {
		kept = append(kept, now)
	}
	s.windows[key] = kept

	oldest := now
	if len(kept) > 0 {
		oldest = kept[0]
	}
	decision := Decision{
		Allowed:   allowed,
		Limit:     policy.Limit,
		Remaining: max(policy.Limit-len(kept), 0),
		Reset:     oldest.Add(policy.Window),
	}
	if !allowed {
		decision.RetryAfter = decision.Reset.Sub(now)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
	}
	return decision, nil
}
