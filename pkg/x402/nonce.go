package x402

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore records spent proof nonces. Claim must be atomic: two concurrent
// proofs with the same nonce cannot both be fresh.
type NonceStore interface {
	// Claim marks nonce as spent for ttl and reports whether it was fresh.
	Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// RedisNonceStore shares spent nonces across instances.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisNonceStore wraps client; prefix defaults to "tollgate:nonce:".
func NewRedisNonceStore(client redis.UniversalClient, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "tollgate:nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix}
}

// Claim records the nonce with SETNX semantics.
func (s *RedisNonceStore) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	fresh, err := s.client.SetNX(ctx, s.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("x402: claim nonce: %w", err)
	}
	return fresh, nil
}

// MemoryNonceStore is the in-process store for tests and single-instance
// deployments.
type MemoryNonceStore struct {
	mu    sync.Mutex
	spent map[string]time.Time
}

// NewMemoryNonceStore builds an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{spent: make(map[string]time.Time)}
}

// Claim records the nonce, pruning expired entries as it goes.
func (s *MemoryNonceStore) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for n, expiry := range s.spent {
		if now.After(expiry) {
			delete(s.spent, n)
		}
	}
	if _, taken := s.spent[nonce]; taken {
		return false, nil
	}
	s.spent[nonce] = now.Add(ttl)
	return true, nil
}
