// Package params caches suggested network parameters. Entries are immutable
// snapshots with a TTL; a cache race at worst causes one redundant upstream
// fetch, never a corrupt entry.
package params

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentrails/tollgate/pkg/ledger"
)

// Source produces fresh suggested parameters. ledger.Client satisfies it.
type Source interface {
	SuggestedParams(ctx context.Context) (ledger.SuggestedParams, error)
}

// Store is the optional shared cache backend (get / set-with-TTL).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

const cacheKey = "tollgate:params"

type snapshot struct {
	Params    ledger.SuggestedParams `json:"params"`
	FetchedAt time.Time              `json:"fetchedAt"`
}

// Cache serves suggested parameters from a process-local copy, then the
// shared store, then the upstream source. Shared-store failures degrade to an
// upstream fetch rather than failing the caller.
type Cache struct {
	source Source
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	mu   sync.RWMutex
	snap *snapshot
}

// NewCache builds a cache over source. store may be nil (local-only mode).
func NewCache(source Source, store Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{source: source, store: store, ttl: ttl, logger: logger}
}

// Get returns the current suggested parameters, fetching upstream only when
// both the local copy and the shared entry are missing or stale.
func (c *Cache) Get(ctx context.Context) (ledger.SuggestedParams, error) {
	now := time.Now()

	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if snap != nil && now.Sub(snap.FetchedAt) < c.ttl {
		return snap.Params, nil
	}

	if shared := c.fromStore(ctx, now); shared != nil {
		c.adopt(shared)
		return shared.Params, nil
	}

	fresh, err := c.source.SuggestedParams(ctx)
	if err != nil {
		return ledger.SuggestedParams{}, fmt.Errorf("params: fetch suggested params: %w", err)
	}
	snap = &snapshot{Params: fresh, FetchedAt: now}
	c.adopt(snap)
	c.toStore(ctx, snap)
	return fresh, nil
}

func (c *Cache) adopt(snap *snapshot) {
	c.mu.Lock()
	// Keep whichever snapshot is newer; concurrent fetches may finish out of
	// order.
	if c.snap == nil || snap.FetchedAt.After(c.snap.FetchedAt) {
		c.snap = snap
	}
	c.mu.Unlock()
}

func (c *Cache) fromStore(ctx context.Context, now time.Time) *snapshot {
	if c.store == nil {
		return nil
	}
	raw, ok, err := c.store.Get(ctx, cacheKey)
	if err != nil {
		c.logger.Warn("params: shared cache read failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.logger.Warn("params: shared cache entry malformed", "error", err)
		return nil
	}
	if now.Sub(snap.FetchedAt) >= c.ttl {
		return nil
	}
	return &snap
}

func (c *Cache) toStore(ctx context.Context, snap *snapshot) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.store.SetTTL(ctx, cacheKey, raw, c.ttl); err != nil {
		c.logger.Warn("params: shared cache write failed", "error", err)
	}
}
