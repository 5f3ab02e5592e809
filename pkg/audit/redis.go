package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends events to a capped Redis sorted set, scored by event
// time. Old entries are trimmed so the set stays bounded.
type RedisSink struct {
	client redis.UniversalClient
	key    string
	keep   int64
}

// NewRedisSink wraps an existing client. keep bounds the retained entries;
// values below 1 default to 10000.
func NewRedisSink(client redis.UniversalClient, key string, keep int64) *RedisSink {
	if key == "" {
		key = "tollgate:audit"
	}
	if keep < 1 {
		keep = 10000
	}
	return &RedisSink{client: client, key: key, keep: keep}
}

// Emit appends the event and trims the set to the newest entries.
func (s *RedisSink) Emit(ctx context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(event.Timestamp.UnixNano()),
		Member: string(raw),
	})
	pipe.ZRemRangeByRank(ctx, s.key, 0, -(s.keep + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("audit: append event: %w", err)
	}
	return nil
}
