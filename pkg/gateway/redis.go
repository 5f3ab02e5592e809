package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript admits a request iff fewer than `limit` entries fall
// inside the window ending now. It runs atomically on the Redis side so
// concurrent requests from the same identity cannot race past the limit.
// Returns {allowed, count, oldest_score_micros}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
    redis.call("ZADD", key, now, member)
    allowed = 1
    count = count + 1
end
redis.call("PEXPIRE", key, math.ceil(window / 1000))
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local oldest_score = now
if oldest[2] then
    oldest_score = tonumber(oldest[2])
end
return {allowed, count, oldest_score}
`)

// RedisCounterStore is the shared sliding-window backend.
type RedisCounterStore struct {
	client redis.UniversalClient
}

// NewRedisCounterStore wraps client.
func NewRedisCounterStore(client redis.UniversalClient) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

// Incr records one request for key and reports the resulting quota state.
func (s *RedisCounterStore) Incr(ctx context.Context, key string, policy Policy) (Decision, error) {
	now := time.Now()
	res, err := slidingWindowScript.Run(ctx, s.client,
		[]string{key},
		now.UnixMicro(),
		policy.Window.Microseconds(),
		policy.Limit,
		uuid.New().String(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("gateway: sliding window eval: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("gateway: sliding window returned %d values", len(res))
	}

	allowed := res[0] == 1
	count := int(res[1])
	oldest := time.UnixMicro(res[2])

	decision := Decision{
		Allowed:   allowed,
		Limit:     policy.Limit,
		Remaining: max(policy.Limit-count, 0),
		Reset:     oldest.Add(policy.Window),
	}
	if !allowed {
		decision.RetryAfter = time.Until(decision.Reset)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
	}
	return decision, nil
}

// RedisKeyring resolves API-key fingerprints against a shared set maintained
// by key management.
type RedisKeyring struct {
	client redis.UniversalClient
	setKey string
}

// NewRedisKeyring wraps client; setKey defaults to "tollgate:apikeys".
func NewRedisKeyring(client redis.UniversalClient, setKey string) *RedisKeyring {
	if setKey == "" {
		setKey = "tollgate:apikeys"
	}
	return &RedisKeyring{client: client, setKey: setKey}
}

// Active reports whether fingerprint belongs to an active key.
func (k *RedisKeyring) Active(ctx context.Context, fingerprint string) (bool, error) {
	ok, err := k.client.SIsMember(ctx, k.setKey, fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("gateway: keyring lookup: %w", err)
	}
	return ok, nil
}
