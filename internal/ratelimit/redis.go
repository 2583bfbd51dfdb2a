package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow keeps one sorted-set member per accepted request, scored by
// its timestamp in milliseconds. Rejected requests are not recorded.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {allowed, limit - count, reset}
`)

// RedisStore is a Store backed by a Redis sorted set per key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client; keys are namespaced under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Consume implements Store.
func (s *RedisStore) Consume(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Snapshot, error) {
	vals, err := slidingWindow.Run(ctx, s.client,
		[]string{s.prefix + ":" + key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Snapshot{}, fmt.Errorf("redis sliding window: %w", err)
	}
	if len(vals) != 3 {
		return Snapshot{}, fmt.Errorf("redis sliding window: unexpected reply length %d", len(vals))
	}
	remaining := int(vals[1])
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		Limit:     limit,
		Remaining: remaining,
		Reset:     vals[2],
		Allowed:   vals[0] == 1,
	}, nil
}

// Ping checks connectivity to the counter store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
