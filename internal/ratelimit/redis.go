package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript increments the counter and starts the window on first hit.
// Returns {count, remaining ttl in ms}.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local window_ms = tonumber(ARGV[1])

local count = redis.call('INCR', key)
if count == 1 then
    redis.call('PEXPIRE', key, window_ms)
end

local ttl = redis.call('PTTL', key)
if ttl < 0 then
    redis.call('PEXPIRE', key, window_ms)
    ttl = window_ms
end

return {count, ttl}
`)

// RedisStore shares window counters between replicas through Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Redis backed limiter; keys are prefixed with prefix
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// Allow implements Limiter
func (s *RedisStore) Allow(ctx context.Context, policy Policy, key string) (Decision, error) {
	result, err := windowScript.Run(ctx, s.client,
		[]string{s.prefix + storageKey(policy, key)},
		policy.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run rate limit script: %w", err)
	}
	if len(result) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %v", result)
	}

	resetAt := s.now().Add(time.Duration(result[1]) * time.Millisecond)
	return decide(policy, int(result[0]), resetAt), nil
}
