package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter enforces system-wide admission rate limits against Redis: a token
// bucket for burst smoothing plus fixed windows for per-minute/hour/day caps.
type Limiter struct {
	client *redis.Client
	prefix string
}

// New builds a limiter on an existing Redis client.
func New(client *redis.Client) *Limiter {
	return &Limiter{client: client, prefix: "sched:rl:"}
}

// AllowBucket consumes one token from the named bucket if available. Returns
// the allowed flag and the remaining token count.
func (l *Limiter) AllowBucket(ctx context.Context, key string, capacity int, refillPerSecond float64) (bool, float64, error) {
	if capacity <= 0 {
		return true, 0, nil
	}
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{l.prefix + key}, capacity, refillPerSecond, now, time.Hour.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("bucket script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket script result: %T", res)
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

// AllowWindow increments a fixed-window counter and reports whether the count
// stays within the limit. A non-positive limit disables the window.
func (l *Limiter) AllowWindow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	res, err := windowScript.Run(ctx, l.client, []string{l.prefix + key}, window.Milliseconds(), limit).Result()
	if err != nil {
		return false, fmt.Errorf("window script: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected window script result: %T", res)
	}
	return n == 1, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)

var windowScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

local count = redis.call('INCR', key)
if count == 1 then
  redis.call('PEXPIRE', key, ttl)
end
if count > limit then
  return 0
end
return 1
`)
