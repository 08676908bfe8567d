// Package ratelimit throttles submissions per tenant with a token bucket
// shared by every API instance through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the next token is available; zero when allowed.
	RetryAfter time.Duration
}

// TokenBucket is a distributed token bucket keyed by tenant.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
	now      func() time.Time
}

// NewTokenBucket builds a bucket holding capacity tokens refilled at refillPerSecond.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   "ratelimit:tenant:",
		now:      time.Now,
	}
}

// Allow consumes one token from tenant's bucket when one is available.
func (b *TokenBucket) Allow(ctx context.Context, tenant string) (Decision, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + tenant},
		b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", tenant, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", tenant, res)
	}
	allowed, _ := arr[0].(int64)
	// Lua numbers come back truncated to integers; the script returns milli-tokens.
	milli, _ := arr[1].(int64)

	d := Decision{Allowed: allowed == 1, Remaining: float64(milli) / 1000}
	if !d.Allowed {
		d.RetryAfter = b.retryAfter(d.Remaining)
	}
	return d, nil
}

func (b *TokenBucket) retryAfter(remaining float64) time.Duration {
	if b.refill <= 0 {
		return b.ttl
	}
	missing := math.Max(0, 1-remaining)
	return time.Duration(math.Ceil(missing/b.refill*1000)) * time.Millisecond
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', tostring(now))
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens * 1000)}
`)
