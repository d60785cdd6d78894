// Package ratelimit implements gateway-wide and per-key rate limiting using
// Redis sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const (
	globalKey    = "routiium:ratelimit:rpm"
	perKeyPrefix = "routiium:ratelimit:key:"
)

// RPMLimiter checks requests-per-minute limits using Redis sliding windows:
// one global window for the whole gateway and, optionally, one window per
// verified API key.
type RPMLimiter struct {
	rdb         *redis.Client
	rpmLimit    int
	perKeyLimit int
}

// NewRPMLimiter creates a new RPMLimiter. rpmLimit must be > 0; values ≤ 0
// block every request. perKeyLimit ≤ 0 disables the per-key window.
func NewRPMLimiter(rdb *redis.Client, rpmLimit, perKeyLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, perKeyLimit: perKeyLimit}
}

// Allow returns true if the current request is within the global rate limit.
func (r *RPMLimiter) Allow(ctx context.Context) (bool, error) {
	return r.check(ctx, globalKey, r.rpmLimit)
}

// AllowKey returns true if the request is within the per-key rate limit.
// Always true when no per-key limit is configured or keyID is empty.
func (r *RPMLimiter) AllowKey(ctx context.Context, keyID string) (bool, error) {
	if r.perKeyLimit <= 0 || keyID == "" {
		return true, nil
	}
	return r.check(ctx, perKeyPrefix+keyID, r.perKeyLimit)
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
