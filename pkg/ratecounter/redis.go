package ratecounter

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// checkAndDecrementScript implements a fixed-window token bucket atomically.
// KEYS[1] is the bucket key, ARGV[1] is the bucket limit, ARGV[2] is the
// window in seconds, ARGV[3] is the cost. On the first hit of a window the
// key is initialised to limit and an expiry is set; every call thereafter
// decrements if enough tokens remain. Returns {allowed, remaining, ttl}.
var checkAndDecrementScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])

local remaining = tonumber(redis.call("GET", key))
if remaining == nil then
	remaining = limit
	redis.call("SET", key, remaining, "EX", window)
end

local ttl = redis.call("TTL", key)
if ttl < 0 then
	ttl = window
	redis.call("EXPIRE", key, window)
end

if remaining < cost then
	return {0, remaining, ttl}
end

remaining = redis.call("DECRBY", key, cost)
return {1, remaining, ttl}
`)

// RedisGateway is the production RateCounter gateway backed by Redis.
type RedisGateway struct {
	redis  *redis.Client
	limits map[Category]Limit
}

// NewRedisGateway creates a gateway using the given Redis client and limit
// table (pass ratecounter.DefaultLimits for the built-in configuration).
func NewRedisGateway(rdb *redis.Client, limits map[Category]Limit) *RedisGateway {
	return &RedisGateway{redis: rdb, limits: limits}
}

func bucketKey(userID uuid.UUID, category Category) string {
	return fmt.Sprintf("ratecounter:%s:%s", userID, category)
}

// CheckAndDecrement implements Gateway.
func (g *RedisGateway) CheckAndDecrement(ctx context.Context, userID uuid.UUID, category Category, cost int) (Result, error) {
	limit, ok := g.limits[category]
	if !ok {
		return Result{}, fmt.Errorf("unknown rate limit category %q", category)
	}

	key := bucketKey(userID, category)
	res, err := checkAndDecrementScript.Run(ctx, g.redis, []string{key},
		limit.Count, int(limit.Window.Seconds()), cost,
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("running check_and_decrement script: %w", err)
	}

	allowed := res[0].(int64) == 1
	remaining := res[1].(int64)
	ttl := res[2].(int64)

	return Result{
		Allowed:        allowed,
		Limit:          limit.Count,
		Remaining:      int(remaining),
		ResetAfterSecs: int(ttl),
	}, nil
}

// Snapshot implements Gateway.
func (g *RedisGateway) Snapshot(ctx context.Context, userID uuid.UUID) (map[Category]RateState, error) {
	out := make(map[Category]RateState, len(g.limits))

	pipe := g.redis.Pipeline()
	getCmds := make(map[Category]*redis.StringCmd, len(g.limits))
	ttlCmds := make(map[Category]*redis.DurationCmd, len(g.limits))
	for category := range g.limits {
		key := bucketKey(userID, category)
		getCmds[category] = pipe.Get(ctx, key)
		ttlCmds[category] = pipe.TTL(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("fetching rate limit snapshot: %w", err)
	}

	for category, limit := range g.limits {
		remaining := limit.Count
		if v, err := getCmds[category].Int(); err == nil {
			remaining = v
		}

		resetAfter := int(limit.Window.Seconds())
		if ttl, err := ttlCmds[category].Result(); err == nil && ttl > 0 {
			resetAfter = int(ttl.Seconds())
		}

		out[category] = RateState{
			Limit:          limit.Count,
			Remaining:      remaining,
			ResetAfterSecs: resetAfter,
		}
	}

	return out, nil
}

// Increment implements Gateway. Restores n tokens, capped at the bucket
// limit, without resetting the window's expiry.
func (g *RedisGateway) Increment(ctx context.Context, userID uuid.UUID, category Category, n int) error {
	limit, ok := g.limits[category]
	if !ok {
		return fmt.Errorf("unknown rate limit category %q", category)
	}

	key := bucketKey(userID, category)
	newVal, err := g.redis.IncrBy(ctx, key, int64(n)).Result()
	if err != nil {
		return fmt.Errorf("incrementing rate limit bucket: %w", err)
	}
	if newVal > int64(limit.Count) {
		if err := g.redis.Do(ctx, "SET", key, limit.Count, "KEEPTTL").Err(); err != nil {
			return fmt.Errorf("capping rate limit bucket: %w", err)
		}
	}
	return nil
}
