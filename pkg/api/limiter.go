package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// LimiterStore enforces per-agent and per-api-key token buckets.
type LimiterStore interface {
	Allow(ctx context.Context, actorID string, rpm, burst, cost int) (bool, error)
}

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix timestamp (seconds)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiterStore implements LimiterStore over Redis; buckets are
// shared across instances.
type RedisLimiterStore struct {
	client *redis.Client
}

func NewRedisLimiterStore(addr, password string, db int) *RedisLimiterStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLimiterStore{client: rdb}
}

func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, rpm, burst, cost int) (bool, error) {
	key := fmt.Sprintf("limiter:%s", actorID)

	refill := float64(rpm) / 60.0
	if refill <= 0 {
		refill = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key}, refill, burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// MemoryLimiterStore is the single-process LimiterStore.
type MemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{buckets: make(map[string]*rate.Limiter)}
}

func (s *MemoryLimiterStore) Allow(ctx context.Context, actorID string, rpm, burst, cost int) (bool, error) {
	_ = ctx
	s.mu.Lock()
	limiter, ok := s.buckets[actorID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
		s.buckets[actorID] = limiter
	}
	s.mu.Unlock()
	return limiter.AllowN(time.Now(), cost), nil
}
