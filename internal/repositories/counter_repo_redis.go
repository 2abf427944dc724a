package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// The scripts derive bucket keys (KEYS[1]..":"..idx) and the window key (KEYS[1]..":w")
// that are not declared in KEYS. This only works on Redis Cluster because baseKey wraps
// the counter key in a hash tag, so every derived key maps to the slot of KEYS[1].
// Do not drop the braces from baseKey.

// KEYS[1] = base key (hash-tagged), ARGV[1] = now ms, ARGV[2] = window ms
const incrementCounterScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local idx = math.floor(now / window)
local cur_key = KEYS[1] .. ":" .. idx
local prev_key = KEYS[1] .. ":" .. (idx - 1)

local cur = redis.call("INCR", cur_key)
if cur == 1 then
  redis.call("PEXPIRE", cur_key, window * 2)
end
redis.call("SET", KEYS[1] .. ":w", window, "PX", window * 2)

local prev = tonumber(redis.call("GET", prev_key) or "0")
return {cur, prev, now - idx * window}
`

// KEYS[1] = base key, ARGV[1] = now ms
const peekCounterScript = `
local window = tonumber(redis.call("GET", KEYS[1] .. ":w") or "0")
if window == 0 then
  return {0, 0, 0, 0}
end
local now = tonumber(ARGV[1])
local idx = math.floor(now / window)
local cur = tonumber(redis.call("GET", KEYS[1] .. ":" .. idx) or "0")
local prev = tonumber(redis.call("GET", KEYS[1] .. ":" .. (idx - 1)) or "0")
return {cur, prev, now - idx * window, window}
`

// KEYS[1] = base key, ARGV[1] = now ms
const resetCounterScript = `
local window = tonumber(redis.call("GET", KEYS[1] .. ":w") or "0")
if window == 0 then
  return 0
end
local idx = math.floor(tonumber(ARGV[1]) / window)
return redis.call("DEL", KEYS[1] .. ":" .. idx, KEYS[1] .. ":" .. (idx - 1), KEYS[1] .. ":w")
`

var (
	incrementCounterLua = redis.NewScript(incrementCounterScript)
	peekCounterLua      = redis.NewScript(peekCounterScript)
	resetCounterLua     = redis.NewScript(resetCounterScript)
)

// RedisCounterStore implements the two-bucket sliding window counter in Redis.
// Each operation is a single Lua script, so increment-and-read is atomic across instances.
type RedisCounterStore struct {
	redis     redis.UniversalClient
	prefix    string
	opTimeout time.Duration
	now       func() time.Time
}

// NewRedisCounterStore creates a RedisCounterStore. opTimeout bounds every call.
func NewRedisCounterStore(client redis.UniversalClient, prefix string, opTimeout time.Duration) *RedisCounterStore {
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}
	return &RedisCounterStore{
		redis:     client,
		prefix:    prefix,
		opTimeout: opTimeout,
		now:       time.Now,
	}
}

// WithClock overrides the clock used to pick window buckets
func (s *RedisCounterStore) WithClock(now func() time.Time) *RedisCounterStore {
	s.now = now
	return s
}

// hash tag keeps all buckets of a key on one cluster slot
func (s *RedisCounterStore) baseKey(key string) string {
	return s.prefix + "{" + key + "}"
}

// Increment atomically adds one to the current bucket and returns the sliding estimate
func (s *RedisCounterStore) Increment(ctx context.Context, key string, window time.Duration) (CounterResult, error) {
	if window < time.Millisecond {
		return CounterResult{}, models.NewValidationError("window", "must be at least 1ms")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	vals, err := incrementCounterLua.Run(ctx, s.redis,
		[]string{s.baseKey(key)},
		s.now().UnixMilli(), window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return CounterResult{}, fmt.Errorf("%w: counter increment: %v", models.ErrDependencyUnavailable, err)
	}
	if len(vals) != 3 {
		return CounterResult{}, fmt.Errorf("%w: unexpected counter reply length %d", models.ErrDependencyUnavailable, len(vals))
	}

	elapsed := time.Duration(vals[2]) * time.Millisecond
	return CounterResult{
		Count:           slidingEstimate(vals[1], vals[0], elapsed, window),
		WindowRemaining: window - elapsed,
	}, nil
}

// Peek returns the current sliding estimate without consuming
func (s *RedisCounterStore) Peek(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	vals, err := peekCounterLua.Run(ctx, s.redis, []string{s.baseKey(key)}, s.now().UnixMilli()).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("%w: counter peek: %v", models.ErrDependencyUnavailable, err)
	}
	if len(vals) != 4 || vals[3] == 0 {
		return 0, nil
	}

	window := time.Duration(vals[3]) * time.Millisecond
	return slidingEstimate(vals[1], vals[0], time.Duration(vals[2])*time.Millisecond, window), nil
}

// Reset clears the counter so the next increment starts a fresh window
func (s *RedisCounterStore) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := resetCounterLua.Run(ctx, s.redis, []string{s.baseKey(key)}, s.now().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("%w: counter reset: %v", models.ErrDependencyUnavailable, err)
	}
	return nil
}

// Ping checks connectivity for the health endpoint
func (s *RedisCounterStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", models.ErrDependencyUnavailable, err)
	}
	return nil
}
