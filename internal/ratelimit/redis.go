package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/churnguard/churnguard/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// fixedWindowLua is the Lua source for atomic fixed-window counting.
//
// Uses HMGET for deterministic field ordering. The caller supplies the
// current time so the window boundary does not depend on Redis server
// clocks (and so the script works under test servers with frozen time).
// A key already at its limit is not incremented: repeated calls while
// blocked neither extend the window nor push count past the maximum.
//
// Returns {allowed (0|1), count, reset_at_ms}.
//
// Keys: KEYS[1] = counter key.
// Args: ARGV[1] = limit, ARGV[2] = window (ms), ARGV[3] = now (ms).
const fixedWindowLua = `
local key       = KEYS[1]
local limit     = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms    = tonumber(ARGV[3])

local vals = redis.call('hmget', key, 'count', 'reset_at')
local count    = tonumber(vals[1]) or 0
local reset_at = tonumber(vals[2]) or 0

if reset_at == 0 or now_ms >= reset_at then
  count = 1
  reset_at = now_ms + window_ms
  redis.call('hset', key, 'count', count, 'reset_at', reset_at)
  redis.call('pexpireat', key, reset_at)
  return {1, count, reset_at}
end

if count >= limit then
  return {0, count, reset_at}
end

count = count + 1
redis.call('hset', key, 'count', count)
return {1, count, reset_at}
`

// fixedWindowScript precomputes the SHA1 digest that Redis expects for
// EVALSHA, avoiding a direct crypto/sha1 import in this package.
var fixedWindowScript = goredis.NewScript(fixedWindowLua)

// RedisStore keeps fixed-window counters in Redis so all instances share
// one view of each client's budget. The increment-and-read is a single Lua
// script, executed via EVALSHA with an EVAL fallback on NOSCRIPT.
type RedisStore struct {
	client    redis.Client
	logger    *slog.Logger
	keyPrefix string
	hash      string
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client redis.Client, keyPrefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		logger:    logger,
		keyPrefix: keyPrefix,
		hash:      fixedWindowScript.Hash(),
	}
}

// Ping checks connectivity to the backing Redis, satisfying the health
// checker's deep readiness probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Incr implements Store.
func (s *RedisStore) Incr(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (*Result, error) {
	fullKey := s.keyPrefix + key

	cmd := s.client.EvalSha(ctx, s.hash, []string{fullKey}, limit, window.Milliseconds(), now.UnixMilli())
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		s.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", fullKey, "error", cmd.Err())
		cmd = s.client.Eval(ctx, fixedWindowLua, []string{fullKey}, limit, window.Milliseconds(), now.UnixMilli())
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}

	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}
	if len(arr) != 3 {
		return nil, fmt.Errorf("script returned %d elements, want 3", len(arr))
	}

	allowed, err := toInt64(arr[0])
	if err != nil {
		return nil, fmt.Errorf("parsing allowed: %w", err)
	}
	count, err := toInt64(arr[1])
	if err != nil {
		return nil, fmt.Errorf("parsing count: %w", err)
	}
	resetAtMs, err := toInt64(arr[2])
	if err != nil {
		return nil, fmt.Errorf("parsing reset_at: %w", err)
	}

	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}

	return &Result{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		Limit:     limit,
		ResetAt:   time.UnixMilli(resetAtMs),
	}, nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.keyPrefix+key).Err()
}

// Close implements Store. The Redis client is owned by the caller that
// supplied it and stays open; a replaced registry must not sever the
// connection its successor is counting on.
func (s *RedisStore) Close() error {
	return nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}

func isConnectivityErr(err error) bool {
	return redis.IsConnectivityErr(err)
}
