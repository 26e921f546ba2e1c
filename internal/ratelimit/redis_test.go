package ratelimit

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/churnguard/churnguard/internal/config"
	"github.com/churnguard/churnguard/internal/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.Default()

func newTestRedisClient(t *testing.T) (redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoint: mr.Addr(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisStoreIncr(t *testing.T) {
	t.Run("allows requests up to the limit", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		s := NewRedisStore(client, "rl:test:", testLogger)
		now := time.Now()

		for i := 0; i < 5; i++ {
			res, err := s.Incr(context.Background(), "k", 5, time.Minute, now)
			require.NoError(t, err)
			assert.True(t, res.Allowed, "request %d should be allowed", i)
			assert.Equal(t, 5-(i+1), res.Remaining)
		}
	})

	t.Run("denies requests past the limit", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		s := NewRedisStore(client, "rl:test:", testLogger)
		now := time.Now()

		for i := 0; i < 3; i++ {
			_, err := s.Incr(context.Background(), "k", 3, time.Minute, now)
			require.NoError(t, err)
		}

		res, err := s.Incr(context.Background(), "k", 3, time.Minute, now)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, 0, res.Remaining)
	})

	t.Run("reset time is stable within a window", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		s := NewRedisStore(client, "rl:test:", testLogger)
		now := time.Now()

		first, err := s.Incr(context.Background(), "k", 5, time.Minute, now)
		require.NoError(t, err)

		second, err := s.Incr(context.Background(), "k", 5, time.Minute, now.Add(10*time.Second))
		require.NoError(t, err)
		assert.Equal(t, first.ResetAt.UnixMilli(), second.ResetAt.UnixMilli())
	})

	t.Run("window rollover starts a fresh count", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		s := NewRedisStore(client, "rl:test:", testLogger)
		now := time.Now()

		for i := 0; i < 4; i++ {
			_, err := s.Incr(context.Background(), "k", 3, time.Minute, now)
			require.NoError(t, err)
		}

		res, err := s.Incr(context.Background(), "k", 3, time.Minute, now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2, res.Remaining)
	})

	t.Run("keys have independent windows", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		s := NewRedisStore(client, "rl:test:", testLogger)
		now := time.Now()

		for i := 0; i < 2; i++ {
			_, err := s.Incr(context.Background(), "a", 2, time.Minute, now)
			require.NoError(t, err)
		}
		res, err := s.Incr(context.Background(), "a", 2, time.Minute, now)
		require.NoError(t, err)
		assert.False(t, res.Allowed)

		res, err = s.Incr(context.Background(), "b", 2, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("works after the script cache is flushed", func(t *testing.T) {
		client, mr := newTestRedisClient(t)

		var logBuf bytes.Buffer
		debugLogger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		s := NewRedisStore(client, "rl:test:", debugLogger)
		now := time.Now()

		res, err := s.Incr(context.Background(), "k", 5, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)

		// Force NOSCRIPT on the next EVALSHA.
		mr.FlushAll()

		res, err = s.Incr(context.Background(), "k", 5, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Contains(t, logBuf.String(), "falling back to EVAL")
	})

	t.Run("returns error when Redis is down", func(t *testing.T) {
		client, mr := newTestRedisClient(t)
		s := NewRedisStore(client, "rl:test:", testLogger)

		mr.Close()

		_, err := s.Incr(context.Background(), "k", 5, time.Minute, time.Now())
		assert.Error(t, err)
		assert.True(t, redis.IsConnectivityErr(err))
	})
}

func TestRedisStorePing(t *testing.T) {
	t.Run("reports a reachable store", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		s := NewRedisStore(client, "rl:test:", testLogger)
		assert.NoError(t, s.Ping(context.Background()))
	})

	t.Run("reports an unreachable store", func(t *testing.T) {
		client, mr := newTestRedisClient(t)
		s := NewRedisStore(client, "rl:test:", testLogger)

		mr.Close()
		assert.Error(t, s.Ping(context.Background()))
	})
}

func TestRedisStoreClose(t *testing.T) {
	t.Run("leaves the shared client open", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		s := NewRedisStore(client, "rl:test:", testLogger)

		require.NoError(t, s.Close())
		assert.NoError(t, client.Ping(context.Background()).Err())
	})
}

func TestRedisStoreReset(t *testing.T) {
	t.Run("reset clears the counter for one key", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		s := NewRedisStore(client, "rl:test:", testLogger)
		now := time.Now()

		for i := 0; i < 3; i++ {
			_, err := s.Incr(context.Background(), "k", 3, time.Minute, now)
			require.NoError(t, err)
		}

		require.NoError(t, s.Reset(context.Background(), "k"))

		res, err := s.Incr(context.Background(), "k", 3, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2, res.Remaining)
	})
}

func TestToInt64(t *testing.T) {
	t.Run("converts int64", func(t *testing.T) {
		v, err := toInt64(int64(42))
		require.NoError(t, err)
		assert.Equal(t, int64(42), v)
	})

	t.Run("converts string", func(t *testing.T) {
		v, err := toInt64("42")
		require.NoError(t, err)
		assert.Equal(t, int64(42), v)
	})

	t.Run("returns error for invalid string", func(t *testing.T) {
		_, err := toInt64("not-a-number")
		assert.Error(t, err)
	})
}
