// Package ratelimit implements fixed-window rate limiting with independent
// named scopes. Counters live either in local memory or in Redis (atomic via
// a Lua script); the Redis backend degrades to an in-memory fallback when
// Redis is unreachable.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/churnguard/churnguard/internal/config"
)

// ErrLimiterClosed is returned when Check is called after Close.
var ErrLimiterClosed = errors.New("limiter is closed")

// Result holds the outcome of a single rate-limit check.
type Result struct {
	Allowed   bool
	Remaining int       // requests left in the current window, never negative
	Limit     int       // window capacity
	ResetAt   time.Time // when the current window ends and the count resets
}

// RetryAfter returns how long the caller should wait before retrying,
// measured from now. Meaningful only when Allowed is false.
func (r *Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Store records one request against a key and reports the window state.
// A key already at its limit is not incremented: repeated calls while
// blocked neither extend the window nor push the count past the maximum.
type Store interface {
	Incr(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (*Result, error)
	// Reset clears the counter for a key, starting a fresh window on the
	// next request.
	Reset(ctx context.Context, key string) error
	Close() error
}

// Limiter is one named fixed-window scope. Each scope has its own limit,
// window, and key namespace, so the same client identity is counted
// independently per scope.
type Limiter struct {
	scope    string
	limit    int
	window   time.Duration
	primary  Store
	fallback Store // nil when primary is already in-memory
	logger   *slog.Logger
	closed   atomic.Bool
}

// NewLimiter creates a limiter for one scope. fallback may be nil; when set,
// it takes over transparently whenever primary returns a connectivity error.
func NewLimiter(scope string, cfg config.ScopeConfig, defWindow time.Duration, primary, fallback Store, logger *slog.Logger) *Limiter {
	return &Limiter{
		scope:    scope,
		limit:    cfg.MaxRequests,
		window:   cfg.WindowDuration(defWindow),
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// Scope returns the limiter's scope name.
func (l *Limiter) Scope() string { return l.scope }

// Limit returns the window capacity.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the window duration.
func (l *Limiter) Window() time.Duration { return l.window }

// Check counts the request identified by key against this scope's window.
// A Redis connectivity failure falls back to local counting rather than
// failing the request; any other store error is returned to the caller.
func (l *Limiter) Check(ctx context.Context, key string) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}

	fullKey := l.scope + ":" + key
	now := time.Now()

	res, err := l.primary.Incr(ctx, fullKey, l.limit, l.window, now)
	if err == nil {
		return res, nil
	}

	if l.fallback == nil || !isConnectivityErr(err) {
		return nil, err
	}

	l.logger.Warn("limiter store unreachable, counting in memory",
		"scope", l.scope, "error", err)

	return l.fallback.Incr(ctx, fullKey, l.limit, l.window, now)
}

// Reset clears the counter for key in this scope on both stores.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if l.closed.Load() {
		return ErrLimiterClosed
	}

	fullKey := l.scope + ":" + key
	err := l.primary.Reset(ctx, fullKey)
	if l.fallback != nil {
		if ferr := l.fallback.Reset(ctx, fullKey); err == nil {
			err = ferr
		}
	}
	return err
}

// Close marks the limiter closed. Store lifecycles are owned by the
// Registry, since scopes share a backend. Subsequent Check calls return
// ErrLimiterClosed. Safe to call while Check is in flight on other
// goroutines; a hot reload closes the replaced registry under live traffic.
func (l *Limiter) Close() {
	l.closed.Store(true)
}
