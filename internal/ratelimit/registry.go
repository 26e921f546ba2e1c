package ratelimit

import (
	"log/slog"
	"time"

	"github.com/churnguard/churnguard/internal/config"
	"github.com/churnguard/churnguard/internal/redis"
)

// Scope names. Each scope counts the same client identity independently.
const (
	ScopeGeneral      = "general"
	ScopeAuth         = "auth"
	ScopeCancellation = "cancellation"
	ScopeFeedback     = "feedback"
)

// Registry holds the four limiter scopes and owns their backing stores.
// All scopes share one primary store; the Redis backend additionally
// shares one in-memory fallback.
type Registry struct {
	General      *Limiter
	Auth         *Limiter
	Cancellation *Limiter
	Feedback     *Limiter

	primary  Store
	fallback Store
}

// NewRegistry builds the scope limiters from configuration. When the
// backend is "redis", redisClient must be non-nil and every scope degrades
// to shared in-memory counting if Redis becomes unreachable.
func NewRegistry(cfg config.RateLimitConfig, redisClient redis.Client, logger *slog.Logger) *Registry {
	var primary, fallback Store

	switch cfg.Backend {
	case config.LimiterBackendRedis:
		primary = NewRedisStore(redisClient, cfg.KeyPrefix, logger)
		fallback = NewMemoryStore()
	default:
		primary = NewMemoryStore()
	}

	return &Registry{
		General:      NewLimiter(ScopeGeneral, cfg.General, 15*time.Minute, primary, fallback, logger),
		Auth:         NewLimiter(ScopeAuth, cfg.Auth, 15*time.Minute, primary, fallback, logger),
		Cancellation: NewLimiter(ScopeCancellation, cfg.Cancellation, time.Hour, primary, fallback, logger),
		Feedback:     NewLimiter(ScopeFeedback, cfg.Feedback, time.Hour, primary, fallback, logger),
		primary:      primary,
		fallback:     fallback,
	}
}

// Scopes returns all limiters, for iteration in tests and shutdown.
func (r *Registry) Scopes() []*Limiter {
	return []*Limiter{r.General, r.Auth, r.Cancellation, r.Feedback}
}

// RedisStore returns the primary store as a *RedisStore when the registry
// runs on the Redis backend, or nil for the memory backend.
func (r *Registry) RedisStore() *RedisStore {
	rs, _ := r.primary.(*RedisStore)
	return rs
}

// Close marks all limiters closed and releases the backing stores.
func (r *Registry) Close() error {
	for _, l := range r.Scopes() {
		l.Close()
	}

	err := r.primary.Close()
	if r.fallback != nil {
		if ferr := r.fallback.Close(); err == nil {
			err = ferr
		}
	}
	return err
}
