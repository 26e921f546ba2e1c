package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps fixed-window counters in a plain locked map. Expired
// entries are swept inline on every Incr, so the map never holds stale
// windows and memory stays proportional to the set of clients active
// within one window.
//
// Counters are per-process. When this store backs the Redis fallback,
// the effective limit under a Redis outage is per-instance, not global.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*windowEntry),
	}
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, key string, limit int, window time.Duration, now time.Time) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.entries {
		if !now.Before(e.resetAt) {
			delete(s.entries, k)
		}
	}

	e, ok := s.entries[key]
	if !ok {
		e = &windowEntry{resetAt: now.Add(window)}
		s.entries[key] = e
	}

	// A blocked key is not incremented: repeated calls while over the limit
	// neither extend the window nor push count past the maximum.
	if e.count >= limit {
		return &Result{
			Allowed:   false,
			Remaining: 0,
			Limit:     limit,
			ResetAt:   e.resetAt,
		}, nil
	}
	e.count++

	return &Result{
		Allowed:   true,
		Remaining: limit - e.count,
		Limit:     limit,
		ResetAt:   e.resetAt,
	}, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of live entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close implements Store. The map is dropped for the garbage collector.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*windowEntry)
	return nil
}
