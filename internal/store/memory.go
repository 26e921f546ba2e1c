package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Subscriptions implementation. It seeds a
// subscription on first read so any userID the sanitizer accepts resolves to
// an active plan, which keeps local development free of fixture setup.
//
// FailWrites forces every mutating call to report false, letting tests
// exercise the persistence-failure paths.
type MemoryStore struct {
	mu      sync.Mutex
	subs    map[string]Subscription
	records []CancellationRecord

	failWrites bool

	defaultPriceCents int
}

// DefaultPriceCents is the seeded monthly price for unknown users.
const DefaultPriceCents = 2500

// NewMemoryStore returns an empty store seeding new users at DefaultPriceCents.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:              make(map[string]Subscription),
		defaultPriceCents: DefaultPriceCents,
	}
}

// SetFailWrites toggles forced failure of all mutating calls.
func (s *MemoryStore) SetFailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

// GetUserSubscription returns the user's subscription, seeding an active one
// on first access.
func (s *MemoryStore) GetUserSubscription(_ context.Context, userID string) (Subscription, bool) {
	if userID == "" {
		return Subscription{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		sub = Subscription{
			UserID:     userID,
			PlanName:   "monthly",
			Status:     "active",
			PriceCents: s.defaultPriceCents,
			UpdatedAt:  time.Now().UTC(),
		}
		s.subs[userID] = sub
	}
	return sub, true
}

// UpdateSubscriptionStatus transitions the subscription to the given status.
func (s *MemoryStore) UpdateSubscriptionStatus(_ context.Context, userID, status string) bool {
	if userID == "" || status == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return false
	}
	sub, ok := s.subs[userID]
	if !ok {
		sub = Subscription{UserID: userID, PlanName: "monthly", PriceCents: s.defaultPriceCents}
	}
	sub.Status = status
	sub.UpdatedAt = time.Now().UTC()
	s.subs[userID] = sub
	return true
}

// CreateCancellationRecord appends one completion record.
func (s *MemoryStore) CreateCancellationRecord(_ context.Context, rec CancellationRecord) bool {
	if rec.UserID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return false
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.records = append(s.records, rec)
	return true
}

// HandleCancellationCompletion updates the subscription status and records
// the completion. Both writes must succeed.
func (s *MemoryStore) HandleCancellationCompletion(ctx context.Context, userID, variant, reason string) bool {
	if !s.UpdateSubscriptionStatus(ctx, userID, "cancelled") {
		return false
	}
	return s.CreateCancellationRecord(ctx, CancellationRecord{
		UserID:  userID,
		Variant: variant,
		Reason:  reason,
	})
}

// Records returns a copy of all persisted cancellation records.
func (s *MemoryStore) Records() []CancellationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CancellationRecord, len(s.records))
	copy(out, s.records)
	return out
}

// SetSubscription installs a subscription directly, bypassing seeding.
func (s *MemoryStore) SetSubscription(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.UserID] = sub
}
