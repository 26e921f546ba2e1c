// Package store defines the contracts for the external collaborators the
// cancellation flow depends on: the subscription persistence layer and the
// payment processor. Both follow a success-boolean convention — a failed
// write reports false (or a failed PaymentResult) rather than an error, so
// handlers decide the HTTP outcome without unwinding through error chains.
//
// The in-memory implementations in this package back local development and
// tests. Production deployments swap in real clients behind the same
// interfaces.
package store

import (
	"context"
	"time"
)

// Subscription is the persisted view of a user's active plan.
type Subscription struct {
	UserID     string
	PlanName   string
	Status     string // "active", "cancelled", "downsell"
	PriceCents int
	UpdatedAt  time.Time
}

// CancellationRecord captures one completed pass through the cancellation
// flow, including the sanitized free-text reason and feedback.
type CancellationRecord struct {
	UserID    string
	Variant   string
	Reason    string
	Feedback  string
	CreatedAt time.Time
}

// Subscriptions is the persistence layer for subscription state. All methods
// return success booleans and never panic; callers translate false into a
// generic 500 and log the detail themselves.
type Subscriptions interface {
	// GetUserSubscription returns the user's subscription and whether one
	// exists.
	GetUserSubscription(ctx context.Context, userID string) (Subscription, bool)

	// UpdateSubscriptionStatus transitions the subscription to the given
	// status. Returns false when the user is unknown or the write fails.
	UpdateSubscriptionStatus(ctx context.Context, userID, status string) bool

	// CreateCancellationRecord persists one cancellation-flow completion.
	CreateCancellationRecord(ctx context.Context, rec CancellationRecord) bool

	// HandleCancellationCompletion runs the post-cancellation side effects
	// (status update plus record creation) as one logical operation.
	HandleCancellationCompletion(ctx context.Context, userID, variant, reason string) bool
}

// PaymentResult is the outcome of a downsell charge attempt.
type PaymentResult struct {
	Success       bool
	TransactionID string
	Error         string
}

// Payments processes downsell price changes.
type Payments interface {
	// ProcessDownsellPayment switches the user from the original price to
	// the discounted one. It respects ctx cancellation and reports failure
	// in the result, never by panicking.
	ProcessDownsellPayment(ctx context.Context, userID string, originalCents, downsellCents int) PaymentResult
}
