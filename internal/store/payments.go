package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// StubPayments is a Payments implementation that simulates a processor
// round-trip. Each successful call returns a fresh transaction ID after a
// short delay; the delay is bounded by the request context so a cancelled
// request never leaves processing hanging.
type StubPayments struct {
	mu       sync.Mutex
	failNext bool

	// Delay simulates processor latency. Zero means no delay.
	Delay time.Duration
}

// NewStubPayments returns a stub with a 50ms simulated processing delay.
func NewStubPayments() *StubPayments {
	return &StubPayments{Delay: 50 * time.Millisecond}
}

// SetFailNext makes the next ProcessDownsellPayment call report failure.
func (p *StubPayments) SetFailNext(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = fail
}

// ProcessDownsellPayment simulates switching the user to the discounted
// price. Invalid amounts and context cancellation report failure in the
// result.
func (p *StubPayments) ProcessDownsellPayment(ctx context.Context, userID string, originalCents, downsellCents int) PaymentResult {
	if userID == "" {
		return PaymentResult{Error: "missing user id"}
	}
	if originalCents < 0 || downsellCents < 0 || downsellCents > originalCents {
		return PaymentResult{Error: "invalid amount"}
	}

	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return PaymentResult{Error: "payment cancelled: " + ctx.Err().Error()}
		}
	}

	p.mu.Lock()
	fail := p.failNext
	p.failNext = false
	p.mu.Unlock()
	if fail {
		return PaymentResult{Error: "payment processor declined"}
	}

	return PaymentResult{Success: true, TransactionID: newTransactionID()}
}

func newTransactionID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// Payments must not fail on entropy exhaustion; fall back to a
		// timestamp-derived ID.
		return "txn_t" + hex.EncodeToString([]byte(time.Now().UTC().Format("20060102150405.000")))
	}
	return "txn_" + hex.EncodeToString(buf)
}
