package analytics

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/churnguard/churnguard/internal/config"
	"github.com/churnguard/churnguard/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
)

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitter_DisabledReturnsNil(t *testing.T) {
	e := NewEmitter(config.AnalyticsConfig{Enabled: false}, testLogger(), testMetrics())
	if e != nil {
		t.Fatal("expected nil emitter when disabled")
	}
}

func TestEmitter_NilSafe(t *testing.T) {
	var e *Emitter
	e.Emit(CompletionEvent{UserID: "u1"})
	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
}

func TestEmitter_BatchFlushing(t *testing.T) {
	var mu sync.Mutex
	var received []CompletionEvent

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []CompletionEvent `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal error: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		mu.Lock()
		received = append(received, payload.Events...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.AnalyticsConfig{
		Enabled:       true,
		URL:           srv.URL,
		BatchSize:     5,
		FlushInterval: "100ms",
		BufferSize:    100,
	}, testLogger(), testMetrics())

	for i := range 12 {
		outcome := "cancelled"
		if i%2 == 0 {
			outcome = "downsell_accepted"
		}
		e.Emit(CompletionEvent{
			UserID:    "u1",
			Variant:   "B",
			Reason:    "too-expensive",
			Outcome:   outcome,
			Timestamp: time.Now().Format(time.RFC3339),
		})
	}

	// Wait for flush.
	time.Sleep(500 * time.Millisecond)

	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 12 {
		t.Errorf("expected 12 events, got %d", len(received))
	}
	if received[0].Variant != "B" || received[0].UserID != "u1" {
		t.Errorf("unexpected event payload: %+v", received[0])
	}
}

func TestEmitter_BufferOverflowDropsOldest(t *testing.T) {
	e := NewEmitter(config.AnalyticsConfig{
		Enabled:       true,
		URL:           "http://localhost:0/noop",
		BatchSize:     1000, // larger than buffer to prevent flushing
		FlushInterval: "1h",
		BufferSize:    5,
	}, testLogger(), testMetrics())

	for i := range 10 {
		e.Emit(CompletionEvent{UserID: "u1", Reason: string(rune('a' + i))})
	}

	e.ringMu.Lock()
	length := e.ringLen
	oldest := e.ring[e.ringHead]
	e.ringMu.Unlock()

	if length != 5 {
		t.Errorf("expected ring length 5 (capped), got %d", length)
	}
	// Events a..e were pushed out; f is now the oldest.
	if oldest.Reason != "f" {
		t.Errorf("expected oldest event %q, got %q", "f", oldest.Reason)
	}

	snap := e.metrics.Snapshot()
	if snap.AnalyticsDropped != 5 {
		t.Errorf("expected 5 dropped events, got %d", snap.AnalyticsDropped)
	}

	close(e.done)
	e.wg.Wait()
}

func TestEmitter_CloseFlushesRemainder(t *testing.T) {
	var mu sync.Mutex
	var count int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []CompletionEvent `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		mu.Lock()
		count += len(payload.Events)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.AnalyticsConfig{
		Enabled:       true,
		URL:           srv.URL,
		BatchSize:     100,
		FlushInterval: "1h", // only Close should flush
		BufferSize:    100,
	}, testLogger(), testMetrics())

	for range 3 {
		e.Emit(CompletionEvent{UserID: "u1", Outcome: "feedback"})
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("expected 3 events flushed on close, got %d", count)
	}
}
