// Package analytics implements an async, buffered emitter that delivers
// cancellation-flow completion events to an external HTTP sink (webhook
// pattern). Events are batched and flushed at configurable intervals. The
// emitter is entirely optional and fire-and-forget — it never blocks the
// request hot path.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/churnguard/churnguard/internal/config"
	"github.com/churnguard/churnguard/internal/observability"
)

// CompletionEvent records one completed step of the cancellation flow.
type CompletionEvent struct {
	UserID        string `json:"user_id"`
	Variant       string `json:"variant"`
	Reason        string `json:"reason,omitempty"`
	Outcome       string `json:"outcome"` // "cancelled", "downsell_accepted", "feedback"
	PriceCents    int    `json:"price_cents,omitempty"`
	Timestamp     string `json:"timestamp"` // RFC 3339
	RequestID     string `json:"request_id,omitempty"`
	ClientKey     string `json:"client_key,omitempty"`
	FeedbackLen   int    `json:"feedback_len,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// Emitter batches completion events in a ring buffer and flushes them to
// the configured HTTP sink. A full buffer drops the oldest event.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	url        string
	httpClient *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ring     []CompletionEvent
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEmitter creates a completion event emitter. Returns nil when
// analytics delivery is disabled; a nil Emitter's Emit and Close are
// safe no-ops.
func NewEmitter(cfg config.AnalyticsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	flushInterval := config.MustParseDuration(cfg.FlushInterval, 5*time.Second)

	e := &Emitter{
		logger:        logger.With("component", "analytics"),
		metrics:       metrics,
		url:           cfg.URL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]CompletionEvent, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues a completion event. Fire-and-forget: it never blocks,
// and when the buffer is full the oldest event is dropped.
func (e *Emitter) Emit(ev CompletionEvent) {
	if e == nil {
		return
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		e.metrics.IncAnalyticsDropped()
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining events and stops the flush loop.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}

	close(e.done)
	e.wg.Wait()

	// Final drain.
	e.flush()
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []CompletionEvent {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := e.ringLen
	if n > e.batchSize {
		n = e.batchSize
	}

	batch := make([]CompletionEvent, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []CompletionEvent) {
	if e.url == "" {
		e.logger.Warn("no analytics destination configured, dropping batch", "count", len(batch))
		return
	}

	payload := struct {
		Events []CompletionEvent `json:"events"`
	}{Events: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal analytics batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to create analytics HTTP request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("failed to send analytics batch", "error", err, "count", len(batch))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		e.logger.Warn("analytics receiver returned error",
			"status", resp.StatusCode, "count", len(batch))
	}
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(url=%s, batch=%d, flush=%s, buf=%d)",
		e.url, e.batchSize, e.flushInterval, e.bufferSize)
}
