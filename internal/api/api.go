// Package api implements the cancellation-flow HTTP endpoints: CSRF token
// issuance, cancellation submission, standalone feedback, experiment variant
// assignment, and downsell acceptance. Every state-changing endpoint sits
// behind its own named rate-limit scope and CSRF verification; the global
// gatekeeper in front of the mux handles the general limit and request
// hygiene.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/churnguard/churnguard/internal/analytics"
	"github.com/churnguard/churnguard/internal/csrf"
	"github.com/churnguard/churnguard/internal/experiment"
	"github.com/churnguard/churnguard/internal/gatekeeper"
	"github.com/churnguard/churnguard/internal/observability"
	"github.com/churnguard/churnguard/internal/ratelimit"
	"github.com/churnguard/churnguard/internal/store"
)

// maxBodyBytes caps request bodies. The flow's payloads are small; anything
// larger is abuse.
const maxBodyBytes = 64 << 10

// Handler serves the cancellation-flow API routes.
type Handler struct {
	limits   *ratelimit.Registry
	csrf     *csrf.Protector
	assigner *experiment.Assigner
	subs     store.Subscriptions
	payments store.Payments
	emitter  *analytics.Emitter
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New assembles the API handler from its collaborators. emitter may be nil.
func New(limits *ratelimit.Registry, protector *csrf.Protector, assigner *experiment.Assigner,
	subs store.Subscriptions, payments store.Payments, emitter *analytics.Emitter,
	logger *slog.Logger, metrics *observability.Metrics) *Handler {
	return &Handler{
		limits:   limits,
		csrf:     protector,
		assigner: assigner,
		subs:     subs,
		payments: payments,
		emitter:  emitter,
		logger:   logger.With("component", "api"),
		metrics:  metrics,
	}
}

// Register attaches all routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/cancellation/token", h.handleToken)
	mux.HandleFunc("POST /api/cancellation", h.handleCancellation)
	mux.HandleFunc("POST /api/feedback", h.handleFeedback)
	mux.HandleFunc("GET /api/experiment/variant", h.handleVariant)
	mux.HandleFunc("POST /api/downsell", h.handleDownsell)
}

// allow runs the named limiter for the request's client identity, attaches
// the headroom headers, and serves the 429 itself when the window is
// exhausted. Returns false when the caller must stop.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, l *ratelimit.Limiter) bool {
	result, err := l.Check(r.Context(), ratelimit.ClientKey(r))
	if err != nil {
		// Treat a broken limiter as unavailable rather than open.
		h.logger.Error("rate limit check failed", "scope", l.Scope(), "error", err)
		gatekeeper.WriteJSONError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", 0)
		return false
	}

	gatekeeper.SetRateLimitHeaders(w, result)
	h.metrics.ObserveRemaining(result.Remaining)

	if !result.Allowed {
		h.metrics.IncRateLimited(l.Scope())
		gatekeeper.ServeRateLimited(w, result)
		return false
	}
	return true
}

// verifyCSRF enforces the double-submit check and writes the 403 on failure.
func (h *Handler) verifyCSRF(w http.ResponseWriter, r *http.Request) bool {
	if h.csrf.Verify(r) {
		return true
	}
	gatekeeper.WriteJSONError(w, http.StatusForbidden, "invalid_csrf", "invalid or missing CSRF token", 0)
	return false
}

// decodeBody reads the request body into a generic map so the sanitizer's
// schema dispatch sees exactly what the client sent. Numeric amounts are
// normalized to strings for the amount validator.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			gatekeeper.WriteJSONError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", 0)
			return nil, false
		}
		gatekeeper.WriteJSONError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON object", 0)
		return nil, false
	}
	// Drain so keep-alive connections can be reused.
	_, _ = io.Copy(io.Discard, r.Body)

	// Shortest round-trip formatting keeps the client's precision, so an
	// over-precise amount fails validation instead of being rounded valid.
	if f, ok := raw["amount"].(float64); ok {
		raw["amount"] = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return raw, true
}

func (h *Handler) badRequest(w http.ResponseWriter, endpoint, message string) {
	h.metrics.IncValidationFailures(endpoint)
	gatekeeper.WriteJSONError(w, http.StatusBadRequest, "validation_failed", message, 0)
}

// serverError writes the generic 500. Detail stays in the log, never in the
// response body.
func (h *Handler) serverError(w http.ResponseWriter) {
	gatekeeper.WriteJSONError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", 0)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// requestID reads the gatekeeper-assigned request ID back off the response
// headers for event correlation.
func requestID(w http.ResponseWriter) string {
	return w.Header().Get("X-Request-Id")
}
