// Package gatekeeper implements the global request gate every inbound
// request passes before reaching a route: general rate limiting, security
// and hardening headers, bot and header-spoofing heuristics, a method
// allow-list, request correlation, and panic containment.
package gatekeeper

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/churnguard/churnguard/internal/config"
	"github.com/churnguard/churnguard/internal/observability"
	"github.com/churnguard/churnguard/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("churnguard.gatekeeper")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is a per-goroutine-safe CSPRNG seeded from crypto/rand.
// ChaCha8 is cryptographically strong and avoids a syscall per ID
// (unlike crypto/rand.Read), which reduces latency under high concurrency.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		v := requestIDRng.Uint64()
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Rejects IDs that are too long or contain non-printable / injection characters.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// botSignatures are automation/tooling markers checked against the
// lowercased user agent. A match alone is not a rejection: the UA must
// also lack every recognized browser token. Best-effort bot friction,
// not a security boundary.
var botSignatures = []string{
	"bot", "crawler", "spider", "scraper",
	"curl", "wget", "python", "java", "perl", "ruby",
}

// browserTokens mark mainstream browsers; their presence exempts a UA
// from the bot heuristic.
var browserTokens = []string{"Mozilla", "Chrome", "Safari", "Firefox"}

// forwardingHeaders are checked for loopback literals by the spoofing
// heuristic.
var forwardingHeaders = []string{
	"X-Forwarded-For", "X-Real-IP", "X-Forwarded-Host", "Forwarded",
}

// loopbackLiterals in any forwarding header indicate a naive attempt to
// impersonate localhost.
var loopbackLiterals = []string{"127.0.0.1", "::1", "localhost"}

// allowedMethods is the HTTP method allow-list.
var allowedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodPatch:   {},
	http.MethodOptions: {},
}

// jsonErrorResponse is the structured error body returned to clients.
type jsonErrorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

// WriteJSONError writes a structured JSON error response. The Content-Type
// is set to application/json. Any existing rate-limit headers are preserved.
func WriteJSONError(w http.ResponseWriter, code int, errType, message string, retryAfter float64) {
	resp := jsonErrorResponse{
		Error:      errType,
		Message:    message,
		RetryAfter: retryAfter,
		RequestID:  w.Header().Get(requestIDHeader),
	}
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// SetRateLimitHeaders writes the standard rate-limit headroom headers.
// X-RateLimit-Reset carries the window end as an RFC 3339 timestamp.
func SetRateLimitHeaders(w http.ResponseWriter, result *ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", result.ResetAt.UTC().Format(time.RFC3339))
}

// ServeRateLimited writes the 429 response for an exhausted window:
// Retry-After in whole seconds until the window resets, minimum 1.
func ServeRateLimited(w http.ResponseWriter, result *ratelimit.Result) {
	retrySeconds := math.Ceil(result.RetryAfter(time.Now()).Seconds())
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatFloat(retrySeconds, 'f', 0, 64))
	WriteJSONError(w, http.StatusTooManyRequests, "rate_limited", "Too Many Requests", retrySeconds)
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces (http.Hijacker, http.Flusher, etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Gatekeeper is the outermost request gate. Checks run in a fixed order
// and short-circuit on first failure; no handler runs before every check
// has passed.
type Gatekeeper struct {
	next       http.Handler
	general    *ratelimit.Limiter
	logger     *slog.Logger
	metrics    *observability.Metrics
	production bool

	excludePaths []string
	csp          string
}

// New wires the gate in front of next using the general limiter scope.
func New(next http.Handler, general *ratelimit.Limiter, cfg config.SecurityConfig, production bool, logger *slog.Logger, metrics *observability.Metrics) *Gatekeeper {
	return &Gatekeeper{
		next:         next,
		general:      general,
		logger:       logger,
		metrics:      metrics,
		production:   production,
		excludePaths: cfg.ExcludePaths,
		csp:          cfg.ContentSecurityPolicy,
	}
}

// ServeHTTP runs the gate: exclusion check, general rate limit, security
// headers, bot heuristic, method allow-list, spoof heuristic, then the
// wrapped handler under panic containment.
func (g *Gatekeeper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.excluded(r.URL.Path) {
		g.next.ServeHTTP(w, r)
		return
	}

	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	// Propagate or generate X-Request-Id for request correlation.
	// Validate client-supplied IDs to prevent CRLF injection and log pollution.
	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	defer func() {
		g.metrics.PromRequestDuration.WithLabelValues(
			r.Method,
			strconv.Itoa(sw.code),
		).Observe(time.Since(start).Seconds())
		sw.ResponseWriter = nil // prevent dangling reference
		statusWriterPool.Put(sw)
	}()

	defer func() {
		if rec := recover(); rec != nil {
			g.metrics.IncPanicsRecovered()
			g.logger.Error("handler panic recovered",
				"panic", rec, "method", r.Method, "path", r.URL.Path, "request_id", reqID)
			if !sw.written {
				WriteJSONError(sw, http.StatusInternalServerError, "internal_error", "internal server error", 0)
			}
		}
	}()

	clientKey := ratelimit.ClientKey(r)

	ctx, span := tracer.Start(r.Context(), "churnguard.gatekeeper")
	span.SetAttributes(attribute.String("client.key", clientKey))
	r = r.WithContext(ctx)
	defer span.End()

	result, err := g.general.Check(ctx, clientKey)
	if err != nil {
		g.logger.Error("general rate limit check failed", "error", err, "client", clientKey)
		WriteJSONError(sw, http.StatusInternalServerError, "internal_error", "internal server error", 0)
		return
	}

	// Headroom headers go on every response, allowed or denied.
	SetRateLimitHeaders(sw, result)
	g.metrics.ObserveRemaining(result.Remaining)

	g.setSecurityHeaders(sw)

	if !result.Allowed {
		g.metrics.IncRateLimited(g.general.Scope())
		ServeRateLimited(sw, result)
		return
	}

	if ua := r.UserAgent(); looksAutomated(ua) {
		g.metrics.IncBotRejections()
		g.logger.Warn("request rejected by user-agent heuristic",
			"client", clientKey, "user_agent", truncate(ua, 100))
		WriteJSONError(sw, http.StatusForbidden, "forbidden", "automated clients are not allowed", 0)
		return
	}

	if _, ok := allowedMethods[r.Method]; !ok {
		g.metrics.IncMethodRejections()
		WriteJSONError(sw, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", 0)
		return
	}

	if header, ok := spoofedLoopback(r); ok {
		g.metrics.IncSpoofRejections()
		g.logger.Warn("request rejected by header-spoofing heuristic",
			"client", clientKey, "header", header)
		WriteJSONError(sw, http.StatusForbidden, "forbidden", "forbidden", 0)
		return
	}

	if g.production {
		g.logger.Info("request admitted",
			"method", r.Method,
			"url", r.URL.String(),
			"client", clientKey,
			"user_agent", truncate(r.UserAgent(), 100),
			"request_id", reqID)
	}

	g.metrics.IncAllowed()
	g.next.ServeHTTP(sw, r)
}

func (g *Gatekeeper) excluded(path string) bool {
	for _, prefix := range g.excludePaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// setSecurityHeaders attaches the global security and hardening headers.
func (g *Gatekeeper) setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Content-Security-Policy", g.csp)
	h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")

	h.Set("X-DNS-Prefetch-Control", "off")
	h.Set("X-Download-Options", "noopen")
	h.Set("X-Permitted-Cross-Domain-Policies", "none")
	h.Set("Document-Policy", "js-profiling=?0")
}

// looksAutomated applies the bot heuristic: an automation signature in
// the UA with no mainstream browser token alongside it.
func looksAutomated(ua string) bool {
	if ua == "" {
		return false
	}
	lower := strings.ToLower(ua)

	matched := false
	for _, sig := range botSignatures {
		if strings.Contains(lower, sig) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, tok := range browserTokens {
		if strings.Contains(ua, tok) {
			return false
		}
	}
	return true
}

// spoofedLoopback reports whether any forwarding header carries a
// loopback literal, returning the offending header name.
func spoofedLoopback(r *http.Request) (string, bool) {
	for _, name := range forwardingHeaders {
		v := strings.ToLower(r.Header.Get(name))
		if v == "" {
			continue
		}
		for _, lit := range loopbackLiterals {
			if strings.Contains(v, lit) {
				return name, true
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
