// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for ChurnGuard.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the request pipeline.
type Metrics struct {
	// Atomic counters for hot-path access (no mutex, no allocation).
	allowed             int64
	rateLimited         int64
	csrfFailures        int64
	botRejections       int64
	spoofRejections     int64
	methodRejections    int64
	validationFailures  int64
	maliciousInput      int64
	persistenceFailures int64
	panicsRecovered     int64
	analyticsDropped    int64

	promAllowed      prometheus.Counter
	promRateLimited  *prometheus.CounterVec
	promCSRFFailures prometheus.Counter
	promBotRejected  prometheus.Counter
	promSpoofReject  prometheus.Counter
	promMethodReject prometheus.Counter
	promValidation   *prometheus.CounterVec
	promMalicious    prometheus.Counter
	promPersistence  prometheus.Counter
	promPanics       prometheus.Counter
	promVariants     *prometheus.CounterVec
	promDropped      prometheus.Counter

	// PromRequestDuration is observed by the gatekeeper on every request.
	PromRequestDuration *prometheus.HistogramVec

	// PromLimiterRemaining records the remaining-budget distribution across
	// limiter checks (histogram, not per-key gauge — avoids unbounded
	// cardinality from IP-derived keys).
	PromLimiterRemaining prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "churnguard",
			Name:      "requests_allowed_total",
			Help:      "Total number of requests that passed the gatekeeper.",
		}),
		promRateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "churnguard",
			Name:      "requests_rate_limited_total",
			Help:      "Total number of requests rejected by rate limiting, per limiter scope.",
		}, []string{"scope"}),
		promCSRFFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "churnguard",
			Name:      "csrf_failures_total",
			Help:      "Total number of requests rejected by CSRF validation.",
		}),
		promBotRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "churnguard",
			Name:      "bot_rejections_total",
			Help:      "Total number of requests rejected by the user-agent heuristic.",
		}),
		promSpoofReject: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "churnguard",
			Name:      "spoof_rejections_total",
			Help:      "Total number of requests rejected by the header-spoofing heuristic.",
		}),
		promMethodReject: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "churnguard",
			Name:      "method_rejections_total",
			Help:      "Total number of requests rejected by the HTTP method allow-list.",
		}),
		promValidation: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "churnguard",
			Name:      "validation_failures_total",
			Help:      "Total number of requests rejected by field validation, per endpoint.",
		}, []string{"endpoint"}),
		promMalicious: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "churnguard",
			Name:      "malicious_input_total",
			Help:      "Total number of requests rejected for malicious content.",
		}),
		promPersistence: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "churnguard",
			Name:      "persistence_failures_total",
			Help:      "Total number of persistence-layer failures.",
		}),
		promPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "churnguard",
			Name:      "panics_recovered_total",
			Help:      "Total number of handler panics converted to 500s.",
		}),
		promVariants: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "churnguard",
			Name:      "experiment_assignments_total",
			Help:      "Total number of new A/B variant assignments, per variant.",
		}, []string{"variant"}),
		promDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "churnguard",
			Name:      "analytics_events_dropped_total",
			Help:      "Total number of analytics events dropped due to a full buffer.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "churnguard",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromLimiterRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "churnguard",
			Name:      "ratelimit_remaining_requests",
			Help:      "Distribution of remaining budget across limiter checks.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
	}

	return m
}

// IncAllowed increments the allowed requests counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncRateLimited increments the rate-limited counter for a limiter scope.
func (m *Metrics) IncRateLimited(scope string) {
	atomic.AddInt64(&m.rateLimited, 1)
	m.promRateLimited.WithLabelValues(scope).Inc()
}

// IncCSRFFailures increments the CSRF rejection counter.
func (m *Metrics) IncCSRFFailures() {
	atomic.AddInt64(&m.csrfFailures, 1)
	m.promCSRFFailures.Inc()
}

// IncBotRejections increments the user-agent heuristic rejection counter.
func (m *Metrics) IncBotRejections() {
	atomic.AddInt64(&m.botRejections, 1)
	m.promBotRejected.Inc()
}

// IncSpoofRejections increments the header-spoofing rejection counter.
func (m *Metrics) IncSpoofRejections() {
	atomic.AddInt64(&m.spoofRejections, 1)
	m.promSpoofReject.Inc()
}

// IncMethodRejections increments the method allow-list rejection counter.
func (m *Metrics) IncMethodRejections() {
	atomic.AddInt64(&m.methodRejections, 1)
	m.promMethodReject.Inc()
}

// IncValidationFailures increments the field-validation failure counter.
func (m *Metrics) IncValidationFailures(endpoint string) {
	atomic.AddInt64(&m.validationFailures, 1)
	m.promValidation.WithLabelValues(endpoint).Inc()
}

// IncMaliciousInput increments the malicious-content rejection counter.
func (m *Metrics) IncMaliciousInput() {
	atomic.AddInt64(&m.maliciousInput, 1)
	m.promMalicious.Inc()
}

// IncPersistenceFailures increments the persistence failure counter.
func (m *Metrics) IncPersistenceFailures() {
	atomic.AddInt64(&m.persistenceFailures, 1)
	m.promPersistence.Inc()
}

// IncPanicsRecovered increments the recovered-panic counter.
func (m *Metrics) IncPanicsRecovered() {
	atomic.AddInt64(&m.panicsRecovered, 1)
	m.promPanics.Inc()
}

// IncAnalyticsDropped increments the dropped analytics event counter.
func (m *Metrics) IncAnalyticsDropped() {
	atomic.AddInt64(&m.analyticsDropped, 1)
	m.promDropped.Inc()
}

// IncVariantAssigned counts a fresh A/B assignment. Only new draws are
// counted; repeat lookups of a persisted assignment are not.
func (m *Metrics) IncVariantAssigned(variant string) {
	m.promVariants.WithLabelValues(variant).Inc()
}

// ObserveRemaining records the remaining budget of a limiter check.
func (m *Metrics) ObserveRemaining(remaining int) {
	m.PromLimiterRemaining.Observe(float64(remaining))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Allowed             int64
	RateLimited         int64
	CSRFFailures        int64
	BotRejections       int64
	SpoofRejections     int64
	MethodRejections    int64
	ValidationFailures  int64
	MaliciousInput      int64
	PersistenceFailures int64
	PanicsRecovered     int64
	AnalyticsDropped    int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:             atomic.LoadInt64(&m.allowed),
		RateLimited:         atomic.LoadInt64(&m.rateLimited),
		CSRFFailures:        atomic.LoadInt64(&m.csrfFailures),
		BotRejections:       atomic.LoadInt64(&m.botRejections),
		SpoofRejections:     atomic.LoadInt64(&m.spoofRejections),
		MethodRejections:    atomic.LoadInt64(&m.methodRejections),
		ValidationFailures:  atomic.LoadInt64(&m.validationFailures),
		MaliciousInput:      atomic.LoadInt64(&m.maliciousInput),
		PersistenceFailures: atomic.LoadInt64(&m.persistenceFailures),
		PanicsRecovered:     atomic.LoadInt64(&m.panicsRecovered),
		AnalyticsDropped:    atomic.LoadInt64(&m.analyticsDropped),
	}
}
