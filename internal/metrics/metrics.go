// Package metrics holds the Prometheus collectors for admission decisions,
// credential verification and the audit writer. Every method is safe to call
// on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the markgate collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Rate limiting
	rateChecks *prometheus.CounterVec
	rateDenied *prometheus.CounterVec
	rateErrors prometheus.Counter

	// Credential verification
	verifications  *prometheus.CounterVec
	verifyDuration prometheus.Histogram
	verifyScanned  prometheus.Histogram

	// Audit trail
	auditRecorded *prometheus.CounterVec
	auditOverflow prometheus.Counter
	auditFailed   prometheus.Counter

	// Conversion
	conversions *prometheus.CounterVec

	// HTTP
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance backed by its own registry, with the Go
// runtime and process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		rateChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "markgate_rate_limit_checks_total",
				Help: "Total number of rate limit checks performed",
			},
			[]string{"route", "result"},
		),
		rateDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "markgate_rate_limit_denied_total",
				Help: "Total number of requests denied by the rate limiter",
			},
			[]string{"route", "identity"},
		),
		rateErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "markgate_rate_limit_backend_errors_total",
				Help: "Counter backend failures; the request was admitted",
			},
		),

		verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "markgate_credential_verifications_total",
				Help: "Total number of credential verifications by result",
			},
			[]string{"result"},
		),
		verifyDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "markgate_credential_verify_duration_seconds",
				Help:    "Time spent verifying a presented secret",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		verifyScanned: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "markgate_credential_verify_scanned",
				Help:    "Active credentials compared per verification",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),

		auditRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "markgate_audit_events_total",
				Help: "Audit events submitted, by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		auditOverflow: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "markgate_audit_buffer_overflow_total",
				Help: "Audit events written on the caller's goroutine because the write buffer stayed full",
			},
		),
		auditFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "markgate_audit_write_failures_total",
				Help: "Audit events the store failed to persist",
			},
		),

		conversions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "markgate_conversions_total",
				Help: "Document conversions by source kind and result",
			},
			[]string{"source", "result"},
		),

		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "markgate_http_requests_total",
				Help: "HTTP requests by route pattern, method and status class",
			},
			[]string{"route", "method", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "markgate_http_request_duration_seconds",
				Help:    "HTTP request latency by route pattern",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RateCheck records one limiter decision. identity is "key" or "ip".
func (m *Metrics) RateCheck(route, identity string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
		m.rateDenied.WithLabelValues(route, identity).Inc()
	}
	m.rateChecks.WithLabelValues(route, result).Inc()
}

// RateBackendError records a counter failure.
func (m *Metrics) RateBackendError() {
	if m == nil {
		return
	}
	m.rateErrors.Inc()
}

// Verification records the result of one credential verification.
func (m *Metrics) Verification(result string, scanned int, took time.Duration) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
	m.verifyScanned.Observe(float64(scanned))
	m.verifyDuration.Observe(took.Seconds())
}

// AuditRecorded counts one submitted audit event.
func (m *Metrics) AuditRecorded(action, outcome string) {
	if m == nil {
		return
	}
	m.auditRecorded.WithLabelValues(action, outcome).Inc()
}

// AuditOverflow counts one event written synchronously past a full buffer.
func (m *Metrics) AuditOverflow() {
	if m == nil {
		return
	}
	m.auditOverflow.Inc()
}

// AuditWriteFailed counts one event the store rejected.
func (m *Metrics) AuditWriteFailed() {
	if m == nil {
		return
	}
	m.auditFailed.Inc()
}

// Conversion records one conversion attempt.
func (m *Metrics) Conversion(source string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.conversions.WithLabelValues(source, result).Inc()
}

// Request records one completed HTTP request.
func (m *Metrics) Request(route, method string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(took.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
