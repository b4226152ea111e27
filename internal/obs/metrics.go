package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	policyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_policy_decisions_total",
			Help: "Policy decisions by entity, operation and outcome.",
		},
		[]string{"entity", "operation", "outcome"},
	)

	overrideTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "override_tokens_total",
			Help: "Override token lifecycle events by scope and result.",
		},
		[]string{"event", "scope"},
	)

	mfaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mfa_denials_total",
			Help: "MFA guard denials by machine-readable code.",
		},
		[]string{"code"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Init registers metrics with the default registry. Call once from main.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		policyDecisionsTotal, overrideTokensTotal, mfaDenialsTotal, ready,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// PolicyDecision records one policy evaluation outcome
// (allow, deny, override_required).
func PolicyDecision(entity, operation, outcome string) {
	policyDecisionsTotal.WithLabelValues(entity, operation, outcome).Inc()
}

// OverrideToken records a token lifecycle event
// (issued, consumed, rejected, revoked).
func OverrideToken(event, scope string) {
	overrideTokensTotal.WithLabelValues(event, scope).Inc()
}

// MFADenial records one guard denial.
func MFADenial(code string) {
	mfaDenialsTotal.WithLabelValues(code).Inc()
}

// Instrument wraps an HTTP handler with RPS/latency/in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
