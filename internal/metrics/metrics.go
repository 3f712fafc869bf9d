// Package metrics exposes Prometheus collectors for the HTTP surface and the
// application lifecycle.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every gigline collector.
var Registry = prometheus.NewRegistry()

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigline_http_requests_total",
			Help: "HTTP requests by route and status.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gigline_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	ApplicationTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigline_application_transitions_total",
			Help: "Application state changes by resulting status.",
		},
		[]string{"status"},
	)

	PaymentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigline_payment_transitions_total",
			Help: "Payment status changes by payment type and resulting status.",
		},
		[]string{"type", "status"},
	)

	ProjectReviews = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigline_project_reviews_total",
			Help: "Project review decisions.",
		},
		[]string{"decision"},
	)

	LedgerAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigline_ledger_amount_total",
			Help: "Currency units moved through wallets by movement kind.",
		},
		[]string{"kind"},
	)

	SignatureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gigline_payment_signature_failures_total",
			Help: "Rejected payment verification attempts.",
		},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigline_notifications_total",
			Help: "Notification outcomes.",
		},
		[]string{"result"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigline_rate_limited_total",
			Help: "Requests refused by a rate limit.",
		},
		[]string{"scope"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequests,
		HTTPDuration,
		ApplicationTransitions,
		PaymentTransitions,
		ProjectReviews,
		LedgerAmount,
		SignatureFailures,
		Notifications,
		RateLimited,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
