// Package metrics exposes Prometheus collectors for the HTTP layer and the
// generation pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clickmodel"

// Generation outcomes, one per branch of the gateway.
const (
	OutcomeSuccess             = "success"
	OutcomeInsufficientCredits = "insufficient_credits"
	OutcomeLedgerError         = "ledger_error"
	OutcomeProviderError       = "provider_error"
)

var (
	// Registry holds the application's collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "requests_total",
			Help:      "Generation requests by outcome.",
		},
		[]string{"outcome"},
	)

	providerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "provider_duration_seconds",
			Help:      "Time spent waiting on the try-on provider.",
			Buckets:   prometheus.ExponentialBuckets(1, 1.5, 12), // 1s to ~86s
		},
	)

	refunds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "refunds_total",
			Help:      "Compensating refunds after provider failures, by result.",
		},
		[]string{"result"},
	)

	persistenceFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "persistence_failures_total",
			Help:      "Successful generations whose history record could not be saved.",
		},
	)

	monthlyResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "monthly_resets_total",
			Help:      "Scheduled monthly credit resets, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		generations,
		providerDuration,
		refunds,
		persistenceFailures,
		monthlyResets,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency. Routes are labelled
// by their chi pattern (/api/history, not /api/history?userId=...), which
// keeps label cardinality bounded.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := routePattern(r)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordGeneration(outcome string) {
	generations.WithLabelValues(outcome).Inc()
}

func ObserveProvider(d time.Duration) {
	providerDuration.Observe(d.Seconds())
}

func RecordRefund(ok bool) {
	refunds.WithLabelValues(result(ok)).Inc()
}

func RecordPersistenceFailure() {
	persistenceFailures.Inc()
}

func RecordMonthlyReset(ok bool) {
	monthlyResets.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// routePattern reads the matched chi pattern once routing is done. Requests
// that matched nothing share one label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
