// Package metrics exposes the treasury's Prometheus series. Recorder
// implements workflow.Observer.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
)

var (
	registerOnce sync.Once

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendlane",
			Subsystem: "workflow",
			Name:      "operations_total",
			Help:      "Workflow operations by outcome code.",
		},
		[]string{"instance", "op", "code"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spendlane",
			Subsystem: "workflow",
			Name:      "operation_duration_seconds",
			Help:      "Workflow operation latency, including ledger transfers.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"instance", "op"},
	)
	distributed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendlane",
			Subsystem: "treasury",
			Name:      "distributed_total",
			Help:      "Token units paid out by completed requests.",
		},
		[]string{"instance"},
	)
	activeRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spendlane",
			Subsystem: "treasury",
			Name:      "active_requests",
			Help:      "Requests in the active index.",
		},
		[]string{"instance"},
	)
	remainingBudget = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spendlane",
			Subsystem: "treasury",
			Name:      "remaining_budget",
			Help:      "Project budget not yet reserved or distributed.",
		},
		[]string{"instance"},
	)
	flags = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spendlane",
			Subsystem: "treasury",
			Name:      "flag",
			Help:      "Instance flags (paused, halted) as 0/1.",
		},
		[]string{"instance", "flag"},
	)
	auditExported = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendlane",
			Subsystem: "audit",
			Name:      "exported_total",
			Help:      "Audit records delivered per exporter.",
		},
		[]string{"exporter", "result"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendlane",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spendlane",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spendlane",
			Subsystem: "ledger",
			Name:      "breaker_open",
			Help:      "1 while the ledger circuit breaker is not closed.",
		},
		[]string{"instance"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(operations, operationDuration, distributed, activeRequests,
			remainingBudget, flags, auditExported, httpRequests, httpDuration, breakerState)
	})
}

// Recorder labels every series with the instance's deployment id.
type Recorder struct {
	instance string
}

func NewRecorder(instance string) *Recorder {
	RegisterMetrics()
	return &Recorder{instance: instance}
}

func (r *Recorder) Operation(op string, err error, elapsed time.Duration) {
	code := "OK"
	if err != nil {
		code = apperr.CodeOf(err)
	}
	operations.WithLabelValues(r.instance, op, code).Inc()
	operationDuration.WithLabelValues(r.instance, op).Observe(elapsed.Seconds())
}

func (r *Recorder) Distributed(amount uint64) {
	distributed.WithLabelValues(r.instance).Add(float64(amount))
}

func (r *Recorder) State(active int, remaining uint64, paused, halted bool) {
	activeRequests.WithLabelValues(r.instance).Set(float64(active))
	remainingBudget.WithLabelValues(r.instance).Set(float64(remaining))
	flags.WithLabelValues(r.instance, "paused").Set(boolGauge(paused))
	flags.WithLabelValues(r.instance, "halted").Set(boolGauge(halted))
}

// Breaker matches the tokenledger client's state-change callback.
func (r *Recorder) Breaker(from, to string) {
	breakerState.WithLabelValues(r.instance).Set(boolGauge(to != "closed"))
}

// Exported matches the audit dispatcher's observer callback.
func (r *Recorder) Exported(exporter string, n int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	auditExported.WithLabelValues(exporter, result).Add(float64(n))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and durations labelled by chi route
// pattern, so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	RegisterMetrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := strconv.Itoa(sw.status)
		httpRequests.WithLabelValues(r.Method, route, status).Inc()
		httpDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}
