// Package metrics exposes Prometheus collectors for the navigator service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	visitsTotal                *prometheus.CounterVec
	visitDurationSeconds       prometheus.Histogram
	snapshotsTotal             *prometheus.CounterVec
	queuePending               prometheus.Gauge
	queueCompleted             prometheus.Gauge
	cyclesTotal                *prometheus.CounterVec
	unresolvedTotal            prometheus.Counter
	analysisRunsTotal          *prometheus.CounterVec
	prunedTotal                prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		visitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navigator_visits_total",
				Help: "Symbol visits, labeled by result (ok, timeout, incomplete, failed).",
			},
			[]string{"result"},
		)

		visitDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "navigator_visit_duration_seconds",
				Help:    "Histogram of end-to-end symbol visit durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
			},
		)

		snapshotsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navigator_snapshots_total",
				Help: "Snapshots offered to the orchestrator, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queuePending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "navigator_queue_pending",
				Help: "Symbols waiting in the crawl queue.",
			},
		)

		queueCompleted = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "navigator_queue_completed",
				Help: "Symbols completed in the current crawl queue run.",
			},
		)

		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navigator_cycles_total",
				Help: "Crawl cycles, labeled by final status.",
			},
			[]string{"status"},
		)

		unresolvedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "navigator_unresolved_symbols_total",
				Help: "Symbols still failing after every retry pass.",
			},
		)

		analysisRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "navigator_analysis_runs_total",
				Help: "Analysis engine invocations, labeled by trigger and result.",
			},
			[]string{"trigger", "result"},
		)

		prunedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "navigator_pruned_snapshots_total",
				Help: "Persisted snapshots removed by retention pruning.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "navigator_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveVisit records one symbol visit.
func ObserveVisit(result string, duration time.Duration) {
	Init()
	visitsTotal.WithLabelValues(result).Inc()
	visitDurationSeconds.Observe(duration.Seconds())
}

// ObserveSnapshots adds n snapshots with the given outcome.
func ObserveSnapshots(outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	snapshotsTotal.WithLabelValues(outcome).Add(float64(n))
}

// SetQueueProgress publishes the crawl queue gauges.
func SetQueueProgress(completed, remaining int) {
	Init()
	queueCompleted.Set(float64(completed))
	queuePending.Set(float64(remaining))
}

// ObserveCycle counts a finished crawl cycle.
func ObserveCycle(status string, unresolved int) {
	Init()
	cyclesTotal.WithLabelValues(status).Inc()
	if unresolved > 0 {
		unresolvedTotal.Add(float64(unresolved))
	}
}

// ObserveAnalysis counts an analysis run.
func ObserveAnalysis(trigger, result string) {
	Init()
	analysisRunsTotal.WithLabelValues(trigger, result).Inc()
}

// ObservePruned counts persisted rows removed by retention.
func ObservePruned(n int64) {
	if n <= 0 {
		return
	}
	Init()
	prunedTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
