// Package metrics exposes Prometheus collectors for the engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal                  *prometheus.CounterVec
	reconcileDurationSeconds   *prometheus.HistogramVec
	entitiesActive             prometheus.Gauge
	rankDurationSeconds        prometheus.Histogram
	rankResultsReturned        prometheus.Histogram
	interactionsTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobsift_runs_total",
				Help: "Total reconciliation passes, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		reconcileDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobsift_reconcile_duration_seconds",
				Help:    "Histogram of reconciliation pass durations, labeled by kind.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		)

		entitiesActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobsift_entities_active",
				Help: "Number of currently active entities after the last committed run.",
			},
		)

		rankDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jobsift_rank_duration_seconds",
				Help:    "Histogram of match ranking call durations.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		)

		rankResultsReturned = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jobsift_rank_results_returned",
				Help:    "Histogram of result counts returned by ranking calls.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		)

		interactionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobsift_interactions_total",
				Help: "Total recorded interactions, labeled by kind.",
			},
			[]string{"kind"},
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

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jobsift_rate_limit_delay_seconds",
				Help:    "Histogram of time spent waiting for fetch tokens.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun records the outcome and duration of a reconciliation pass.
func ObserveRun(kind string, outcome string, duration time.Duration) {
	runsTotal.WithLabelValues(kind, outcome).Inc()
	reconcileDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetActiveEntities updates the active entity gauge.
func SetActiveEntities(n int) {
	entitiesActive.Set(float64(n))
}

// ObserveRank records a ranking call.
func ObserveRank(results int, duration time.Duration) {
	rankDurationSeconds.Observe(duration.Seconds())
	rankResultsReturned.Observe(float64(results))
}

// ObserveInteraction increments the interaction counter for a kind.
func ObserveInteraction(kind string) {
	interactionsTotal.WithLabelValues(kind).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}
