// Package metrics exposes Prometheus collectors for the harvest service.
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
	upstreamRequestsTotal          *prometheus.CounterVec
	upstreamRequestDurationSeconds *prometheus.HistogramVec
	upstreamThrottleSeconds        prometheus.Histogram
	pollTicksTotal                 *prometheus.CounterVec
	capturesTotal                  *prometheus.CounterVec
	recordsCapturedTotal           prometheus.Counter
	recoveryOutcomesTotal          *prometheus.CounterVec
	runsFinishedTotal              *prometheus.CounterVec
	activePollers                  prometheus.Gauge
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_upstream_requests_total",
				Help: "Total upstream API calls, labeled by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		)

		upstreamRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_upstream_request_duration_seconds",
				Help:    "Histogram of upstream API call latencies, labeled by endpoint.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"endpoint"},
		)

		upstreamThrottleSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvest_upstream_throttle_seconds",
				Help:    "Histogram of client-side rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		)

		pollTicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_poll_ticks_total",
				Help: "Total run status poll ticks, labeled by result.",
			},
			[]string{"result"},
		)

		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_captures_total",
				Help: "Total run data capture attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		recordsCapturedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_records_captured_total",
				Help: "Total logical records persisted across all captures.",
			},
		)

		recoveryOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_recovery_outcomes_total",
				Help: "Total per-run recovery scan outcomes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		runsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_runs_finished_total",
				Help: "Total runs reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		activePollers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_pollers",
				Help: "Number of run poll loops currently live.",
			},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpstreamRequest records one upstream API call.
func ObserveUpstreamRequest(endpoint, outcome string, duration time.Duration) {
	upstreamRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	upstreamRequestDurationSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveThrottleWait records a client-side rate limit wait.
func ObserveThrottleWait(duration time.Duration) {
	upstreamThrottleSeconds.Observe(duration.Seconds())
}

// ObservePollTick increments the poll tick counter for the given result.
func ObservePollTick(result string) {
	pollTicksTotal.WithLabelValues(result).Inc()
}

// ObserveCapture records one capture attempt and its record yield.
func ObserveCapture(outcome string, records int) {
	capturesTotal.WithLabelValues(outcome).Inc()
	if records > 0 {
		recordsCapturedTotal.Add(float64(records))
	}
}

// ObserveRecovery increments the recovery outcome counter.
func ObserveRecovery(outcome string) {
	recoveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRunFinished increments the terminal run counter for the status.
func ObserveRunFinished(status string) {
	runsFinishedTotal.WithLabelValues(status).Inc()
}

// IncActivePollers increments the live poll loop gauge.
func IncActivePollers() {
	activePollers.Inc()
}

// DecActivePollers decrements the live poll loop gauge.
func DecActivePollers() {
	activePollers.Dec()
}

// ObserveHTTPRequest increments the served HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
