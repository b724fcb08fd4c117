package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runharvest/runharvest/internal/progress"
)

// PrometheusSink exports run progress metrics via Prometheus. It owns all
// collectors for runs started/done/in-flight and payload fetch counters.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsDone     *prometheus.CounterVec
	runsInFlight prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	fetchBytes       prometheus.Counter
	fetchDuration    prometheus.Histogram
	recordsPersisted prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_runs_started_total",
			Help: "Total runs triggered on the upstream service.",
		}),
		runsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_runs_done_total",
			Help: "Total runs that reached a terminal status, partitioned by status.",
		}, []string{"status"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_runs_in_flight",
			Help: "Runs currently tracked between trigger and terminal status.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_run_duration_seconds",
			Help:    "Upstream wall time per finished run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"status"}),
		fetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_fetch_bytes_total",
			Help: "Payload bytes downloaded from the upstream data endpoint.",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_fetch_duration_seconds",
			Help:    "Payload download duration.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		recordsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_records_persisted_total",
			Help: "Normalized records written to the store.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsDone,
		s.runsInFlight,
		s.runDuration,
		s.fetchBytes,
		s.fetchDuration,
		s.recordsPersisted,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTrigger, progress.StageDone:
		s.handleRunEvent(evt)
	case progress.StageFetch:
		s.handleFetchEvent(evt)
	case progress.StagePersist:
		if evt.Records > 0 {
			s.recordsPersisted.Add(float64(evt.Records))
		}
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTrigger:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunToken) {
			s.runsInFlight.Inc()
		}
	case progress.StageDone:
		status := evt.Status
		if status == "" {
			status = "unknown"
		}
		s.runsDone.WithLabelValues(status).Inc()
		if evt.Dur > 0 {
			s.runDuration.WithLabelValues(status).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunToken) {
			s.runsInFlight.Dec()
		}
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	if evt.Bytes > 0 {
		s.fetchBytes.Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[token]; ok {
		return false
	}
	t.running[token] = struct{}{}
	return true
}

func (t *runTracker) complete(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[token]; !ok {
		return false
	}
	delete(t.running, token)
	return true
}
