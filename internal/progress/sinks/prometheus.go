package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/opwatch/internal/progress"
)

// PrometheusSink exports monitor progress metrics via Prometheus. It owns all
// collectors for runs started/completed/running plus fetch, retry and stale
// counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	fetchDuration prometheus.Histogram
	retries       prometheus.Counter
	staleBatches  prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opwatch_operations_started_total",
			Help: "Total monitor runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opwatch_operations_completed_total",
			Help: "Total monitor runs completed partitioned by result and failure reason.",
		}, []string{"result", "reason"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opwatch_operations_running",
			Help: "Current number of polling monitors.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opwatch_operation_runtime_seconds",
			Help:    "Wall time per completed monitor run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "opwatch_status_fetch_duration_seconds",
			Help:    "Latency of successful status fetches, retries included.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opwatch_status_fetch_retries_total",
			Help: "Failed status fetch attempts that were retried.",
		}),
		staleBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opwatch_stale_batches_total",
			Help: "Status batches discarded for carrying another request id.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.fetchDuration,
		s.retries,
		s.staleBatches,
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
	case progress.StageStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.MonitorID) {
			s.runsRunning.Inc()
		}
	case progress.StageUpdate:
		if evt.Dur > 0 {
			s.fetchDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageRetry:
		s.retries.Inc()
	case progress.StageStale:
		s.staleBatches.Inc()
	case progress.StageSucceeded, progress.StageFailed, progress.StageCanceled:
		s.handleTerminal(evt)
	}
}

func (s *PrometheusSink) handleTerminal(evt progress.Event) {
	result := resultLabel(evt.Stage)
	s.runsCompleted.WithLabelValues(result, string(evt.Reason)).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.MonitorID) {
		s.runsRunning.Dec()
	}
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageSucceeded:
		return "success"
	case progress.StageFailed:
		return "failure"
	default:
		return "canceled"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
