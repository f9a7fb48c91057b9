package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/market-navigator/internal/progress"
)

// PrometheusSink tracks cycle lifecycle metrics.
type PrometheusSink struct {
	cyclesStarted  prometheus.Counter
	cyclesRunning  prometheus.Gauge
	cycleRuntime   *prometheus.HistogramVec
	cycleAccepted  prometheus.Histogram
	symbolAttempts *prometheus.CounterVec

	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

// NewPrometheusSink registers its collectors on reg (default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		cyclesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "navigator_progress_cycles_started_total",
			Help: "Crawl cycles that have started.",
		}),
		cyclesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "navigator_progress_cycles_running",
			Help: "Crawl cycles currently running.",
		}),
		cycleRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "navigator_progress_cycle_runtime_seconds",
			Help:    "Wall time per finished cycle, by result.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"result"}),
		cycleAccepted: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "navigator_progress_cycle_accepted_symbols",
			Help:    "Snapshots accepted per finished cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		symbolAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navigator_progress_symbol_attempts_total",
			Help: "Visit attempts reported through progress, by outcome.",
		}, []string{"outcome"}),
		running: make(map[uuid.UUID]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.cyclesStarted,
		s.cyclesRunning,
		s.cycleRuntime,
		s.cycleAccepted,
		s.symbolAttempts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch {
		case evt.Stage == progress.StageCycleStart:
			s.cyclesStarted.Inc()
			if s.track(evt.CycleID, true) {
				s.cyclesRunning.Inc()
			}
		case evt.Stage.Terminal():
			result := resultLabel(evt.Stage)
			if evt.Dur > 0 {
				s.cycleRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
			}
			s.cycleAccepted.Observe(float64(evt.AcceptedCount))
			if s.track(evt.CycleID, false) {
				s.cyclesRunning.Dec()
			}
		case evt.Stage == progress.StageVisitDone:
			outcome := "duplicate"
			if evt.Accepted {
				outcome = "accepted"
			}
			s.symbolAttempts.WithLabelValues(outcome).Inc()
		case evt.Stage == progress.StageVisitFailed:
			s.symbolAttempts.WithLabelValues("failed").Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error { return nil }

// track marks id running (start) or finished and reports whether it changed.
func (s *PrometheusSink) track(id uuid.UUID, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	if start {
		if ok {
			return false
		}
		s.running[id] = struct{}{}
		return true
	}
	if !ok {
		return false
	}
	delete(s.running, id)
	return true
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageCycleDone:
		return "success"
	case progress.StageCycleAborted:
		return "aborted"
	default:
		return "error"
	}
}
