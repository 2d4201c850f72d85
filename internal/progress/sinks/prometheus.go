package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/baseddata-vacuum/internal/progress"
)

// PrometheusSink exports run-level metrics derived from progress events.
type PrometheusSink struct {
	runsStarted    *prometheus.CounterVec
	runsCompleted  *prometheus.CounterVec
	runsRunning    prometheus.Gauge
	runDuration    *prometheus.HistogramVec
	pages          *prometheus.CounterVec
	sourceDuration *prometheus.HistogramVec
	sourceLoaded   *prometheus.GaugeVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vacuum_runs_started_total",
			Help: "Runs started, by mode.",
		}, []string{"mode"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vacuum_runs_completed_total",
			Help: "Runs finished, by mode and final status.",
		}, []string{"mode", "status"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vacuum_runs_running",
			Help: "Runs currently in flight.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vacuum_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{5, 30, 60, 300, 600, 1800, 3600, 7200},
		}, []string{"mode", "status"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vacuum_pages_total",
			Help: "Result pages processed, by source.",
		}, []string{"source"}),
		sourceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vacuum_source_duration_seconds",
			Help:    "Wall time per source within a run.",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 1800},
		}, []string{"source"}),
		sourceLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vacuum_source_last_loaded",
			Help: "Rows loaded by the most recent completion of each source.",
		}, []string{"source"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.pages,
		s.sourceDuration,
		s.sourceLoaded,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.WithLabelValues(evt.Mode).Inc()
			if s.tracker.start(evt.RunID) {
				s.runsRunning.Inc()
			}
		case progress.StageRunDone, progress.StageRunError:
			s.runsCompleted.WithLabelValues(evt.Mode, evt.Status).Inc()
			if evt.Dur > 0 {
				s.runDuration.WithLabelValues(evt.Mode, evt.Status).Observe(evt.Dur.Seconds())
			}
			if s.tracker.complete(evt.RunID) {
				s.runsRunning.Dec()
			}
		case progress.StagePageDone:
			s.pages.WithLabelValues(evt.Source).Inc()
		case progress.StageSourceDone:
			s.sourceLoaded.WithLabelValues(evt.Source).Set(float64(evt.Loaded))
			if evt.Dur > 0 {
				s.sourceDuration.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[uuid.UUID]struct{})}
}

func (t *runTracker) start(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
