// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

const namespace = "qbitrr"

// Recorder holds the daemon's collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	decisions      *prometheus.CounterVec
	actions        *prometheus.CounterVec
	actionFailures *prometheus.CounterVec
	backoffs       *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
	searches       *prometheus.CounterVec
	workerRestarts *prometheus.CounterVec
}

// NewRecorder creates a registry with the Go and process collectors plus the daemon's own.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_decisions_total",
			Help:      "Torrent classifications by category and matching rule.",
		}, []string{"category", "rule"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Torrents affected by executed actions.",
		}, []string{"category", "action"}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_failures_total",
			Help:      "Failed action batches.",
		}, []string{"category", "action"}),
		backoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backoffs_total",
			Help:      "Loop backoffs by kind.",
		}, []string{"category", "loop", "kind"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one loop cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"category", "loop"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_commands_total",
			Help:      "Search commands issued to catalog services.",
		}, []string{"category", "kind"}),
		workerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Supervised worker restarts after a panic or unexpected exit.",
		}, []string{"category", "loop"}),
	}

	registry.MustRegister(
		r.decisions,
		r.actions,
		r.actionFailures,
		r.backoffs,
		r.cycleDuration,
		r.searches,
		r.workerRestarts,
	)

	log.Debug().Msg("Metrics recorder initialized")

	return r
}

// Registry exposes the underlying registry for the HTTP handler.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Decision(category, rule string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(category, rule).Inc()
}

func (r *Recorder) Action(category, action string, count int) {
	if r == nil || count == 0 {
		return
	}
	r.actions.WithLabelValues(category, action).Add(float64(count))
}

func (r *Recorder) ActionFailure(category, action string) {
	if r == nil {
		return
	}
	r.actionFailures.WithLabelValues(category, action).Inc()
}

func (r *Recorder) Backoff(category, loop, kind string) {
	if r == nil {
		return
	}
	r.backoffs.WithLabelValues(category, loop, kind).Inc()
}

func (r *Recorder) Cycle(category, loop string, d time.Duration) {
	if r == nil {
		return
	}
	r.cycleDuration.WithLabelValues(category, loop).Observe(d.Seconds())
}

func (r *Recorder) Search(category, kind string) {
	if r == nil {
		return
	}
	r.searches.WithLabelValues(category, kind).Inc()
}

func (r *Recorder) WorkerRestart(category, loop string) {
	if r == nil {
		return
	}
	r.workerRestarts.WithLabelValues(category, loop).Inc()
}
