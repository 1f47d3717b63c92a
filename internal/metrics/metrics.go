// Package metrics records generation and credential counters on a
// private Prometheus registry.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roelfdiedericks/docgen/internal/paths"
)

const namespace = "docgen"

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeSkipped  = "skipped"
	OutcomeCanceled = "canceled"
)

// Recorder owns the collectors. A nil *Recorder discards everything, so
// components can take one unconditionally.
type Recorder struct {
	registry *prometheus.Registry

	attempts      *prometheus.CounterVec
	generations   *prometheus.HistogramVec
	exhausted     *prometheus.CounterVec
	continuations *prometheus.CounterVec
	credentials   *prometheus.CounterVec
	chunks        prometheus.Histogram
}

// New builds a recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "failover",
				Name:      "attempts_total",
				Help:      "Generation attempts per model and outcome",
			},
			[]string{"model", "outcome", "kind"},
		),
		generations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "failover",
				Name:      "generation_duration_seconds",
				Help:      "Wall time of a Generate call, failover included",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "failover",
				Name:      "exhausted_total",
				Help:      "Generate calls that ran out of candidates, by last error kind",
			},
			[]string{"kind"},
		),
		continuations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "truncation",
				Name:      "continuations_total",
				Help:      "Continuation requests sent for cut-off responses",
			},
			[]string{"outcome"},
		),
		credentials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credentials",
				Name:      "events_total",
				Help:      "Credential pool transitions by type",
			},
			[]string{"event"},
		),
		chunks: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "chunks",
				Help:      "Fragments received per completed stream",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 7),
			},
		),
	}
	r.registry.MustRegister(r.attempts, r.generations, r.exhausted, r.continuations, r.credentials, r.chunks)
	return r
}

// Registry exposes the registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Attempt counts one candidate attempt. An empty kind is recorded as "none".
func (r *Recorder) Attempt(model, outcome, kind string) {
	if r == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	r.attempts.WithLabelValues(model, outcome, kind).Inc()
}

// Generation observes the duration of a whole Generate call.
func (r *Recorder) Generation(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.generations.WithLabelValues(outcome).Observe(d.Seconds())
}

// Exhausted counts a Generate that failed on every candidate.
func (r *Recorder) Exhausted(kind string) {
	if r == nil {
		return
	}
	r.exhausted.WithLabelValues(kind).Inc()
}

// Continuation counts a continuation request.
func (r *Recorder) Continuation(outcome string) {
	if r == nil {
		return
	}
	r.continuations.WithLabelValues(outcome).Inc()
}

// CredentialEvent counts a pool transition.
func (r *Recorder) CredentialEvent(event string) {
	if r == nil {
		return
	}
	r.credentials.WithLabelValues(event).Inc()
}

// StreamChunks observes the fragment count of a completed stream.
func (r *Recorder) StreamChunks(n int) {
	if r == nil {
		return
	}
	r.chunks.Observe(float64(n))
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	path, err := paths.ExpandTilde(path)
	if err != nil {
		return fmt.Errorf("metrics textfile path: %w", err)
	}
	if err := paths.EnsureParentDir(path); err != nil {
		return fmt.Errorf("metrics textfile dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
