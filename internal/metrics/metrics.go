// Package metrics exposes pipeline collectors and the ops HTTP endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"exploitwatch/internal/breaker"
)

// Recorder holds the pipeline collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	sourceOutcomes *prometheus.CounterVec
	candidates     *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	cacheHits      *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exploitwatch_cycles_total",
			Help: "Ingestion cycles by final status",
		}, []string{"status"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "exploitwatch_cycle_duration_seconds",
			Help:    "Wall time of ingestion cycles",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		sourceOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exploitwatch_source_outcomes_total",
			Help: "Per-source fetch outcomes",
		}, []string{"source", "outcome"}),
		candidates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exploitwatch_candidates_total",
			Help: "Canonical candidates by dedup decision",
		}, []string{"source", "decision"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exploitwatch_rejections_total",
			Help: "Candidates rejected by the canonicalizer",
		}, []string{"source", "reason"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exploitwatch_breaker_state",
			Help: "Circuit breaker position (0 closed, 1 open, 2 half open)",
		}, []string{"source"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exploitwatch_seen_cache_hits_total",
			Help: "Dedup decisions answered by the seen cache",
		}, []string{"layer"}),
	}
}

// Registry returns the registry backing the collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ObserveCycle(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.cycles.WithLabelValues(status).Inc()
	r.cycleDuration.Observe(d.Seconds())
}

func (r *Recorder) SourceOutcome(source, outcome string) {
	if r == nil {
		return
	}
	r.sourceOutcomes.WithLabelValues(source, outcome).Inc()
}

func (r *Recorder) Candidate(source, decision string) {
	if r == nil {
		return
	}
	r.candidates.WithLabelValues(source, decision).Inc()
}

func (r *Recorder) Rejection(source, reason string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(source, reason).Inc()
}

func (r *Recorder) CacheHit(layer string) {
	if r == nil || layer == "" {
		return
	}
	r.cacheHits.WithLabelValues(layer).Inc()
}

// BreakerState sets the gauge for source. It is safe to use as a
// breaker.WithStateChange hook.
func (r *Recorder) BreakerState(source string, _, to breaker.State) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(source).Set(float64(to))
}
