// Package metrics exposes Prometheus metrics for the query pipeline and index cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "policydesk"

// Query outcomes.
const (
	OutcomeAnswered      = "answered"
	OutcomeDegraded      = "degraded"
	OutcomeSearchFailure = "search_failure"
)

// Metrics holds the collectors registered on a dedicated registry.
// All methods are safe on a nil *Metrics, which records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	queriesTotal      *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	stageFallbacks    *prometheus.CounterVec
	confidence        prometheus.Histogram
	indexLoadSeconds  prometheus.Histogram
	indexLoaded       prometheus.Gauge
	generationRetries prometheus.Counter
}

// New creates the collectors and registers them, plus Go runtime and process
// collectors, on a new registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries handled, by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		stageFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_fallbacks_total",
			Help:      "Pipeline stages that substituted a fallback value.",
		}, []string{"stage"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confidence_score",
			Help:      "Confidence score of answered queries.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		indexLoadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_load_seconds",
			Help:      "Time to load the index artifact.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		indexLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_loaded",
			Help:      "1 when the index is loaded in memory.",
		}),
		generationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_retries_total",
			Help:      "Retried generation requests.",
		}),
	}
	m.registry.MustRegister(
		m.queriesTotal,
		m.stageDuration,
		m.stageFallbacks,
		m.confidence,
		m.indexLoadSeconds,
		m.indexLoaded,
		m.generationRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveStage records the duration of a pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// StageFallback counts a stage that fell back to a default.
func (m *Metrics) StageFallback(stage string) {
	if m == nil {
		return
	}
	m.stageFallbacks.WithLabelValues(stage).Inc()
}

// QueryFinished counts a finished query and, unless it failed, its confidence.
func (m *Metrics) QueryFinished(outcome string, confidence int) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSearchFailure {
		m.confidence.Observe(float64(confidence))
	}
}

// IndexLoaded records a successful index load.
func (m *Metrics) IndexLoaded(d time.Duration) {
	if m == nil {
		return
	}
	m.indexLoadSeconds.Observe(d.Seconds())
	m.indexLoaded.Set(1)
}

// IndexUnloaded marks the index as released.
func (m *Metrics) IndexUnloaded() {
	if m == nil {
		return
	}
	m.indexLoaded.Set(0)
}

// GenerationRetry counts one retried generation request.
func (m *Metrics) GenerationRetry() {
	if m == nil {
		return
	}
	m.generationRetries.Inc()
}
