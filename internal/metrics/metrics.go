// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arc"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested   *prometheus.CounterVec
	EventsProcessed  *prometheus.CounterVec
	EventsRejected   prometheus.Counter
	ProcessDuration  prometheus.Histogram
	AnomalyScores    prometheus.Histogram
	ScoringFallbacks *prometheus.CounterVec
	FeatureFallbacks *prometheus.CounterVec
	RuleMatches      *prometheus.CounterVec
	IncidentsOpened  *prometheus.CounterVec
	ResponseActions  *prometheus.CounterVec
	ModelTrainings   *prometheus.CounterVec
	ModelSamples     prometheus.Gauge
	QueueDepth       prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Events received, by transport and outcome.",
		}, []string{"transport", "outcome"}),
		EventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events processed, by routing tier.",
		}, []string{"tier"}),
		EventsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Events rejected by validation.",
		}),
		ProcessDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Time to process one event.",
			Buckets:   prometheus.DefBuckets,
		}),
		AnomalyScores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "anomaly_score",
			Help:      "Distribution of anomaly scores.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		ScoringFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_fallbacks_total",
			Help:      "Events routed without an anomaly score.",
		}, []string{"reason"}),
		FeatureFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feature_fallbacks_total",
			Help:      "Features that took their neutral value.",
		}, []string{"feature"}),
		RuleMatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_matches_total",
			Help:      "Detection rule matches.",
		}, []string{"rule"}),
		IncidentsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_opened_total",
			Help:      "Incidents opened, by severity.",
		}, []string{"severity"}),
		ResponseActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_actions_total",
			Help:      "Response actions, by kind and status.",
		}, []string{"kind", "status"}),
		ModelTrainings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_trainings_total",
			Help:      "Training runs, by outcome.",
		}, []string{"outcome"}),
		ModelSamples: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_samples",
			Help:      "Samples in the installed model.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting in the ingest queue.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
