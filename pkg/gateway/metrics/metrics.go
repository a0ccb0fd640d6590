// Package metrics holds the Prometheus metrics for the voice gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skyvoice-ai/skyvoice/pkg/pipeline"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	UtterancesTotal   *prometheus.CounterVec
	UtteranceDuration *prometheus.HistogramVec

	PathSwitchesTotal  *prometheus.CounterVec
	DeliveryOverflows  prometheus.Counter
	AudioBytesTotal    *prometheus.CounterVec
	FragmentsTotal     *prometheus.CounterVec
	PipelineEventsTotal *prometheus.CounterVec
}

// New creates all gateway metrics on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "skyvoice"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of active live sessions",
	})

	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total number of live sessions",
	}, []string{"status"})

	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Live session duration in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	utterancesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "utterances_total",
		Help:      "Total utterances by path and outcome",
	}, []string{"path", "outcome"})

	utteranceDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "utterance_duration_seconds",
		Help:      "Utterance wall time from start to completion",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"path"})

	pathSwitchesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "path_switches_total",
		Help:      "Total path switches by direction and reason",
	}, []string{"from", "to", "reason"})

	deliveryOverflows := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_overflows_total",
		Help:      "Total utterances cancelled by fragment buffer overflow",
	})

	audioBytesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_bytes_total",
		Help:      "Total audio bytes by direction",
	}, []string{"direction"})

	fragmentsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fragments_total",
		Help:      "Total response fragments delivered by kind",
	}, []string{"kind"})

	pipelineEventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_events_total",
		Help:      "Total pipeline lifecycle events by type",
	}, []string{"event"})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		utterancesTotal,
		utteranceDuration,
		pathSwitchesTotal,
		deliveryOverflows,
		audioBytesTotal,
		fragmentsTotal,
		pipelineEventsTotal,
	)

	return &Metrics{
		registry:            registry,
		SessionsActive:      sessionsActive,
		SessionsTotal:       sessionsTotal,
		SessionDuration:     sessionDuration,
		UtterancesTotal:     utterancesTotal,
		UtteranceDuration:   utteranceDuration,
		PathSwitchesTotal:   pathSwitchesTotal,
		DeliveryOverflows:   deliveryOverflows,
		AudioBytesTotal:     audioBytesTotal,
		FragmentsTotal:      fragmentsTotal,
		PipelineEventsTotal: pipelineEventsTotal,
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a new live session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a live session ending.
func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordAudio records audio bytes moving through a session.
func (m *Metrics) RecordAudio(direction string, bytes int) {
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordFragment records one delivered response fragment.
func (m *Metrics) RecordFragment(kind string) {
	m.FragmentsTotal.WithLabelValues(kind).Inc()
}

// RecordEvent counts a pipeline lifecycle event, with the dedicated series
// for path switches and overflows.
func (m *Metrics) RecordEvent(ev pipeline.Event) {
	m.PipelineEventsTotal.WithLabelValues(ev.EventType()).Inc()
	switch e := ev.(type) {
	case *pipeline.PathSwitched:
		m.PathSwitchesTotal.WithLabelValues(e.From, e.To, e.Reason).Inc()
	case *pipeline.DeliveryOverflow:
		m.DeliveryOverflows.Inc()
	case *pipeline.UtteranceCompleted:
		m.UtterancesTotal.WithLabelValues(e.Path, "completed").Inc()
	case *pipeline.UtteranceCancelled:
		m.UtterancesTotal.WithLabelValues("", "cancelled").Inc()
	}
}
