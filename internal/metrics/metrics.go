// Package metrics exposes Prometheus instrumentation for extraction runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for FilesTotal.
const (
	OutcomePersisted   = "persisted"
	OutcomeSkipped     = "skipped"
	OutcomeFailed      = "failed"
	OutcomeQuarantined = "quarantined"
)

// Metrics contains all Prometheus metrics for the extractor.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FilesTotal        *prometheus.CounterVec
	ExtractionSeconds prometheus.Histogram
	OnsetMs           prometheus.Histogram
	InflightFiles     prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
}

// New creates and registers all metrics on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FilesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dialects_files_total",
			Help: "Files handled by the extraction pipeline, by outcome",
		}, []string{"outcome"}),
		ExtractionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dialects_extraction_seconds",
			Help:    "Time spent computing one embedding",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		OnsetMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dialects_onset_ms",
			Help:    "Detected speech onset in milliseconds",
			Buckets: prometheus.LinearBuckets(12000, 1000, 12),
		}),
		InflightFiles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dialects_inflight_files",
			Help: "Files currently being processed",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dialects_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOutcome increments the files counter for outcome.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.FilesTotal.WithLabelValues(outcome).Inc()
}

// ObserveExtraction records how long one Extract call took.
func (m *Metrics) ObserveExtraction(d time.Duration) {
	if m == nil {
		return
	}
	m.ExtractionSeconds.Observe(d.Seconds())
}

// ObserveOnset records an accepted onset.
func (m *Metrics) ObserveOnset(ms float64) {
	if m == nil {
		return
	}
	m.OnsetMs.Observe(ms)
}

// FileStarted increments the in-flight gauge.
func (m *Metrics) FileStarted() {
	if m == nil {
		return
	}
	m.InflightFiles.Inc()
}

// FileDone decrements the in-flight gauge.
func (m *Metrics) FileDone() {
	if m == nil {
		return
	}
	m.InflightFiles.Dec()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}
