// Package metrics defines the Prometheus instruments of the nowcast
// services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nowcast"

// Metrics holds every counter, gauge and histogram of the service.
type Metrics struct {
	registry *prometheus.Registry

	ForecastsTotal   *prometheus.CounterVec // labels: outcome={success,invalid,error}
	ForecastDuration prometheus.Histogram
	ForecastsRunning prometheus.Gauge
	EnsembleMembers  prometheus.Histogram

	MessagesConsumed prometheus.Counter
	MessagesProduced prometheus.Counter
	DecodeErrors     prometheus.Counter
	WorkerRunning    prometheus.Gauge

	HTTPRequests *prometheus.CounterVec // labels: route, code
	ModelParams  prometheus.Gauge
}

// NewMetrics creates the instruments and registers them, together with the
// Go runtime and process collectors, on a dedicated registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// NewMetricsForTesting creates the instruments on a fresh registry without
// runtime collectors.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ForecastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forecasts_total",
			Help:      "Forecast requests by outcome.",
		}, []string{"outcome"}),
		ForecastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forecast_duration_seconds",
			Help:      "Wall time of a forecast including every ensemble member.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		ForecastsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forecasts_running",
			Help:      "Generator forward passes currently executing.",
		}),
		EnsembleMembers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ensemble_members",
			Help:      "Members requested per forecast.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		}),
		MessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Messages read from the source topic.",
		}),
		MessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_produced_total",
			Help:      "Messages written to the sink topic.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Source messages skipped because they could not be decoded.",
		}),
		WorkerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_running",
			Help:      "1 while the stream worker is consuming.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		ModelParams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_parameters",
			Help:      "Scalar parameter count of the served generator.",
		}),
	}
	m.registry.MustRegister(
		m.ForecastsTotal,
		m.ForecastDuration,
		m.ForecastsRunning,
		m.EnsembleMembers,
		m.MessagesConsumed,
		m.MessagesProduced,
		m.DecodeErrors,
		m.WorkerRunning,
		m.HTTPRequests,
		m.ModelParams,
	)
	return m
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
