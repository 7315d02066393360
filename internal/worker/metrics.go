package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	removalsTotal    *prometheus.CounterVec
	removalDuration  *prometheus.HistogramVec
	activeRemovals   prometheus.Gauge
	inputBytesTotal  prometheus.Counter
	outputBytesTotal prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		removalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zyncut_worker_removals_total",
			Help: "Total background removals by winning backend and outcome.",
		}, []string{"backend", "outcome"}),
		removalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zyncut_worker_removal_duration_seconds",
			Help:    "Duration of each removal including fallback and compositing.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 90},
		}, []string{"backend", "outcome"}),
		activeRemovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zyncut_worker_active_removals",
			Help: "Current number of removals in flight in the worker.",
		}),
		inputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zyncut_worker_input_bytes_total",
			Help: "Total source image bytes of successful removals.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zyncut_worker_output_bytes_total",
			Help: "Total composited PNG bytes of successful removals.",
		}),
	}

	registry.MustRegister(
		m.removalsTotal,
		m.removalDuration,
		m.activeRemovals,
		m.inputBytesTotal,
		m.outputBytesTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
