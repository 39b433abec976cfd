package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors shared by the hub, gateway and dispatcher
type Metrics struct {
	Connections  prometheus.Gauge
	Rooms        prometheus.Gauge
	Dropped      prometheus.Counter
	Executions   *prometheus.CounterVec
	ExecDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coderoom",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coderoom",
			Name:      "rooms",
			Help:      "Rooms with at least one participant.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coderoom",
			Name:      "deliveries_dropped_total",
			Help:      "Outbound messages dropped because a client was gone or too slow.",
		}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderoom",
			Name:      "executions_total",
			Help:      "Code executions by outcome.",
		}, []string{"language", "outcome"}),
		ExecDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coderoom",
			Name:      "execution_duration_seconds",
			Help:      "Round trip to the execution provider.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.Connections,
		m.Rooms,
		m.Dropped,
		m.Executions,
		m.ExecDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry at /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
