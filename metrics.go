package simcmd_server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type (
	// serverMetrics uses its own registry so that several servers (and tests)
	// can coexist in one process. A nil *serverMetrics records nothing.
	serverMetrics struct {
		registry      *prometheus.Registry
		commands      *prometheus.CounterVec
		duration      prometheus.Histogram
		queueDepth    prometheus.Gauge
		ticks         prometheus.Counter
		notifications *prometheus.CounterVec
		clients       prometheus.Gauge
	}
)

func newServerMetrics() *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simcmd_commands_total",
				Help: "Commands dispatched, by result status",
			},
			[]string{"status"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "simcmd_command_duration_seconds",
				Help:    "Time from dispatch to result, including the wait for the owner loop",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "simcmd_scheduler_queue_depth",
				Help: "Commands waiting for the owner loop",
			},
		),
		ticks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "simcmd_ticks_total",
				Help: "Simulation ticks executed by the owner loop",
			},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simcmd_notifications_total",
				Help: "Notification frames, by outcome",
			},
			[]string{"outcome"},
		),
		clients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "simcmd_clients_active",
				Help: "Connected clients",
			},
		),
	}

	m.registry.MustRegister(m.commands, m.duration, m.queueDepth, m.ticks, m.notifications, m.clients)
	return m
}

func (m *serverMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *serverMetrics) observeCommand(res Result, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(res.Status.String()).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *serverMetrics) setQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *serverMetrics) tick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

func (m *serverMetrics) notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *serverMetrics) setClients(count int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(count))
}
