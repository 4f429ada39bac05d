package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the process. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	linesProcessed *prometheus.CounterVec
	events         *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	pollFailures   *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	actions        *prometheus.CounterVec
}

// NewMetrics registers every collector on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		linesProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "securewatch_lines_processed_total",
			Help: "Complete log lines handed to the line processor",
		}, []string{"kind"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "securewatch_events_total",
			Help: "Processed lines by match and dedup result",
		}, []string{"kind", "result"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "securewatch_notifications_total",
			Help: "Novel events by notification outcome",
		}, []string{"result"}),
		pollFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "securewatch_poll_failures_total",
			Help: "Failed tailer polls",
		}, []string{"host"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "securewatch_reconnects_total",
			Help: "Forced SSH reconnects",
		}, []string{"host"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "securewatch_actions_total",
			Help: "fail2ban and firewall actions by result",
		}, []string{"action", "result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) line(kind EventKind) {
	if m == nil {
		return
	}
	m.linesProcessed.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) event(kind EventKind, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) pollFailure(host string) {
	if m == nil {
		return
	}
	m.pollFailures.WithLabelValues(host).Inc()
}

func (m *Metrics) reconnect(host string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(host).Inc()
}

func (m *Metrics) action(action string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.actions.WithLabelValues(action, result).Inc()
}
