// Package metrics exposes signaling counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the signaling service's instruments behind a private
// registry so tests can construct isolated instances.
//
// A nil *Metrics is valid and records nothing; wiring stays optional in
// tests.
type Metrics struct {
	reg *prometheus.Registry

	connections prometheus.Gauge
	rooms       prometheus.Gauge
	messages    *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meets_signaling_connections",
		Help: "Currently connected websocket clients.",
	})
	m.rooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meets_signaling_rooms",
		Help: "Currently live rooms.",
	})
	m.messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meets_signaling_messages_total",
		Help: "Inbound signaling messages handled, by event type.",
	}, []string{"type"})
	m.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meets_signaling_errors_total",
		Help: "Request-scoped protocol errors returned to clients, by code.",
	}, []string{"code"})

	m.reg.MustRegister(m.connections, m.rooms, m.messages, m.errors)
	return m
}

// Handler serves the registry in Prometheus' text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// SetRooms records the current live room count after a registry mutation.
func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) Message(eventType string) {
	if m != nil {
		m.messages.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) Error(code string) {
	if m != nil {
		m.errors.WithLabelValues(code).Inc()
	}
}
