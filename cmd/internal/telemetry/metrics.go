// Package telemetry exposes Prometheus metrics for the chat service.
//
// All recording methods are safe on a nil *Metrics so components can run without instrumentation.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "libris"

// Push delivery outcomes.
const (
	PushDelivered = "delivered"
	PushDropped   = "dropped"
)

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	reg *prometheus.Registry

	messagesSent         *prometheus.CounterVec
	conversationsCreated prometheus.Counter
	authzDenied          *prometheus.CounterVec

	wsConnections  prometheus.Gauge
	wsRooms        prometheus.Gauge
	pushDeliveries *prometheus.CounterVec
	publishSeconds prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpSeconds  *prometheus.HistogramVec
}

// New constructs Metrics with Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "messages_sent_total",
			Help: "Messages persisted, by sender type.",
		}, []string{"sender_type"}),
		conversationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "conversations_created_total",
			Help: "Conversations created by get-or-create.",
		}),
		authzDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "authorization_denied_total",
			Help: "Chat operations rejected by authorization, by operation.",
		}, []string{"op"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections",
			Help: "Open websocket connections.",
		}),
		wsRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "rooms",
			Help: "Conversation rooms with at least one member.",
		}),
		pushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "push_deliveries_total",
			Help: "Per-connection push attempts, by result.",
		}, []string{"result"}),
		publishSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ws", Name: "publish_duration_seconds",
			Help:    "Time to fan a message out to one room.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests, by method, route and status class.",
		}, []string{"method", "route", "class"}),
		httpSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency, by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.messagesSent,
		m.conversationsCreated,
		m.authzDenied,
		m.wsConnections,
		m.wsRooms,
		m.pushDeliveries,
		m.publishSeconds,
		m.httpRequests,
		m.httpSeconds,
	)
	return m
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) MessageSent(senderType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(senderType).Inc()
}

func (m *Metrics) ConversationCreated() {
	if m == nil {
		return
	}
	m.conversationsCreated.Inc()
}

func (m *Metrics) AuthorizationDenied(op string) {
	if m == nil {
		return
	}
	m.authzDenied.WithLabelValues(op).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.wsRooms.Set(float64(n))
}

func (m *Metrics) PushResult(result string) {
	if m == nil {
		return
	}
	m.pushDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePublish(d time.Duration) {
	if m == nil {
		return
	}
	m.publishSeconds.Observe(d.Seconds())
}

// ObserveHTTP records one finished request. route should be the mux pattern, not the raw path.
func (m *Metrics) ObserveHTTP(method, route, class string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, class).Inc()
	m.httpSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
