// Package metrics exposes relay counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"whatsapp-relay/internal/models"
	"whatsapp-relay/internal/status"
)

var statuses = []status.Status{
	status.Uninitialized, status.Initializing, status.QR, status.Connecting,
	status.Connected, status.Disconnected, status.AuthFailure, status.Failed,
}

type Metrics struct {
	registry *prometheus.Registry

	status   *prometheus.GaugeVec
	messages *prometheus.CounterVec
	qrCodes  prometheus.Counter
	webhook  *prometheus.CounterVec
	requests *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_whatsapp_status",
			Help: "1 for the current WhatsApp connection status.",
		}, []string{"status"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Messages broadcast to browsers.",
		}, []string{"direction"}),
		qrCodes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_qr_codes_total",
			Help: "QR codes shown for pairing.",
		}),
		webhook: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_webhook_results_total",
			Help: "Outcomes of forwarding incoming messages to the webhook.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "HTTP requests by status code and method.",
		}, []string{"code", "method"}),
	}
	m.registry.MustRegister(
		m.status, m.messages, m.qrCodes, m.webhook, m.requests,
		prometheus.NewGoCollector(),
	)
	m.setStatus(status.Uninitialized)
	return m
}

// ClientCounter reports open WebSocket connections.
type ClientCounter interface {
	ClientCount() int
}

// WatchClients exports the live WebSocket client count.
func (m *Metrics) WatchClients(c ClientCounter) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_websocket_clients",
		Help: "Open WebSocket connections.",
	}, func() float64 { return float64(c.ClientCount()) }))
}

func (m *Metrics) setStatus(current status.Status) {
	for _, s := range statuses {
		v := 0.0
		if s == current {
			v = 1
		}
		m.status.WithLabelValues(string(s)).Set(v)
	}
}

// WebhookResult counts one webhook forwarding outcome.
func (m *Metrics) WebhookResult(result string) {
	m.webhook.WithLabelValues(result).Inc()
}

// Observe wraps b and counts what passes through it.
func (m *Metrics) Observe(b status.Broadcaster) status.Broadcaster {
	return &observer{next: b, m: m}
}

type observer struct {
	next status.Broadcaster
	m    *Metrics
}

func (o *observer) Broadcast(event string, data any) {
	switch event {
	case models.EventStatus:
		if p, ok := data.(status.Payload); ok {
			o.m.setStatus(p.Status)
		}
	case models.EventQR:
		o.m.qrCodes.Inc()
	case models.EventMessage:
		if msg, ok := data.(models.Message); ok {
			direction := "in"
			if msg.FromMe {
				direction = "out"
			}
			o.m.messages.WithLabelValues(direction).Inc()
		}
	}
	o.next.Broadcast(event, data)
}

// Instrument counts requests served by next.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(m.requests, next)
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
