package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocketMetrics holds Prometheus metrics for the upgrade endpoint.
type WebSocketMetrics struct {
	Upgrades prometheus.Counter
	Rejected *prometheus.CounterVec
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		Upgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "upgrades_total",
			Help:      "Total number of successful WebSocket upgrades.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rejected_total",
			Help:      "Total number of WebSocket connections rejected before upgrade, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.Upgrades, m.Rejected)
	return m
}
