package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryMetrics holds Prometheus metrics for the tenant connection registry.
type RegistryMetrics struct {
	Connections              prometheus.Gauge
	AuthenticatedConnections prometheus.Gauge
	Tenants                  prometheus.Gauge
	EventsBroadcast          prometheus.Counter
	MessagesSent             prometheus.Counter
	Evictions                *prometheus.CounterVec
	MalformedMessages        prometheus.Counter
	AuthRejections           *prometheus.CounterVec
	CommandQueueDepth        prometheus.Gauge
	Panics                   prometheus.Counter
}

// NewRegistryMetrics creates and registers registry metrics on the given registry.
func NewRegistryMetrics(reg prometheus.Registerer) *RegistryMetrics {
	m := &RegistryMetrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "connections",
			Help:      "Number of open connections, authenticated or not.",
		}),
		AuthenticatedConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "authenticated_connections",
			Help:      "Number of connections bound to a tenant.",
		}),
		Tenants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "tenants",
			Help:      "Number of tenants with at least one live connection.",
		}),
		EventsBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "events_broadcast_total",
			Help:      "Total number of events broadcast to a tenant with live connections.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "messages_sent_total",
			Help:      "Total number of event frames queued to connections.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Total number of connections removed by the registry, by reason.",
		}, []string{"reason"}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "malformed_messages_total",
			Help:      "Total number of inbound messages that could not be parsed.",
		}),
		AuthRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "auth_rejections_total",
			Help:      "Total number of rejected authenticate messages, by reason.",
		}, []string{"reason"}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "command_queue_depth",
			Help:      "Number of commands waiting for the registry goroutine.",
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "panics_total",
			Help:      "Total number of panics recovered in the registry goroutine.",
		}),
	}

	reg.MustRegister(
		m.Connections,
		m.AuthenticatedConnections,
		m.Tenants,
		m.EventsBroadcast,
		m.MessagesSent,
		m.Evictions,
		m.MalformedMessages,
		m.AuthRejections,
		m.CommandQueueDepth,
		m.Panics,
	)
	return m
}
