package telemetry

import (
	"context"
	"net/http"

	"github.com/polisai/packetflow/pkg/engine/runtime"
	"github.com/polisai/packetflow/pkg/packet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a runtime service that mirrors scheduler activity into a Prometheus
// registry. Register it as a service value on the engine.
type Metrics struct {
	nodesStarted   *prometheus.CounterVec
	nodesProcessed *prometheus.CounterVec
	packetsSent    *prometheus.CounterVec
	setups         prometheus.Counter
	teardowns      prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics service with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		nodesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packetflow_node_started_total",
				Help: "Total number of node invocations that reached the before-process hook",
			},
			[]string{"node_id", "node_type"},
		),

		nodesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packetflow_node_processed_total",
				Help: "Total number of node invocations that completed, by status",
			},
			[]string{"node_id", "node_type", "status"},
		),

		packetsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packetflow_packets_sent_total",
				Help: "Total number of packets sent by nodes",
			},
			[]string{"node_id", "node_type"},
		),

		setups: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "packetflow_context_setups_total",
				Help: "Total number of execution context setups",
			},
		),

		teardowns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "packetflow_context_teardowns_total",
				Help: "Total number of execution context teardowns",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.nodesStarted,
		m.nodesProcessed,
		m.packetsSent,
		m.setups,
		m.teardowns,
	)

	return m
}

// Name implements runtime.Named.
func (m *Metrics) Name() string {
	return "prometheus-metrics"
}

// Setup implements runtime.Setuper.
func (m *Metrics) Setup(context.Context) error {
	m.setups.Inc()
	return nil
}

// Teardown implements runtime.Teardowner.
func (m *Metrics) Teardown(context.Context) error {
	m.teardowns.Inc()
	return nil
}

// OnBeforeProcess implements runtime.BeforeProcessHook.
func (m *Metrics) OnBeforeProcess(_ context.Context, node runtime.BoundNode, _ *packet.Packet) error {
	m.nodesStarted.WithLabelValues(node.ID, node.Type).Inc()
	return nil
}

// OnAfterProcess implements runtime.AfterProcessHook.
func (m *Metrics) OnAfterProcess(_ context.Context, node runtime.BoundNode, _ *packet.Packet, procErr error) error {
	status := "success"
	if procErr != nil {
		status = "error"
	}
	m.nodesProcessed.WithLabelValues(node.ID, node.Type, status).Inc()
	return nil
}

// OnBeforePacketSend implements runtime.BeforePacketSendHook.
func (m *Metrics) OnBeforePacketSend(_ context.Context, node runtime.BoundNode, _ *packet.Packet) error {
	m.packetsSent.WithLabelValues(node.ID, node.Type).Inc()
	return nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
