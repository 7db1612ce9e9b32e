// Package metrics provides Prometheus metrics for the agent.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/coreflux/socksback/internal/protocol"
)

const namespace = "socksback"

// Metrics contains all Prometheus metrics for the agent. Its method set
// satisfies internal/session.Metrics.
type Metrics struct {
	TunnelsActive prometheus.Gauge
	TunnelsOpened prometheus.Counter
	TunnelsClosed prometheus.Counter

	BytesInTotal  prometheus.Counter
	BytesOutTotal prometheus.Counter

	DialFailuresTotal *prometheus.CounterVec

	HeartbeatsSentTotal     prometheus.Counter
	HeartbeatsReceivedTotal prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against reg,
// so tests can use a private registry instead of the global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "Number of currently open tunnels to target hosts",
		}),
		TunnelsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_opened_total",
			Help:      "Total number of tunnels successfully opened",
		}),
		TunnelsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_closed_total",
			Help:      "Total number of tunnels closed",
		}),
		BytesInTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_in_total",
			Help:      "Total bytes received from the orchestrator and written to targets",
		}),
		BytesOutTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_out_total",
			Help:      "Total bytes read from targets and sent to the orchestrator",
		}),
		DialFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Total target dial failures by CONNECT_REPLY code",
		}, []string{"reply"}),
		HeartbeatsSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total HEARTBEAT frames sent to the orchestrator",
		}),
		HeartbeatsReceivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Total HEARTBEAT frames received from the orchestrator",
		}),
	}
}

// TunnelOpened records a newly opened tunnel.
func (m *Metrics) TunnelOpened() {
	m.TunnelsActive.Inc()
	m.TunnelsOpened.Inc()
}

// TunnelClosed records a tunnel teardown.
func (m *Metrics) TunnelClosed() {
	m.TunnelsActive.Dec()
	m.TunnelsClosed.Inc()
}

// DialFailed records a failed dial, labeled by its CONNECT_REPLY code.
func (m *Metrics) DialFailed(reply uint8) {
	m.DialFailuresTotal.WithLabelValues(protocol.ReplyName(reply)).Inc()
}

// BytesIn records n bytes forwarded from the orchestrator to a target.
func (m *Metrics) BytesIn(n int) {
	m.BytesInTotal.Add(float64(n))
}

// BytesOut records n bytes forwarded from a target to the orchestrator.
func (m *Metrics) BytesOut(n int) {
	m.BytesOutTotal.Add(float64(n))
}

// HeartbeatSent records an outbound heartbeat.
func (m *Metrics) HeartbeatSent() {
	m.HeartbeatsSentTotal.Inc()
}

// HeartbeatReceived records an inbound heartbeat.
func (m *Metrics) HeartbeatReceived() {
	m.HeartbeatsReceivedTotal.Inc()
}
