// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus metrics.
//
// The metrics are created unregistered: call [*Metrics.Register] to
// expose them through a [prometheus.Registerer]. A [*Stack] always
// owns a [*Metrics] instance, so counting is unconditional and
// registration is the caller's choice.
type Metrics struct {
	// FramesReceived counts frames read from the device.
	FramesReceived prometheus.Counter

	// FramesSent counts frames written to the device.
	FramesSent prometheus.Counter

	// ParseDrops counts malformed packets silently discarded.
	ParseDrops prometheus.Counter

	// EgressDrops counts synthesized packets dropped because the
	// egress queue was full.
	EgressDrops prometheus.Counter

	// FlowsLive tracks the number of live flows.
	FlowsLive prometheus.Gauge

	// FlowsRefused counts SYNs/datagrams refused because either
	// the flow table or the accept queue was at capacity.
	FlowsRefused prometheus.Counter

	// Retransmissions counts retransmitted TCP segments.
	Retransmissions prometheus.Counter

	// FlowsReset counts TCP flows terminated by a reset,
	// either peer-initiated or engine-initiated.
	FlowsReset prometheus.Counter
}

// NewMetrics creates a new unregistered [*Metrics] instance.
func NewMetrics() *Metrics {
	return &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uip_frames_received_total",
			Help: "Total number of frames read from the device",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uip_frames_sent_total",
			Help: "Total number of frames written to the device",
		}),
		ParseDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uip_parse_drops_total",
			Help: "Total number of malformed packets discarded by the parser",
		}),
		EgressDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uip_egress_drops_total",
			Help: "Total number of packets dropped on the egress queue",
		}),
		FlowsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uip_flows_live",
			Help: "Number of live TCP flows and UDP sessions",
		}),
		FlowsRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uip_flows_refused_total",
			Help: "Total number of flows refused due to capacity limits",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uip_retransmissions_total",
			Help: "Total number of retransmitted TCP segments",
		}),
		FlowsReset: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uip_flows_reset_total",
			Help: "Total number of TCP flows terminated by reset",
		}),
	}
}

// Register registers all metrics with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.FramesReceived,
		m.FramesSent,
		m.ParseDrops,
		m.EgressDrops,
		m.FlowsLive,
		m.FlowsRefused,
		m.Retransmissions,
		m.FlowsReset,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
