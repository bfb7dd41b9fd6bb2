// Package teredometrics exposes Prometheus metrics for the Teredo engine.
package teredometrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "teredo"
	subsystem = "engine"
)

// Label names for Teredo metrics.
const (
	labelPhase = "phase"
	labelRole  = "role"
)

// Collector holds all Teredo Prometheus metrics.
//
//   - Phase tracks the qualification state machine's current phase.
//   - Peers tracks the live peer-table size.
//   - Bubbles/EchoProbes count NAT-traversal probe volume.
//   - Packets{Encapsulated,Decapsulated,Dropped} track the packet path.
type Collector struct {
	// Phase is a gauge set to 1 for the currently active qualification
	// phase and 0 for the others, labeled by phase name.
	Phase *prometheus.GaugeVec

	// Peers tracks the number of live entries in the peer table.
	Peers prometheus.Gauge

	// BubblesSent counts bubbles emitted for NAT hole-punching.
	BubblesSent prometheus.Counter

	// EchoProbesSent counts ICMPv6 Echo Request reachability probes sent.
	EchoProbesSent prometheus.Counter

	// EchoProbesVerified counts Echo Replies that matched their nonce.
	EchoProbesVerified prometheus.Counter

	// PacketsEncapsulated counts outbound IPv6 datagrams wrapped in UDP.
	PacketsEncapsulated prometheus.Counter

	// PacketsDecapsulated counts inbound UDP datagrams delivered upward
	// as IPv6.
	PacketsDecapsulated prometheus.Counter

	// PacketsDropped counts inbound or outbound packets rejected by the
	// engine (malformed, out of scope, or failing a precondition).
	PacketsDropped prometheus.Counter
}

// NewCollector creates a Collector with all Teredo metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
// role labels the engine instance ("client" or "relay").
func NewCollector(reg prometheus.Registerer, role string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics(role)

	reg.MustRegister(
		c.Phase,
		c.Peers,
		c.BubblesSent,
		c.EchoProbesSent,
		c.EchoProbesVerified,
		c.PacketsEncapsulated,
		c.PacketsDecapsulated,
		c.PacketsDropped,
	)

	return c
}

func newMetrics(role string) *Collector {
	constLabels := prometheus.Labels{labelRole: role}

	return &Collector{
		Phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "qualification_phase",
			Help:        "1 for the currently active qualification phase, 0 otherwise.",
			ConstLabels: constLabels,
		}, []string{labelPhase}),

		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "peers",
			Help:        "Number of live entries in the peer table.",
			ConstLabels: constLabels,
		}),

		BubblesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "bubbles_sent_total",
			Help:        "Total NAT hole-punching bubbles emitted.",
			ConstLabels: constLabels,
		}),

		EchoProbesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "echo_probes_sent_total",
			Help:        "Total ICMPv6 Echo Request reachability probes sent.",
			ConstLabels: constLabels,
		}),

		EchoProbesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "echo_probes_verified_total",
			Help:        "Total Echo Replies that matched their probe nonce.",
			ConstLabels: constLabels,
		}),

		PacketsEncapsulated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "packets_encapsulated_total",
			Help:        "Total outbound IPv6 datagrams encapsulated in UDP.",
			ConstLabels: constLabels,
		}),

		PacketsDecapsulated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "packets_decapsulated_total",
			Help:        "Total inbound UDP datagrams delivered upward as IPv6.",
			ConstLabels: constLabels,
		}),

		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "packets_dropped_total",
			Help:        "Total packets rejected by the engine.",
			ConstLabels: constLabels,
		}),
	}
}

// SetPhase marks phase as the active qualification phase, zeroing all
// others. phases lists every phase name the gauge vector should track so
// dashboards see a stable series set even for phases never yet entered.
func (c *Collector) SetPhase(active string, phases []string) {
	for _, p := range phases {
		if p == active {
			c.Phase.WithLabelValues(p).Set(1)
		} else {
			c.Phase.WithLabelValues(p).Set(0)
		}
	}
}
