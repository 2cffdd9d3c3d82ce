// Package metrics wires the Prometheus counters/gauges shared by every
// Connection a Peer owns into one registry per Peer instance.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the process-wide (per-Peer) Prometheus vectors.
// Connection-level counters (RollingStat, LossWindow) live alongside
// these in internal/connection.ConnectionMetrics; Registry only owns
// what gets exported for scraping.
type Registry struct {
	reg *prometheus.Registry

	BytesOut    *prometheus.CounterVec
	BytesIn     *prometheus.CounterVec
	MessagesOut *prometheus.CounterVec
	MessagesIn  *prometheus.CounterVec

	ReliableDiscarded prometheus.Counter
	NotifyDiscarded   prometheus.Counter
	TransportErrors   prometheus.Counter

	RTTMillis *prometheus.GaugeVec
}

// New creates a Registry backed by a fresh prometheus.Registry, never
// the global default: each Peer (and each test) gets its own, avoiding
// double-registration panics across instances in the same process.
func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		BytesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messagenet",
			Name:      "bytes_out_total",
			Help:      "Bytes sent, by delivery mode.",
		}, []string{"mode"}),
		BytesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messagenet",
			Name:      "bytes_in_total",
			Help:      "Bytes received, by delivery mode.",
		}, []string{"mode"}),
		MessagesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messagenet",
			Name:      "messages_out_total",
			Help:      "Messages sent, by delivery mode.",
		}, []string{"mode"}),
		MessagesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messagenet",
			Name:      "messages_in_total",
			Help:      "Messages received, by delivery mode.",
		}, []string{"mode"}),
		ReliableDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "messagenet",
			Name:      "reliable_discarded_total",
			Help:      "Reliable frames dropped as duplicates or stale out-of-order arrivals.",
		}),
		NotifyDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "messagenet",
			Name:      "notify_discarded_total",
			Help:      "Notify frames dropped as duplicates or late re-deliveries.",
		}),
		TransportErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "messagenet",
			Name:      "transport_errors_total",
			Help:      "Transport-level send failures.",
		}),
		RTTMillis: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "messagenet",
			Name:      "rtt_milliseconds",
			Help:      "Smoothed RTT per connection.",
		}, []string{"connection"}),
	}
}

// Gatherer exposes the underlying registry for an HTTP scrape endpoint.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
