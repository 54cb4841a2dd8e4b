package oob

import (
	"expvar"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSeq generates unique IDs for expvar namespacing across transports.
var metricsSeq atomic.Int64

// Metrics tracks transport counters. All counters are lock-free
// (atomic int64), published to expvar under the "oob.<n>." prefix and
// exported to Prometheus through Collect.
type Metrics struct {
	ConnectAttempts    atomic.Int64
	ConnectFailures    atomic.Int64
	HandshakesAccepted atomic.Int64
	HandshakesRejected atomic.Int64
	HandshakeRaces     atomic.Int64
	ProtocolMismatches atomic.Int64
	ProbesAnswered     atomic.Int64

	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64
	MessagesRelayed  atomic.Int64
	MessagesFailed   atomic.Int64
	BytesSent        atomic.Int64
	BytesReceived    atomic.Int64

	ConnectionsLost  atomic.Int64
	PeersUnreachable atomic.Int64

	// peersConnectedFn reports the number of connected peers.
	// Set by Transport at init time.
	peersConnectedFn func() int
}

// counterDesc pairs a metric name with its counter.
type counterDesc struct {
	name string
	help string
	v    *atomic.Int64
}

func (m *Metrics) counters() []counterDesc {
	return []counterDesc{
		{"connect_attempts", "Outbound connect attempts.", &m.ConnectAttempts},
		{"connect_failures", "Outbound connect attempts that failed.", &m.ConnectFailures},
		{"handshakes_accepted", "Inbound handshakes accepted.", &m.HandshakesAccepted},
		{"handshakes_rejected", "Inbound handshakes refused.", &m.HandshakesRejected},
		{"handshake_races", "Simultaneous connects resolved by tie-break.", &m.HandshakeRaces},
		{"protocol_mismatches", "Handshakes failed on version mismatch.", &m.ProtocolMismatches},
		{"probes_answered", "Probe headers echoed.", &m.ProbesAnswered},
		{"messages_sent", "Data messages written.", &m.MessagesSent},
		{"messages_received", "Data messages delivered locally.", &m.MessagesReceived},
		{"messages_relayed", "Data messages forwarded to another peer.", &m.MessagesRelayed},
		{"messages_failed", "Sends completed with an error.", &m.MessagesFailed},
		{"bytes_sent", "Payload bytes written.", &m.BytesSent},
		{"bytes_received", "Payload bytes read.", &m.BytesReceived},
		{"connections_lost", "Established connections torn down.", &m.ConnectionsLost},
		{"peers_unreachable", "Peers declared unreachable.", &m.PeersUnreachable},
	}
}

// newMetrics creates a Metrics instance and publishes all counters to expvar.
// Each call gets a unique expvar prefix via a monotonic sequence.
func newMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "oob." + strconv.FormatInt(seq, 10) + "."

	for _, c := range m.counters() {
		expvar.Publish(prefix+c.name, atomicVar(c.v))
	}
	expvar.Publish(prefix+"peers_connected", expvar.Func(func() any {
		return m.peersConnected()
	}))

	return m
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

func (m *Metrics) peersConnected() int {
	if m.peersConnectedFn != nil {
		return m.peersConnectedFn()
	}
	return 0
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := make(map[string]int64, 16)
	for _, c := range m.counters() {
		snap[c.name] = c.v.Load()
	}
	snap["peers_connected"] = int64(m.peersConnected())
	return snap
}

var peersConnectedDesc = prometheus.NewDesc("oob_peers_connected", "Peers with an established connection.", nil, nil)

func counterPromDesc(c counterDesc) *prometheus.Desc {
	return prometheus.NewDesc("oob_"+c.name+"_total", c.help, nil, nil)
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.counters() {
		ch <- counterPromDesc(c)
	}
	ch <- peersConnectedDesc
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.counters() {
		ch <- prometheus.MustNewConstMetric(counterPromDesc(c), prometheus.CounterValue, float64(c.v.Load()))
	}
	ch <- prometheus.MustNewConstMetric(peersConnectedDesc, prometheus.GaugeValue, float64(m.peersConnected()))
}
