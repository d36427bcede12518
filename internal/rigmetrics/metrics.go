// Package rigmetrics exposes per-rig and listener counters as
// Prometheus metrics. Grounded on the teacher's PrometheusMetrics
// (prometheus.go): promauto-built GaugeVecs keyed by a label, updated
// from a periodic collector rather than in the hot path.
package rigmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rcludwick/multirig/internal/rigclient"
)

// Metrics holds every collector this package registers.
type Metrics struct {
	connected      *prometheus.GaugeVec
	frequencyHz    *prometheus.GaugeVec
	pttActive      *prometheus.GaugeVec
	lastOpErrors   *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	listenerConns  prometheus.Counter
	listenerErrors prometheus.Counter
}

// New registers every collector against reg. Pass
// prometheus.DefaultRegisterer for the default global registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "multirig",
			Name:      "rig_connected",
			Help:      "1 if the rig's connection is currently established.",
		}, []string{"rig"}),
		frequencyHz: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "multirig",
			Name:      "rig_frequency_hz",
			Help:      "Last observed VFO frequency in hertz.",
		}, []string{"rig"}),
		pttActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "multirig",
			Name:      "rig_ptt_active",
			Help:      "1 if the rig last reported PTT asserted.",
		}, []string{"rig"}),
		lastOpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multirig",
			Name:      "rig_last_op_error_total",
			Help:      "Count of collector samples that observed a non-empty last_op_error.",
		}, []string{"rig"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multirig",
			Name:      "rig_reconnect_total",
			Help:      "Count of observed transitions into the disconnected state.",
		}, []string{"rig"}),
		listenerConns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "multirig",
			Name:      "rigctl_listener_connections_total",
			Help:      "Count of accepted rigctl listener connections.",
		}),
		listenerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "multirig",
			Name:      "rigctl_listener_accept_errors_total",
			Help:      "Count of rigctl listener accept errors.",
		}),
	}
}

// state tracks the previous connected value per rig so
// Observe can count reconnect *transitions*, not polling ticks.
type state struct {
	connected bool
}

// Collector periodically samples every Client's snapshot into the
// registered gauges. It is not a prometheus.Collector itself — it is a
// plain poller, mirroring the teacher's own pattern of updating gauges
// from a ticking goroutine rather than computing them on scrape.
type Collector struct {
	m        *Metrics
	lastSeen map[int]*state
}

// NewCollector constructs a Collector writing into m.
func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m, lastSeen: map[int]*state{}}
}

// Observe updates every gauge/counter from one rig's current snapshot.
func (c *Collector) Observe(snap rigclient.RigSnapshot) {
	label := prometheus.Labels{"rig": snap.Name}

	connectedVal := 0.0
	if snap.Connected {
		connectedVal = 1.0
	}
	c.m.connected.With(label).Set(connectedVal)
	c.m.frequencyHz.With(label).Set(float64(snap.FrequencyHz))

	pttVal := 0.0
	if snap.PTT {
		pttVal = 1.0
	}
	c.m.pttActive.With(label).Set(pttVal)

	if snap.LastOpError != "" {
		c.m.lastOpErrors.With(label).Inc()
	}

	prev, ok := c.lastSeen[snap.Index]
	if !ok {
		prev = &state{connected: snap.Connected}
		c.lastSeen[snap.Index] = prev
	}
	if prev.connected && !snap.Connected {
		c.m.reconnects.With(label).Inc()
	}
	prev.connected = snap.Connected
}

// IncListenerConnection records one accepted rigctl listener connection.
func (m *Metrics) IncListenerConnection() { m.listenerConns.Inc() }

// IncListenerAcceptError records one rigctl listener accept-loop error.
func (m *Metrics) IncListenerAcceptError() { m.listenerErrors.Inc() }
