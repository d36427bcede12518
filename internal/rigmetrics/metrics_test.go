package rigmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/rcludwick/multirig/internal/rigclient"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestCollectorObserveTracksConnectedAndFrequency(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	c := NewCollector(m)

	c.Observe(rigclient.RigSnapshot{Index: 0, Name: "rig0", Connected: true, FrequencyHz: 14200000})

	if v := gaugeValue(t, m.connected.WithLabelValues("rig0")); v != 1 {
		t.Fatalf("connected = %v, want 1", v)
	}
	if v := gaugeValue(t, m.frequencyHz.WithLabelValues("rig0")); v != 14200000 {
		t.Fatalf("frequencyHz = %v, want 14200000", v)
	}
}

func TestCollectorCountsReconnectTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	c := NewCollector(m)

	c.Observe(rigclient.RigSnapshot{Index: 1, Name: "rig1", Connected: true})
	c.Observe(rigclient.RigSnapshot{Index: 1, Name: "rig1", Connected: false})
	c.Observe(rigclient.RigSnapshot{Index: 1, Name: "rig1", Connected: true})

	var out dto.Metric
	if err := m.reconnects.WithLabelValues("rig1").Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := out.GetCounter().GetValue(); got != 1 {
		t.Fatalf("reconnect count = %v, want 1", got)
	}
}
