package metrics

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/ValentinKolb/ipool/rpc/connection"
	"github.com/ValentinKolb/ipool/rpc/pool"
	iprototest "github.com/ValentinKolb/ipool/rpc/testing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func victoriaOutput(l *VictoriaListener) string {
	var buf bytes.Buffer
	l.WritePrometheus(&buf)
	return buf.String()
}

// gathered returns the value of the series name{labels} or -1 if there is none
func gathered(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, m := range family.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return -1
}

// --------------------------------------------------------------------------
// VictoriaMetrics
// --------------------------------------------------------------------------

func TestVictoriaListenerSeries(t *testing.T) {
	l := NewVictoria(nil)

	l.OnConnectionOpened("a", 0)
	l.OnHealthTransition("a", 0, pool.HealthActive, pool.HealthInvalidated)
	l.OnHealthTransition("a", 0, pool.HealthInvalidated, pool.HealthKilled)
	l.OnConnectionClosed("a", 0, connection.CloseRemote, errors.New("boom"))
	l.OnReconnectScheduled("a", 0, 100*time.Millisecond)
	l.OnConnectionOpened("a", 0)

	out := victoriaOutput(l)
	assert.Contains(t, out, `ipool_connections_opened_total{tag="a",index="0"} 2`)
	assert.Contains(t, out, `ipool_connections_closed_total{tag="a",index="0",reason="remote"} 1`)
	assert.Contains(t, out, `ipool_health_transitions_total{tag="a",index="0",from="active",to="invalidated"} 1`)
	assert.Contains(t, out, `ipool_health_transitions_total{tag="a",index="0",from="invalidated",to="killed"} 1`)
	assert.Contains(t, out, `ipool_reconnects_scheduled_total{tag="a",index="0"} 1`)
	assert.Contains(t, out, `ipool_reconnect_delay_seconds_count{tag="a",index="0"} 1`)
	assert.Contains(t, out, `ipool_slot_health{tag="a",index="0"} 2`)
	assert.Contains(t, out, `ipool_slot_connected{tag="a",index="0"} 1`)

	l.OnHealthTransition("a", 0, pool.HealthKilled, pool.HealthActive)
	assert.Contains(t, victoriaOutput(l), `ipool_slot_health{tag="a",index="0"} 0`)
}

func TestVictoriaListenerWithPool(t *testing.T) {
	srv, err := iprototest.NewServer()
	require.NoError(t, err)
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := common.DefaultPoolConfig()
	cfg.Groups = []common.InstanceGroup{{Tag: "a", Host: host, Port: port, Size: 2}}

	l := NewVictoria(nil)
	p, err := pool.New(cfg, pool.WithListener(l))
	require.NoError(t, err)

	require.NoError(t, p.ConnectAll(context.Background()))
	require.Eventually(t, func() bool {
		out := victoriaOutput(l)
		return bytes.Contains([]byte(out), []byte(`ipool_slot_connected{tag="a",index="1"} 1`)) &&
			bytes.Contains([]byte(out), []byte(`ipool_slot_connected{tag="a",index="0"} 1`))
	}, 3*time.Second, 5*time.Millisecond)

	// Close waits for every queued event
	require.NoError(t, p.Close())
	out := victoriaOutput(l)
	assert.Contains(t, out, `ipool_connections_closed_total{tag="a",index="0",reason="client"} 1`)
	assert.Contains(t, out, `ipool_slot_connected{tag="a",index="0"} 0`)
}

// --------------------------------------------------------------------------
// Prometheus
// --------------------------------------------------------------------------

func TestPrometheusRegistersLazily(t *testing.T) {
	reg := prometheus.NewRegistry()
	l := NewPrometheus(reg, "")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)

	l.OnConnectionOpened("a", 1)
	assert.Equal(t, 1.0, gathered(t, reg, "ipool_pool_connections_opened_total", map[string]string{"tag": "a", "index": "1"}))
}

func TestPrometheusListenerSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	l := NewPrometheus(reg, "test")

	l.OnConnectionOpened("a", 0)
	l.OnHealthTransition("a", 0, pool.HealthActive, pool.HealthInvalidated)
	l.OnHealthTransition("a", 0, pool.HealthInvalidated, pool.HealthKilled)
	l.OnConnectionClosed("a", 0, connection.CloseShutdown, nil)
	l.OnReconnectScheduled("a", 0, time.Second)
	l.OnReconnectScheduled("a", 0, time.Second)

	slot := map[string]string{"tag": "a", "index": "0"}
	assert.Equal(t, 1.0, gathered(t, reg, "test_pool_connections_opened_total", slot))
	assert.Equal(t, 1.0, gathered(t, reg, "test_pool_connections_closed_total",
		map[string]string{"tag": "a", "index": "0", "reason": "shutdown"}))
	assert.Equal(t, 1.0, gathered(t, reg, "test_pool_health_transitions_total",
		map[string]string{"tag": "a", "index": "0", "from": "invalidated", "to": "killed"}))
	assert.Equal(t, float64(pool.HealthKilled), gathered(t, reg, "test_pool_slot_health", slot))
	assert.Equal(t, 2.0, gathered(t, reg, "test_pool_reconnects_scheduled_total", slot))
	assert.Equal(t, 2.0, gathered(t, reg, "test_pool_reconnect_delay_seconds", map[string]string{"tag": "a"}))
}

func TestListenersCombine(t *testing.T) {
	reg := prometheus.NewRegistry()
	pl := NewPrometheus(reg, "")
	vl := NewVictoria(nil)

	pool.MultiListener(pl, vl).OnConnectionOpened("b", 3)

	assert.Equal(t, 1.0, gathered(t, reg, "ipool_pool_connections_opened_total", map[string]string{"tag": "b", "index": "3"}))
	assert.Contains(t, victoriaOutput(vl), `ipool_connections_opened_total{tag="b",index="3"} 1`)
}
