package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/ipool/rpc/connection"
	"github.com/ValentinKolb/ipool/rpc/pool"
	vm "github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// VictoriaListener records pool events in a VictoriaMetrics set.
//
// Exported series (all labelled with tag and index):
//
//	ipool_connections_opened_total
//	ipool_connections_closed_total{reason}
//	ipool_health_transitions_total{from,to}
//	ipool_reconnects_scheduled_total
//	ipool_reconnect_delay_seconds
//	ipool_slot_health      0=active 1=invalidated 2=killed
//	ipool_slot_connected   1 while the slot holds an established connection
type VictoriaListener struct {
	set       *vm.Set
	health    *xsync.MapOf[string, pool.HealthState]
	connected *xsync.MapOf[string, bool]
}

var _ pool.Listener = (*VictoriaListener)(nil)

// NewVictoria creates a listener writing to set, a new set is created if set is nil
func NewVictoria(set *vm.Set) *VictoriaListener {
	if set == nil {
		set = vm.NewSet()
	}
	return &VictoriaListener{
		set:       set,
		health:    xsync.NewMapOf[string, pool.HealthState](),
		connected: xsync.NewMapOf[string, bool](),
	}
}

// Set returns the underlying metrics set
func (l *VictoriaListener) Set() *vm.Set {
	return l.set
}

// WritePrometheus writes all series in the Prometheus text format
func (l *VictoriaListener) WritePrometheus(w io.Writer) {
	l.set.WritePrometheus(w)
}

func slotLabels(tag string, index int) string {
	return fmt.Sprintf(`tag=%q,index="%d"`, tag, index)
}

// registerSlot creates the callback gauges of a slot on first use
func (l *VictoriaListener) registerSlot(labels string) {
	l.set.GetOrCreateGauge("ipool_slot_health{"+labels+"}", func() float64 {
		state, _ := l.health.Load(labels)
		return float64(state)
	})
	l.set.GetOrCreateGauge("ipool_slot_connected{"+labels+"}", func() float64 {
		if ok, _ := l.connected.Load(labels); ok {
			return 1
		}
		return 0
	})
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the pool package in listener.go)
// --------------------------------------------------------------------------

func (l *VictoriaListener) OnConnectionOpened(tag string, index int) {
	labels := slotLabels(tag, index)
	l.registerSlot(labels)
	l.connected.Store(labels, true)
	l.set.GetOrCreateCounter("ipool_connections_opened_total{" + labels + "}").Inc()
}

func (l *VictoriaListener) OnConnectionClosed(tag string, index int, reason connection.CloseReason, _ error) {
	labels := slotLabels(tag, index)
	l.registerSlot(labels)
	l.connected.Store(labels, false)
	l.set.GetOrCreateCounter(fmt.Sprintf("ipool_connections_closed_total{%s,reason=%q}", labels, reason.String())).Inc()
}

func (l *VictoriaListener) OnHealthTransition(tag string, index int, from, to pool.HealthState) {
	labels := slotLabels(tag, index)
	l.registerSlot(labels)
	l.health.Store(labels, to)
	l.set.GetOrCreateCounter(fmt.Sprintf("ipool_health_transitions_total{%s,from=%q,to=%q}", labels, from.String(), to.String())).Inc()
}

func (l *VictoriaListener) OnReconnectScheduled(tag string, index int, delay time.Duration) {
	labels := slotLabels(tag, index)
	l.set.GetOrCreateCounter("ipool_reconnects_scheduled_total{" + labels + "}").Inc()
	l.set.GetOrCreateHistogram("ipool_reconnect_delay_seconds{" + labels + "}").Update(delay.Seconds())
}
