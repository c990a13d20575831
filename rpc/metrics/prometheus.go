package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/ValentinKolb/ipool/rpc/connection"
	"github.com/ValentinKolb/ipool/rpc/pool"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusListener records pool events with Prometheus collectors.
//
// The collectors are registered lazily on the first event, so creating a
// listener that never sees an event leaves the registerer untouched.
type PrometheusListener struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	opened         *prometheus.CounterVec
	closed         *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	health         *prometheus.GaugeVec
	reconnects     *prometheus.CounterVec
	reconnectDelay *prometheus.HistogramVec
}

var _ pool.Listener = (*PrometheusListener)(nil)

// NewPrometheus creates a Prometheus backed listener.
//
// Parameters:
//   - reg: registerer for the collectors (prometheus.DefaultRegisterer if nil)
//   - namespace: metrics namespace ("ipool" if empty)
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusListener {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "ipool"
	}
	return &PrometheusListener{reg: reg, namespace: namespace}
}

func (p *PrometheusListener) ensureRegistered() {
	p.once.Do(func() {
		slot := []string{"tag", "index"}

		p.opened = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "connections_opened_total",
			Help:      "Connections that passed their handshake, by slot.",
		}, slot)

		p.closed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "connections_closed_total",
			Help:      "Established connections that ended, by slot and reason (client, remote, shutdown).",
		}, append(slot, "reason"))

		p.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "health_transitions_total",
			Help:      "Health state changes, by slot and states.",
		}, append(slot, "from", "to"))

		p.health = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "slot_health",
			Help:      "Current health of a slot (0=active,1=invalidated,2=killed).",
		}, slot)

		p.reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnects scheduled, by slot.",
		}, slot)

		p.reconnectDelay = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "reconnect_delay_seconds",
			Help:      "Delay of scheduled reconnects in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"tag"})

		p.reg.MustRegister(p.opened)
		p.reg.MustRegister(p.closed)
		p.reg.MustRegister(p.transitions)
		p.reg.MustRegister(p.health)
		p.reg.MustRegister(p.reconnects)
		p.reg.MustRegister(p.reconnectDelay)
	})
}

func (p *PrometheusListener) OnConnectionOpened(tag string, index int) {
	p.ensureRegistered()
	p.opened.WithLabelValues(tag, strconv.Itoa(index)).Inc()
}

func (p *PrometheusListener) OnConnectionClosed(tag string, index int, reason connection.CloseReason, _ error) {
	p.ensureRegistered()
	p.closed.WithLabelValues(tag, strconv.Itoa(index), reason.String()).Inc()
}

func (p *PrometheusListener) OnHealthTransition(tag string, index int, from, to pool.HealthState) {
	p.ensureRegistered()
	idx := strconv.Itoa(index)
	p.transitions.WithLabelValues(tag, idx, from.String(), to.String()).Inc()
	p.health.WithLabelValues(tag, idx).Set(float64(to))
}

func (p *PrometheusListener) OnReconnectScheduled(tag string, index int, delay time.Duration) {
	p.ensureRegistered()
	p.reconnects.WithLabelValues(tag, strconv.Itoa(index)).Inc()
	p.reconnectDelay.WithLabelValues(tag).Observe(delay.Seconds())
}
