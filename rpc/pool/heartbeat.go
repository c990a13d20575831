package pool

import (
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/ValentinKolb/ipool/rpc/connection"
)

// ProbeFunc checks the health of a connection, a nil error counts as success.
// It must return once ctx is done.
type ProbeFunc func(ctx context.Context, conn *connection.Conn) error

// PingProbe sends a ping request
func PingProbe(ctx context.Context, conn *connection.Conn) error {
	return conn.Ping(ctx)
}

// EvalProbe evaluates expr on the server, the probe fails if it raises
func EvalProbe(expr string) ProbeFunc {
	return func(ctx context.Context, conn *connection.Conn) error {
		_, err := conn.Eval(ctx, expr)
		return err
	}
}

func probeFor(cfg common.HeartbeatConfig) ProbeFunc {
	if cfg.Probe == common.ProbeEval {
		return EvalProbe(cfg.ProbeExpr)
	}
	return PingProbe
}

// heartbeat probes one connection of a slot at a fixed interval.
// It runs until it is stopped or the slot kills the connection.
type heartbeat struct {
	slot     *slot
	conn     *connection.Conn
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newHeartbeat(s *slot, conn *connection.Conn) *heartbeat {
	cfg := s.pool.config.Heartbeat
	return &heartbeat{
		slot:     s,
		conn:     conn,
		probe:    s.pool.probe,
		interval: cfg.Interval,
		timeout:  cfg.EffectiveProbeTimeout(),
		stopCh:   make(chan struct{}),
	}
}

// stop ends the probe loop, it does not wait for a running probe
func (h *heartbeat) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *heartbeat) stopped() bool {
	select {
	case <-h.stopCh:
		return true
	default:
		return false
	}
}

// run is started by the slot with a tracked pool goroutine
func (h *heartbeat) run() {
	defer h.slot.pool.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		err := h.probe(ctx, h.conn)
		cancel()

		if h.stopped() {
			return
		}
		if !h.slot.recordProbe(h, time.Since(start), err) {
			return
		}
	}
}
