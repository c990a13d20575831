package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/ValentinKolb/ipool/rpc/connection"
	gometrics "github.com/rcrowley/go-metrics"
)

// slot is the stable (tag, index) identity of one pooled connection.
// The connection behind it is replaced on every reconnect.
type slot struct {
	pool  *Pool
	group common.InstanceGroup
	index int
	key   string // unique per slot instance, names its metrics and coalesced connects

	latency  gometrics.Timer
	failures gometrics.Counter

	mu        sync.Mutex
	conn      *connection.Conn
	health    HealthState
	window    *healthWindow
	hb        *heartbeat
	reconnect *time.Timer
	watches   []*slotWatch
	retired   bool
}

func newSlot(p *Pool, g common.InstanceGroup, index int) *slot {
	id := p.nextSlotID.Add(1)
	s := &slot{
		pool:   p,
		group:  g,
		index:  index,
		key:    fmt.Sprintf("%s/%d/%d", g.Tag, index, id),
		health: HealthActive,
		window: newHealthWindow(p.config.Heartbeat.WindowSize),
	}
	s.latency = p.registry.GetOrRegister(s.key+".probe.latency", newProbeTimer).(gometrics.Timer)
	s.failures = gometrics.GetOrRegisterCounter(s.key+".probe.failures", p.registry)
	return s
}

// newProbeTimer creates a timer without a meter, meters start a global ticker goroutine
func newProbeTimer() gometrics.Timer {
	return gometrics.NewCustomTimer(gometrics.NewHistogram(gometrics.NewUniformSample(1028)), gometrics.NilMeter{})
}

func (s *slot) String() string {
	return fmt.Sprintf("%s[%d]", s.group.Tag, s.index)
}

// active reports whether the slot may be handed out
func (s *slot) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.retired && s.health == HealthActive
}

func (s *slot) state() (HealthState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health, s.conn != nil
}

// --------------------------------------------------------------------------
// Get and connect
// --------------------------------------------------------------------------

// get returns the connection of an active slot, connecting it first if needed.
// Concurrent calls share one connect.
func (s *slot) get(ctx context.Context) (*connection.Conn, error) {
	s.mu.Lock()
	if s.retired || s.health != HealthActive {
		health := s.health
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", common.ErrSlotNotActive, s, health)
	}
	if conn := s.conn; conn != nil {
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	p := s.pool
	ch := p.sf.DoChan(s.key, func() (interface{}, error) {
		return s.connect()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if p.closed.Load() {
				return nil, fmt.Errorf("%w: %v", common.ErrPoolClosed, res.Err)
			}
			return nil, res.Err
		}
		return res.Val.(*connection.Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, common.ErrPoolClosed
	}
}

// connect opens the first connection of a slot that was never connected
func (s *slot) connect() (*connection.Conn, error) {
	p := s.pool
	if !p.track() {
		return nil, common.ErrPoolClosed
	}
	defer p.wg.Done()

	conn, err := s.dial()
	if err != nil {
		s.mu.Lock()
		// the slot is unusable until the reconnect policy brought it back
		if !s.retired && !p.closed.Load() && s.conn == nil && s.health == HealthActive {
			Logger.Warningf("connecting %s failed: %v", s, err)
			s.transitionLocked(HealthKilled)
			s.scheduleReconnectLocked()
		}
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	installed := s.installLocked(conn)
	s.mu.Unlock()

	if !installed {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s was removed while connecting", common.ErrSlotNotActive, s)
	}
	return conn, nil
}

// dial creates and connects a new connection for the slot
func (s *slot) dial() (*connection.Conn, error) {
	p := s.pool
	conn, err := connection.New(s.group.Address(), p.clientConfig(s.group), p.connOpts...)
	if err != nil {
		return nil, err
	}
	conn.OnClose(func(ev connection.CloseEvent) {
		s.connClosed(conn, ev)
	})
	if err := conn.Connect(p.ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", s, err)
	}
	return conn, nil
}

// installLocked makes conn the slot's connection, marks the slot active and starts probing
func (s *slot) installLocked(conn *connection.Conn) bool {
	if s.retired || conn.State() != connection.StateReady {
		return false
	}
	s.conn = conn
	s.window.reset()
	s.attachWatchesLocked(conn)
	s.pool.emit(func(l Listener) { l.OnConnectionOpened(s.group.Tag, s.index) })

	if s.health != HealthActive {
		s.transitionLocked(HealthActive)
	}

	if s.pool.track() {
		s.hb = newHeartbeat(s, conn)
		go s.hb.run()
	}
	return true
}

// --------------------------------------------------------------------------
// Health
// --------------------------------------------------------------------------

func (s *slot) transitionLocked(to HealthState) {
	from := s.health
	s.health = to
	tag, index := s.group.Tag, s.index
	s.pool.emit(func(l Listener) { l.OnHealthTransition(tag, index, from, to) })
}

// recordProbe feeds a probe outcome into the window and applies the resulting transitions.
// It returns false when h must stop probing.
func (s *slot) recordProbe(h *heartbeat, elapsed time.Duration, err error) bool {
	s.latency.Update(elapsed)
	if err != nil {
		s.failures.Inc(1)
	}

	s.mu.Lock()
	if s.retired || s.hb != h {
		s.mu.Unlock()
		return false
	}
	if err != nil {
		Logger.Debugf("probe of %s failed: %v", s, err)
	}

	s.window.record(err != nil)
	for _, to := range transitions(s.health, s.window, s.pool.config.Heartbeat) {
		s.transitionLocked(to)
	}
	if s.health != HealthKilled {
		s.mu.Unlock()
		return true
	}

	conn := s.conn
	failures := s.window.failures
	s.conn = nil
	s.hb = nil
	s.scheduleReconnectLocked()
	s.mu.Unlock()

	Logger.Warningf("%s failed %d probes in its window, closing its connection", s, failures)
	_ = conn.Close()
	return false
}

// connClosed handles the end of a connection session. Connections the slot
// dropped itself only produce the close event, others kill the slot.
func (s *slot) connClosed(conn *connection.Conn, ev connection.CloseEvent) {
	tag, index := s.group.Tag, s.index
	s.pool.emit(func(l Listener) { l.OnConnectionClosed(tag, index, ev.Reason, ev.Err) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired || s.conn != conn {
		return
	}

	s.conn = nil
	if s.hb != nil {
		s.hb.stop()
		s.hb = nil
	}
	s.transitionLocked(HealthKilled)
	s.scheduleReconnectLocked()
}

// --------------------------------------------------------------------------
// Reconnect
// --------------------------------------------------------------------------

func (s *slot) scheduleReconnectLocked() {
	if s.retired || s.pool.closed.Load() {
		return
	}
	delay := s.pool.ReconnectDelay()
	s.reconnect = time.AfterFunc(delay, s.reconnectNow)

	tag, index := s.group.Tag, s.index
	s.pool.emit(func(l Listener) { l.OnReconnectScheduled(tag, index, delay) })
}

func (s *slot) reconnectNow() {
	p := s.pool
	if !p.track() {
		return
	}
	defer p.wg.Done()

	s.mu.Lock()
	retired := s.retired
	s.mu.Unlock()
	if retired {
		return
	}

	conn, err := s.dial()

	s.mu.Lock()
	s.reconnect = nil
	if err != nil {
		Logger.Warningf("reconnecting %s failed: %v", s, err)
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		return
	}
	installed := s.installLocked(conn)
	if !installed {
		// the connection died before it was installed
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	if !installed {
		_ = conn.Close()
	}
}

// retire takes the slot out of the pool for good and closes its connection
func (s *slot) retire() error {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return nil
	}
	s.retired = true
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	if s.hb != nil {
		s.hb.stop()
		s.hb = nil
	}
	conn := s.conn
	s.conn = nil
	s.watches = nil
	s.mu.Unlock()

	s.pool.registry.Unregister(s.key + ".probe.latency")
	s.pool.registry.Unregister(s.key + ".probe.failures")

	if conn != nil {
		return conn.Close()
	}
	return nil
}
