package pool

import (
	"time"

	"github.com/ValentinKolb/ipool/lib/util"
	"github.com/ValentinKolb/ipool/rpc/connection"
)

// Listener receives pool events for metrics and logging.
//
// Events are delivered asynchronously on a single goroutine owned by the pool,
// in the order the pool produced them. Events of one slot are never reordered.
// The pool never reads anything back from a listener.
type Listener interface {
	// OnConnectionOpened is called once a slot's connection passed its handshake
	OnConnectionOpened(tag string, index int)

	// OnConnectionClosed is called once per established connection of a slot when it ends
	OnConnectionClosed(tag string, index int, reason connection.CloseReason, err error)

	// OnHealthTransition is called for every health state change of a slot
	OnHealthTransition(tag string, index int, from, to HealthState)

	// OnReconnectScheduled is called when a reconnect of a slot is scheduled after delay
	OnReconnectScheduled(tag string, index int, delay time.Duration)
}

// NopListener ignores every event. Embed it to implement only some methods.
type NopListener struct{}

func (NopListener) OnConnectionOpened(string, int)                                {}
func (NopListener) OnConnectionClosed(string, int, connection.CloseReason, error) {}
func (NopListener) OnHealthTransition(string, int, HealthState, HealthState)      {}
func (NopListener) OnReconnectScheduled(string, int, time.Duration)               {}

var _ Listener = NopListener{}

// --------------------------------------------------------------------------
// Fan out
// --------------------------------------------------------------------------

type multiListener []Listener

// MultiListener returns a Listener that forwards every event to all listeners in order
func MultiListener(listeners ...Listener) Listener {
	return multiListener(listeners)
}

func (m multiListener) OnConnectionOpened(tag string, index int) {
	for _, l := range m {
		l.OnConnectionOpened(tag, index)
	}
}

func (m multiListener) OnConnectionClosed(tag string, index int, reason connection.CloseReason, err error) {
	for _, l := range m {
		l.OnConnectionClosed(tag, index, reason, err)
	}
}

func (m multiListener) OnHealthTransition(tag string, index int, from, to HealthState) {
	for _, l := range m {
		l.OnHealthTransition(tag, index, from, to)
	}
}

func (m multiListener) OnReconnectScheduled(tag string, index int, delay time.Duration) {
	for _, l := range m {
		l.OnReconnectScheduled(tag, index, delay)
	}
}

// --------------------------------------------------------------------------
// Logging
// --------------------------------------------------------------------------

// LoggingListener writes every event to the pool logger
type LoggingListener struct{}

func (LoggingListener) OnConnectionOpened(tag string, index int) {
	Logger.Infof("%s[%d] connected", tag, index)
}

func (LoggingListener) OnConnectionClosed(tag string, index int, reason connection.CloseReason, err error) {
	Logger.Infof("%s[%d] closed (%s): %v", tag, index, reason, err)
}

func (LoggingListener) OnHealthTransition(tag string, index int, from, to HealthState) {
	if to == HealthActive {
		Logger.Infof("%s[%d] %s -> %s", tag, index, from, to)
		return
	}
	Logger.Warningf("%s[%d] %s -> %s", tag, index, from, to)
}

func (LoggingListener) OnReconnectScheduled(tag string, index int, delay time.Duration) {
	Logger.Infof("%s[%d] reconnecting in %s", tag, index, delay)
}

// --------------------------------------------------------------------------
// Async delivery
// --------------------------------------------------------------------------

// dispatcher delivers events to a Listener on its own goroutine
type dispatcher struct {
	queue    *util.MPSCQueue[func(Listener)]
	listener Listener
	done     chan struct{}
}

func newDispatcher(l Listener) *dispatcher {
	d := &dispatcher{
		queue:    util.NewMPSCQueue[func(Listener)](),
		listener: l,
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	for fn := range d.queue.Recv() {
		d.deliver(fn)
	}
}

func (d *dispatcher) deliver(fn func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("pool listener panicked: %v", r)
		}
	}()
	fn(d.listener)
}

// emit queues an event, events after close are dropped
func (d *dispatcher) emit(fn func(Listener)) {
	d.queue.Push(fn)
}

// close delivers the queued events and stops the goroutine
func (d *dispatcher) close() {
	d.queue.Close()
	<-d.done
}
