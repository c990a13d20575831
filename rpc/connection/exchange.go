package connection

import (
	"sync"
	"time"

	"github.com/ValentinKolb/ipool/rpc/common"
)

// exchange is one request/response interaction registered under a sync id.
//
// The reader hands every packet addressed to the exchange to handle. Once handle
// reports done the exchange is removed from the pending table and the returned
// successor (if any) is started on the same connection.
type exchange interface {
	request() *common.Packet
	expectsReply() bool
	handle(p *common.Packet) (done bool, next exchange)
	fail(err error)
}

// guardedExchange runs its registration and write inside its own critical section
type guardedExchange interface {
	exchange
	guard(send func() (uint64, error)) error
}

// --------------------------------------------------------------------------
// Pending table entry
// --------------------------------------------------------------------------

type pendingEntry struct {
	ex exchange

	mu       sync.Mutex
	timer    *time.Timer
	finished bool
}

// arm starts the timeout timer unless the entry already finished
func (e *pendingEntry) arm(d time.Duration, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.finished {
		e.timer = time.AfterFunc(d, fn)
	}
}

// disarm marks the entry finished and stops its timer
func (e *pendingEntry) disarm() {
	e.mu.Lock()
	e.finished = true
	t := e.timer
	e.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// --------------------------------------------------------------------------
// Plain request
// --------------------------------------------------------------------------

// requestExchange resolves a Future with the first reply
type requestExchange struct {
	req    *common.Packet
	future *Future
}

func (x *requestExchange) request() *common.Packet { return x.req }
func (x *requestExchange) expectsReply() bool      { return true }

func (x *requestExchange) handle(p *common.Packet) (bool, exchange) {
	x.future.resolve(p, p.Err())
	return true, nil
}

func (x *requestExchange) fail(err error) {
	x.future.resolve(nil, err)
}

// --------------------------------------------------------------------------
// Watch subscription
// --------------------------------------------------------------------------

// watchExchange is the current subscription of a watched key.
// It stays pending until the next event for the key arrives, dispatches that
// event and yields a fresh watchExchange whose WATCH request acknowledges it.
type watchExchange struct {
	conn *Conn
	key  string
}

func (x *watchExchange) request() *common.Packet { return common.NewWatchRequest(x.key) }
func (x *watchExchange) expectsReply() bool      { return true }

func (x *watchExchange) handle(p *common.Packet) (bool, exchange) {
	if x.conn.watchers.dispatch(x.key, p.EventData()) {
		return true, &watchExchange{conn: x.conn, key: x.key}
	}
	return true, nil
}

// fail is a no-op, subscriptions are re-established on the next connect
func (x *watchExchange) fail(error) {}

func (x *watchExchange) guard(send func() (uint64, error)) error {
	return x.conn.watchers.resubscribe(x.key, send)
}

// --------------------------------------------------------------------------
// Unwatch
// --------------------------------------------------------------------------

// unwatchExchange cancels a subscription, the server does not reply
type unwatchExchange struct {
	key string
}

func (x *unwatchExchange) request() *common.Packet                { return common.NewUnwatchRequest(x.key) }
func (x *unwatchExchange) expectsReply() bool                     { return false }
func (x *unwatchExchange) handle(*common.Packet) (bool, exchange) { return true, nil }
func (x *unwatchExchange) fail(error)                             {}
