package connection

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/ValentinKolb/ipool/rpc/serializer"
)

// --------------------------------------------------------------------------
// Outbound
// --------------------------------------------------------------------------

// start registers ex (if it expects a reply) and writes its request.
// On error the exchange is no longer registered and the caller decides whether to fail it.
func (c *Conn) start(sess *session, ex exchange, timeout time.Duration) error {
	send := func() (uint64, error) {
		return c.send(sess, ex, timeout)
	}
	if g, ok := ex.(guardedExchange); ok {
		return g.guard(send)
	}
	_, err := send()
	return err
}

func (c *Conn) send(sess *session, ex exchange, timeout time.Duration) (uint64, error) {
	req := *ex.request()

	if !ex.expectsReply() {
		req.Header.Sync = c.nextSyncID()
		if err := c.write(sess, &req); err != nil {
			return 0, c.writeFailed(sess, err)
		}
		return 0, nil
	}

	entry := &pendingEntry{ex: ex}
	sync := c.register(entry)
	req.Header.Sync = sync

	// teardown may have run between readySession and register
	if sess.dead.Load() {
		c.remove(sync, entry)
		return 0, sess.err()
	}

	if timeout > 0 {
		entry.arm(timeout, func() { c.expire(sync, entry) })
	}

	if err := c.write(sess, &req); err != nil {
		c.remove(sync, entry)
		return 0, c.writeFailed(sess, err)
	}
	return sync, nil
}

// writeFailed closes the socket so the reader tears the session down.
// Callers may hold the watcher lock, so the teardown must not run here.
func (c *Conn) writeFailed(sess *session, err error) error {
	_ = sess.netConn.Close()
	return fmt.Errorf("%w: write to %s: %v", common.ErrConnectionClosed, c.addr, err)
}

// write serializes p and writes it as one frame
func (c *Conn) write(sess *session, p *common.Packet) error {
	data, err := c.ser.Serialize(p)
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return serializer.WriteFrame(sess.netConn, data)
}

// --------------------------------------------------------------------------
// Pending table
// --------------------------------------------------------------------------

// nextSyncID returns the next sync id, skipping 0 (reserved for unsolicited packets)
func (c *Conn) nextSyncID() uint64 {
	for {
		if id := c.nextSync.Add(1); id != 0 {
			return id
		}
	}
}

// register stores entry under a sync id that is not in use and returns the id
func (c *Conn) register(entry *pendingEntry) uint64 {
	for {
		id := c.nextSyncID()
		if _, loaded := c.pending.LoadOrStore(id, entry); !loaded {
			return id
		}
	}
}

// remove deletes entry if it is still registered under sync and stops its timer.
// It reports whether this call removed it.
func (c *Conn) remove(sync uint64, entry *pendingEntry) bool {
	removed := false
	c.pending.Compute(sync, func(old *pendingEntry, loaded bool) (*pendingEntry, bool) {
		if loaded && old == entry {
			removed = true
			return nil, true
		}
		return old, !loaded
	})
	if removed {
		entry.disarm()
	}
	return removed
}

// expire fails entry with a timeout unless it completed in the meantime
func (c *Conn) expire(sync uint64, entry *pendingEntry) {
	if c.remove(sync, entry) {
		entry.ex.fail(fmt.Errorf("%w: sync %d on %s", common.ErrRequestTimeout, sync, c.addr))
	}
}

// failAll fails and removes every pending exchange
func (c *Conn) failAll(cause error) {
	c.pending.Range(func(sync uint64, entry *pendingEntry) bool {
		if c.remove(sync, entry) {
			entry.ex.fail(cause)
		}
		return true
	})
}

// --------------------------------------------------------------------------
// Inbound
// --------------------------------------------------------------------------

// readLoop reads frames until the socket fails and dispatches them in order
func (c *Conn) readLoop(sess *session) {
	buf := make([]byte, 0, 4096)
	for {
		payload, err := serializer.ReadFrame(sess.reader, buf)
		if err != nil {
			c.terminate(sess, CloseRemote, fmt.Errorf("%w: read from %s: %v", common.ErrConnectionClosed, c.addr, err))
			return
		}
		if cap(payload) > cap(buf) {
			buf = payload[:0]
		}

		p := &common.Packet{}
		if err := c.ser.Deserialize(payload, p); err != nil {
			c.terminate(sess, CloseRemote, fmt.Errorf("%w: decode from %s: %v", common.ErrConnectionClosed, c.addr, err))
			return
		}
		c.dispatch(sess, p)
	}
}

// dispatch routes an inbound packet to the exchange it belongs to
func (c *Conn) dispatch(sess *session, p *common.Packet) {
	if p.Header.Code == common.RespEvent {
		c.dispatchEvent(sess, p)
		return
	}

	sync := p.Header.Sync
	entry, ok := c.pending.Load(sync)
	if !ok || sync == 0 {
		c.ignored(p)
		return
	}
	c.complete(sess, sync, entry, p)
}

// dispatchEvent resolves an event to the current subscription of its key
func (c *Conn) dispatchEvent(sess *session, p *common.Packet) {
	key, ok := p.EventKey()
	if !ok {
		c.ignored(p)
		return
	}
	sync := c.watchers.syncID(key)
	if sync == 0 {
		c.ignored(p)
		return
	}
	entry, ok := c.pending.Load(sync)
	if !ok {
		c.ignored(p)
		return
	}
	c.complete(sess, sync, entry, p)
}

// complete lets the exchange consume p and starts its successor once it is done
func (c *Conn) complete(sess *session, sync uint64, entry *pendingEntry, p *common.Packet) {
	done, next := entry.ex.handle(p)
	if !done {
		return
	}
	c.remove(sync, entry)

	if next != nil && !sess.dead.Load() {
		if err := c.start(sess, next, 0); err != nil {
			next.fail(err)
		}
	}
}

func (c *Conn) ignored(p *common.Packet) {
	Logger.Debugf("ignoring %s from %s", p, c.addr)
	if c.onIgnored != nil {
		c.onIgnored(p)
	}
}
