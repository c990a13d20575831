package connection

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ValentinKolb/ipool/rpc/common"
)

// ShutdownKey is the key the server sets to true when it shuts down gracefully
const ShutdownKey = "box.shutdown"

// WatchCallback receives the new value of a watched key (nil if the key is unset).
// Callbacks run on the reader goroutine of the connection, in event order.
type WatchCallback func(key string, value interface{})

// Unwatcher removes a single callback registered with Watch
type Unwatcher interface {
	Unwatch()
}

type watchCallback struct {
	id uint64
	fn WatchCallback
}

// watcher is the subscription state of one key
type watcher struct {
	key       string
	callbacks []watchCallback
	internal  func(value interface{})

	// sync id of the current subscription exchange, 0 while not subscribed
	syncID         uint64
	pendingUnwatch bool
}

func (w *watcher) empty() bool {
	return len(w.callbacks) == 0 && w.internal == nil
}

// watcherSet holds all watchers of a Conn. It outlives sessions.
type watcherSet struct {
	mu     sync.Mutex
	m      map[string]*watcher
	nextID uint64
}

func newWatcherSet() *watcherSet {
	return &watcherSet{m: make(map[string]*watcher)}
}

// syncID returns the current subscription of key (0 if there is none)
func (ws *watcherSet) syncID(key string) uint64 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if w, ok := ws.m[key]; ok && !w.pendingUnwatch {
		return w.syncID
	}
	return 0
}

// detach forgets all subscriptions, called when a session ends
func (ws *watcherSet) detach() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, w := range ws.m {
		w.syncID = 0
	}
}

// dispatch calls every callback of key with value and reports whether key is still watched.
// Panics in callbacks are recovered and logged.
func (ws *watcherSet) dispatch(key string, value interface{}) bool {
	ws.mu.Lock()
	w, ok := ws.m[key]
	if !ok || w.pendingUnwatch {
		ws.mu.Unlock()
		return false
	}
	callbacks := append([]watchCallback{}, w.callbacks...)
	internal := w.internal
	ws.mu.Unlock()

	for _, cb := range callbacks {
		safeCall(key, func() { cb.fn(key, value) })
	}
	if internal != nil {
		safeCall(key, func() { internal(value) })
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	w, ok = ws.m[key]
	return ok && !w.pendingUnwatch
}

// resubscribe runs send for key if it is still watched and records the new sync id.
// Holding the lock across send orders it against a concurrent Unwatch.
func (ws *watcherSet) resubscribe(key string, send func() (uint64, error)) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	w, ok := ws.m[key]
	if !ok || w.pendingUnwatch {
		return nil
	}
	sync, err := send()
	if err != nil {
		w.syncID = 0
		return err
	}
	w.syncID = sync
	return nil
}

func safeCall(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("watch callback for %q panicked: %v", key, r)
		}
	}()
	fn()
}

// --------------------------------------------------------------------------
// Conn API
// --------------------------------------------------------------------------

type watchHandle struct {
	conn *Conn
	key  string
	id   uint64
	once sync.Once
}

func (h *watchHandle) Unwatch() {
	h.once.Do(func() {
		h.conn.removeCallback(h.key, h.id)
	})
}

// Watch registers cb for key and subscribes to it if the connection is ready.
// The server answers a new subscription with the current value. Watchers
// survive disconnects and are re-subscribed on every connect.
//
// It fails with ErrWatchersUnsupported if the connection is ready but the
// server did not negotiate the watchers feature.
func (c *Conn) Watch(key string, cb WatchCallback) (Unwatcher, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil watch callback", common.ErrInvalidConfig)
	}
	sess, ready := c.watchSession()
	if ready && !c.ProtocolInfo().Has(common.FeatureWatchers) {
		return nil, fmt.Errorf("%w: %s", common.ErrWatchersUnsupported, c.addr)
	}

	c.watchers.mu.Lock()
	defer c.watchers.mu.Unlock()

	c.watchers.nextID++
	id := c.watchers.nextID

	w, ok := c.watchers.m[key]
	if !ok {
		w = &watcher{key: key}
		c.watchers.m[key] = w
	}
	w.callbacks = append(w.callbacks, watchCallback{id: id, fn: cb})

	w.pendingUnwatch = false

	// subscribed keys keep their subscription, the others are subscribed now or on the next connect
	if ready && (!ok || w.syncID == 0) {
		if err := c.subscribeLocked(sess, w); err != nil {
			Logger.Warningf("failed to subscribe to %q on %s: %v", key, c.addr, err)
		}
	}
	return &watchHandle{conn: c, key: key, id: id}, nil
}

// Unwatch removes every callback of key and cancels the subscription
func (c *Conn) Unwatch(key string) error {
	c.watchers.mu.Lock()
	defer c.watchers.mu.Unlock()

	w, ok := c.watchers.m[key]
	if !ok {
		return nil
	}
	w.callbacks = nil
	return c.dropWatcherLocked(w)
}

func (c *Conn) removeCallback(key string, id uint64) {
	c.watchers.mu.Lock()
	defer c.watchers.mu.Unlock()

	w, ok := c.watchers.m[key]
	if !ok {
		return
	}
	for i, cb := range w.callbacks {
		if cb.id == id {
			w.callbacks = append(w.callbacks[:i], w.callbacks[i+1:]...)
			break
		}
	}
	if err := c.dropWatcherLocked(w); err != nil {
		Logger.Warningf("failed to unwatch %q on %s: %v", key, c.addr, err)
	}
}

// dropWatcherLocked cancels the subscription of w once nothing listens to it anymore
func (c *Conn) dropWatcherLocked(w *watcher) error {
	if !w.empty() {
		return nil
	}

	sess, ready := c.watchSession()
	if !ready {
		w.pendingUnwatch = true
		return nil
	}

	delete(c.watchers.m, w.key)
	if w.syncID != 0 {
		if entry, ok := c.pending.Load(w.syncID); ok {
			c.remove(w.syncID, entry)
		}
		w.syncID = 0
	}
	return c.start(sess, &unwatchExchange{key: w.key}, 0)
}

// watchShutdown installs the internal box.shutdown watcher
func (c *Conn) watchShutdown() {
	c.watchers.mu.Lock()
	defer c.watchers.mu.Unlock()

	w, ok := c.watchers.m[ShutdownKey]
	if !ok {
		w = &watcher{key: ShutdownKey}
		c.watchers.m[ShutdownKey] = w
	}
	w.pendingUnwatch = false
	w.internal = func(value interface{}) {
		if down, _ := value.(bool); down {
			c.shutdown()
		}
	}
}

// subscribeAll sends UNWATCH for every pending unwatch and WATCH for every other key.
// The shutdown key goes first.
func (c *Conn) subscribeAll(sess *session) error {
	c.watchers.mu.Lock()
	defer c.watchers.mu.Unlock()

	keys := make([]string, 0, len(c.watchers.m))
	for key := range c.watchers.m {
		if key != ShutdownKey {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if _, ok := c.watchers.m[ShutdownKey]; ok {
		keys = append([]string{ShutdownKey}, keys...)
	}

	for _, key := range keys {
		w := c.watchers.m[key]
		if w.pendingUnwatch {
			delete(c.watchers.m, key)
			if err := c.start(sess, &unwatchExchange{key: key}, 0); err != nil {
				return err
			}
			continue
		}
		if err := c.subscribeLocked(sess, w); err != nil {
			return err
		}
	}
	return nil
}

// subscribeLocked registers a subscription exchange for w and sends WATCH.
// watchers.mu must be held.
func (c *Conn) subscribeLocked(sess *session, w *watcher) error {
	sync, err := c.send(sess, &watchExchange{conn: c, key: w.key}, 0)
	if err != nil {
		w.syncID = 0
		return err
	}
	w.syncID = sync
	return nil
}

// watchSession returns the current session and whether it is ready for subscriptions.
// A session is ready once its handshake completed, before that subscribeAll owns the watchers.
func (c *Conn) watchSession() (*session, bool) {
	sess, err := c.readySession()
	if err != nil {
		return nil, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess, sess.established
}

// establishWatchers marks sess as established and subscribes or unwatches
// the keys that changed while the handshake ran.
func (c *Conn) establishWatchers(sess *session) bool {
	c.watchers.mu.Lock()
	defer c.watchers.mu.Unlock()

	if !sess.establish() {
		return false
	}
	if !c.ProtocolInfo().Has(common.FeatureWatchers) {
		return true
	}

	for key, w := range c.watchers.m {
		switch {
		case w.pendingUnwatch:
			delete(c.watchers.m, key)
			if w.syncID != 0 {
				if entry, ok := c.pending.Load(w.syncID); ok {
					c.remove(w.syncID, entry)
				}
				w.syncID = 0
			}
			if err := c.start(sess, &unwatchExchange{key: key}, 0); err != nil {
				Logger.Warningf("failed to unwatch %q on %s: %v", key, c.addr, err)
			}
		case w.syncID == 0:
			if err := c.subscribeLocked(sess, w); err != nil {
				Logger.Warningf("failed to subscribe to %q on %s: %v", key, c.addr, err)
			}
		}
	}
	return true
}

// Watched returns the keys with registered callbacks
func (c *Conn) Watched() []string {
	c.watchers.mu.Lock()
	defer c.watchers.mu.Unlock()

	keys := make([]string, 0, len(c.watchers.m))
	for key, w := range c.watchers.m {
		if len(w.callbacks) > 0 && !w.pendingUnwatch {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
