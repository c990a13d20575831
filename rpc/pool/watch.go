package pool

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/ValentinKolb/ipool/rpc/connection"
)

// slotWatch is a watch registered on a slot, it outlives the slot's connections
type slotWatch struct {
	key    string
	cb     connection.WatchCallback
	handle connection.Unwatcher // registration on the current connection, nil while there is none
}

type slotWatchHandle struct {
	slot *slot
	w    *slotWatch
	once sync.Once
}

func (h *slotWatchHandle) Unwatch() {
	h.once.Do(func() {
		h.slot.unwatch(h.w)
	})
}

// Watch registers cb for key on slot (tag, index).
//
// The registration belongs to the slot, not to its current connection: every
// connection the slot opens subscribes to key, so events keep arriving across
// reconnects. A slot that was never connected subscribes on its first connect.
// The watch ends with Unwatch or when the slot is removed.
func (p *Pool) Watch(tag string, index int, key string, cb connection.WatchCallback) (connection.Unwatcher, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil watch callback", common.ErrInvalidConfig)
	}
	s, err := p.slot(tag, index)
	if err != nil {
		return nil, err
	}
	return s.watch(key, cb)
}

func (s *slot) watch(key string, cb connection.WatchCallback) (connection.Unwatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired {
		return nil, fmt.Errorf("%w: %s was removed", common.ErrSlotNotActive, s)
	}

	w := &slotWatch{key: key, cb: cb}
	if s.conn != nil {
		h, err := s.conn.Watch(key, cb)
		if err != nil {
			return nil, err
		}
		w.handle = h
	}
	s.watches = append(s.watches, w)
	return &slotWatchHandle{slot: s, w: w}, nil
}

func (s *slot) unwatch(w *slotWatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, other := range s.watches {
		if other == w {
			s.watches = append(s.watches[:i], s.watches[i+1:]...)
			break
		}
	}
	if w.handle != nil {
		w.handle.Unwatch()
		w.handle = nil
	}
}

// attachWatchesLocked registers every watch of the slot on conn
func (s *slot) attachWatchesLocked(conn *connection.Conn) {
	for _, w := range s.watches {
		h, err := conn.Watch(w.key, w.cb)
		if err != nil {
			Logger.Warningf("watching %q on %s failed: %v", w.key, s, err)
			w.handle = nil
			continue
		}
		w.handle = h
	}
}
