package pool

import (
	"fmt"

	"github.com/ValentinKolb/ipool/rpc/common"
)

// HealthState is the availability of a pooled slot
type HealthState int32

const (
	// HealthActive slots are handed out by the pool
	HealthActive HealthState = iota
	// HealthInvalidated slots keep their connection and are still probed, but are hidden from callers
	HealthInvalidated
	// HealthKilled slots have no connection and wait for a reconnect
	HealthKilled
)

// String returns the string representation of a HealthState.
func (s HealthState) String() string {
	switch s {
	case HealthActive:
		return "active"
	case HealthInvalidated:
		return "invalidated"
	case HealthKilled:
		return "killed"
	default:
		return fmt.Sprintf("health(%d)", int32(s))
	}
}

// healthWindow is a ring of the last W probe outcomes
type healthWindow struct {
	failed      []bool
	next        int
	count       int
	failures    int
	consecutive int
}

func newHealthWindow(size int) *healthWindow {
	return &healthWindow{failed: make([]bool, size)}
}

// record adds the outcome of one probe, evicting the oldest once the ring is full
func (w *healthWindow) record(failed bool) {
	if w.count == len(w.failed) {
		if w.failed[w.next] {
			w.failures--
		}
	} else {
		w.count++
	}
	w.failed[w.next] = failed
	w.next = (w.next + 1) % len(w.failed)

	if failed {
		w.failures++
		w.consecutive++
	} else {
		w.consecutive = 0
	}
}

func (w *healthWindow) full() bool {
	return w.count == len(w.failed)
}

func (w *healthWindow) reset() {
	for i := range w.failed {
		w.failed[i] = false
	}
	w.next, w.count, w.failures, w.consecutive = 0, 0, 0, 0
}

// nextHealth returns the state that follows cur after the window changed.
// It makes at most one step, callers repeat until the state is stable
// (Active can move to Killed through Invalidated on a single probe).
// Killed is only left by a reconnect, never by probes.
func nextHealth(cur HealthState, w *healthWindow, cfg common.HeartbeatConfig) HealthState {
	switch cur {
	case HealthActive:
		if w.full() && w.failures >= cfg.InvalidationThreshold {
			return HealthInvalidated
		}
	case HealthInvalidated:
		if w.consecutive >= cfg.DeathThreshold || w.failures >= cfg.DeathThreshold {
			return HealthKilled
		}
		if w.failures < cfg.InvalidationThreshold {
			return HealthActive
		}
	}
	return cur
}

// transitions applies nextHealth until the state is stable and returns every state passed
func transitions(cur HealthState, w *healthWindow, cfg common.HeartbeatConfig) []HealthState {
	var path []HealthState
	for {
		next := nextHealth(cur, w, cfg)
		if next == cur {
			return path
		}
		path = append(path, next)
		cur = next
	}
}
