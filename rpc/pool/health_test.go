package pool

import (
	"testing"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func heartbeatConfig(w, i, d int) common.HeartbeatConfig {
	cfg := common.DefaultHeartbeatConfig()
	cfg.WindowSize, cfg.InvalidationThreshold, cfg.DeathThreshold = w, i, d
	return cfg
}

// feed records the outcomes and returns the state after each of them
func feed(cur HealthState, w *healthWindow, cfg common.HeartbeatConfig, outcomes ...bool) []HealthState {
	states := make([]HealthState, 0, len(outcomes))
	for _, failed := range outcomes {
		w.record(failed)
		for _, next := range transitions(cur, w, cfg) {
			cur = next
		}
		states = append(states, cur)
	}
	return states
}

func TestInvalidatedOnlyOnceWindowIsFull(t *testing.T) {
	cfg := heartbeatConfig(4, 2, 4)
	w := newHealthWindow(4)

	states := feed(HealthActive, w, cfg, true, true, false, false)
	assert.Equal(t, []HealthState{HealthActive, HealthActive, HealthActive, HealthInvalidated}, states)
}

func TestRecoveryFromInvalidated(t *testing.T) {
	cfg := heartbeatConfig(4, 2, 4)
	w := newHealthWindow(4)

	feed(HealthActive, w, cfg, true, true, false, false)
	// probe 5 evicts the first failure
	states := feed(HealthInvalidated, w, cfg, false)
	assert.Equal(t, []HealthState{HealthActive}, states)
	assert.Equal(t, 1, w.failures)
}

func TestKilledByConsecutiveFailures(t *testing.T) {
	cfg := heartbeatConfig(4, 2, 3)
	w := newHealthWindow(4)

	states := feed(HealthActive, w, cfg, false, false, true, true)
	assert.Equal(t, HealthInvalidated, states[3])

	states = feed(HealthInvalidated, w, cfg, true)
	assert.Equal(t, []HealthState{HealthKilled}, states)
	assert.Equal(t, 3, w.consecutive)
}

func TestKilledByWindowedFailures(t *testing.T) {
	cfg := heartbeatConfig(4, 2, 3)
	w := newHealthWindow(4)

	states := feed(HealthActive, w, cfg, false, true, false, true, true)
	assert.Equal(t, HealthInvalidated, states[3])
	assert.Equal(t, HealthKilled, states[4])
	assert.Equal(t, 2, w.consecutive)
	assert.Equal(t, 3, w.failures)
}

func TestSingleProbeCascadesToKilled(t *testing.T) {
	cfg := heartbeatConfig(2, 1, 2)
	w := newHealthWindow(2)

	w.record(true)
	require.Empty(t, transitions(HealthActive, w, cfg))
	w.record(true)
	assert.Equal(t, []HealthState{HealthInvalidated, HealthKilled}, transitions(HealthActive, w, cfg))
}

func TestKilledIsOnlyLeftByReconnect(t *testing.T) {
	cfg := heartbeatConfig(2, 1, 2)
	w := newHealthWindow(2)

	states := feed(HealthKilled, w, cfg, false, false, false)
	assert.Equal(t, []HealthState{HealthKilled, HealthKilled, HealthKilled}, states)
}

func TestWindowEvictsOldest(t *testing.T) {
	w := newHealthWindow(3)
	for _, failed := range []bool{true, true, true, false, false} {
		w.record(failed)
	}
	assert.True(t, w.full())
	assert.Equal(t, 1, w.failures)
	assert.Equal(t, 0, w.consecutive)

	w.reset()
	assert.False(t, w.full())
	assert.Equal(t, 0, w.failures)
}
