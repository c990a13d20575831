package balancer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/ValentinKolb/ipool/rpc/connection"
	"github.com/ValentinKolb/ipool/rpc/pool"
	iprototest "github.com/ValentinKolb/ipool/rpc/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePool hands out unconnected Conns and counts every Get
type fakePool struct {
	mu       sync.Mutex
	groups   []pool.GroupInfo
	inactive map[string]bool
	conns    map[string]*connection.Conn
	owner    map[*connection.Conn]string
	gets     int
}

func newFakePool(t *testing.T, groups ...pool.GroupInfo) *fakePool {
	p := &fakePool{
		groups:   groups,
		inactive: map[string]bool{},
		conns:    map[string]*connection.Conn{},
		owner:    map[*connection.Conn]string{},
	}
	for _, g := range groups {
		for i := 0; i < g.Size; i++ {
			conn, err := connection.New("localhost:3301", common.DefaultClientConfig())
			require.NoError(t, err)
			key := slotKey(g.Tag, i)
			p.conns[key] = conn
			p.owner[conn] = key
		}
	}
	return p
}

func slotKey(tag string, index int) string {
	return fmt.Sprintf("%s[%d]", tag, index)
}

func (p *fakePool) setActive(tag string, index int, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inactive[slotKey(tag, index)] = !active
}

func (p *fakePool) Topology() []pool.GroupInfo {
	return p.groups
}

func (p *fakePool) IsActive(tag string, index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.inactive[slotKey(tag, index)]
}

func (p *fakePool) Get(_ context.Context, tag string, index int) (*connection.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets++
	key := slotKey(tag, index)
	if p.inactive[key] {
		return nil, common.ErrSlotNotActive
	}
	return p.conns[key], nil
}

func (p *fakePool) slotOf(conn *connection.Conn) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owner[conn]
}

func (p *fakePool) getCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets
}

// picks calls GetNext n times and returns the chosen slots
func picks(t *testing.T, b IBalancer, p *fakePool, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		conn, err := b.GetNext(context.Background())
		require.NoError(t, err)
		out = append(out, p.slotOf(conn))
	}
	return out
}

// --------------------------------------------------------------------------
// Round robin
// --------------------------------------------------------------------------

func TestRoundRobinCyclesInConfigurationOrder(t *testing.T) {
	p := newFakePool(t, pool.GroupInfo{Tag: "a", Size: 2}, pool.GroupInfo{Tag: "b", Size: 1})
	b := NewRoundRobin(p)

	assert.Equal(t, []string{"a[0]", "a[1]", "b[0]", "a[0]", "a[1]", "b[0]"}, picks(t, b, p, 6))
}

func TestRoundRobinSkipsInactive(t *testing.T) {
	p := newFakePool(t, pool.GroupInfo{Tag: "a", Size: 3})
	p.setActive("a", 1, false)
	b := NewRoundRobin(p)

	assert.Equal(t, []string{"a[0]", "a[2]", "a[0]", "a[2]"}, picks(t, b, p, 4))
}

// --------------------------------------------------------------------------
// Distributing
// --------------------------------------------------------------------------

func TestDistributingSplitsEvenlyAcrossGroups(t *testing.T) {
	p := newFakePool(t, pool.GroupInfo{Tag: "a", Size: 3}, pool.GroupInfo{Tag: "b", Size: 7})
	b := NewDistributing(p)

	perGroup := map[string]int{}
	perSlot := map[string]int{}
	for _, slot := range picks(t, b, p, 20) {
		perGroup[slot[:1]]++
		perSlot[slot]++
	}
	assert.Equal(t, 10, perGroup["a"])
	assert.Equal(t, 10, perGroup["b"])

	// every slot of a group gets its turn
	for i := 0; i < 7; i++ {
		assert.GreaterOrEqual(t, perSlot[slotKey("b", i)], 1)
	}
	assert.Equal(t, 4, perSlot["a[0]"])
	assert.Equal(t, 3, perSlot["a[1]"])
	assert.Equal(t, 3, perSlot["a[2]"])
}

func TestDistributingSkipsDeadGroup(t *testing.T) {
	p := newFakePool(t,
		pool.GroupInfo{Tag: "a", Size: 1},
		pool.GroupInfo{Tag: "b", Size: 2},
		pool.GroupInfo{Tag: "c", Size: 1},
	)
	p.setActive("b", 0, false)
	p.setActive("b", 1, false)
	b := NewDistributing(p)

	assert.Equal(t, []string{"a[0]", "c[0]", "a[0]", "c[0]"}, picks(t, b, p, 4))

	p.setActive("b", 1, true)
	assert.Equal(t, []string{"a[0]", "b[1]", "c[0]"}, picks(t, b, p, 3))
}

// --------------------------------------------------------------------------
// No availability
// --------------------------------------------------------------------------

func TestNoAvailableClientsWithoutIO(t *testing.T) {
	for _, kind := range []common.BalancerKind{common.BalancerRoundRobin, common.BalancerDistributing} {
		t.Run(string(kind), func(t *testing.T) {
			p := newFakePool(t, pool.GroupInfo{Tag: "a", Size: 2}, pool.GroupInfo{Tag: "b", Size: 1})
			p.setActive("a", 0, false)
			p.setActive("a", 1, false)
			p.setActive("b", 0, false)

			b, err := New(kind, p)
			require.NoError(t, err)

			_, err = b.GetNext(context.Background())
			assert.ErrorIs(t, err, common.ErrNoAvailableClients)
			assert.Equal(t, common.KindAvailability, common.KindOf(err))
			assert.Zero(t, p.getCount())
		})
	}
}

func TestEmptyTopology(t *testing.T) {
	p := newFakePool(t)
	_, err := NewDistributing(p).GetNext(context.Background())
	assert.ErrorIs(t, err, common.ErrNoAvailableClients)
	_, err = NewRoundRobin(p).GetNext(context.Background())
	assert.ErrorIs(t, err, common.ErrNoAvailableClients)
}

func TestUnknownBalancerKind(t *testing.T) {
	_, err := New("random", newFakePool(t))
	assert.ErrorIs(t, err, common.ErrInvalidConfig)
}

// --------------------------------------------------------------------------
// Against a real pool
// --------------------------------------------------------------------------

func TestDistributingOverPool(t *testing.T) {
	srv, err := iprototest.NewServer()
	require.NoError(t, err)
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := common.DefaultPoolConfig()
	cfg.Groups = []common.InstanceGroup{
		{Tag: "a", Host: host, Port: port, Size: 1},
		{Tag: "b", Host: host, Port: port, Size: 2},
	}
	p, err := pool.New(cfg)
	require.NoError(t, err)
	defer p.Close()

	b := NewDistributing(p)
	for i := 0; i < 6; i++ {
		conn, err := b.GetNext(context.Background())
		require.NoError(t, err)
		require.NoError(t, conn.Ping(context.Background()))
	}
	assert.Equal(t, 3, srv.Accepted())
}
