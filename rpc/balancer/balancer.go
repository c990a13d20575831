package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/ValentinKolb/ipool/rpc/connection"
	"github.com/ValentinKolb/ipool/rpc/pool"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("balancer")

// IPool is the part of a pool a balancer consults
type IPool interface {
	// Topology returns the configured groups in configuration order
	Topology() []pool.GroupInfo

	// IsActive reports whether a slot may be handed out, without any I/O
	IsActive(tag string, index int) bool

	// Get returns the connection of a slot, connecting it first if needed
	Get(ctx context.Context, tag string, index int) (*connection.Conn, error)
}

// IBalancer picks the connection for the next request
type IBalancer interface {
	// GetNext returns a connection of an Active slot or ErrNoAvailableClients
	GetNext(ctx context.Context) (*connection.Conn, error)
}

var (
	_ IPool     = (*pool.Pool)(nil)
	_ IBalancer = (*RoundRobin)(nil)
	_ IBalancer = (*Distributing)(nil)
)

// New creates the balancer selected by kind
func New(kind common.BalancerKind, p IPool) (IBalancer, error) {
	switch kind {
	case common.BalancerRoundRobin:
		return NewRoundRobin(p), nil
	case "", common.BalancerDistributing:
		return NewDistributing(p), nil
	default:
		return nil, fmt.Errorf("%w: unknown balancer %q", common.ErrInvalidConfig, kind)
	}
}

type slotRef struct {
	tag   string
	index int
}

// getSlot fetches the connection of an active slot. ok is false if the slot
// stopped being active in the meantime and the caller should move on.
func getSlot(ctx context.Context, p IPool, ref slotRef) (conn *connection.Conn, ok bool, err error) {
	conn, err = p.Get(ctx, ref.tag, ref.index)
	if errors.Is(err, common.ErrSlotNotActive) {
		Logger.Debugf("%s[%d] became unavailable, skipping", ref.tag, ref.index)
		return nil, false, nil
	}
	return conn, err == nil, err
}

func noClients() error {
	return fmt.Errorf("%w: every slot is invalidated or killed", common.ErrNoAvailableClients)
}

// --------------------------------------------------------------------------
// Round robin
// --------------------------------------------------------------------------

// RoundRobin cycles over the flattened list of all slots in configuration order
// and skips slots that are not Active.
type RoundRobin struct {
	pool IPool

	mu     sync.Mutex
	cursor int
}

// NewRoundRobin creates a round robin balancer over p
func NewRoundRobin(p IPool) *RoundRobin {
	return &RoundRobin{pool: p}
}

func (b *RoundRobin) GetNext(ctx context.Context) (*connection.Conn, error) {
	var slots []slotRef
	for _, g := range b.pool.Topology() {
		for i := 0; i < g.Size; i++ {
			slots = append(slots, slotRef{tag: g.Tag, index: i})
		}
	}

	for attempt := 0; attempt < len(slots); attempt++ {
		ref, found := b.pick(slots)
		if !found {
			break
		}
		conn, ok, err := getSlot(ctx, b.pool, ref)
		if err != nil {
			return nil, err
		}
		if ok {
			return conn, nil
		}
	}
	return nil, noClients()
}

// pick advances the cursor to the next active slot
func (b *RoundRobin) pick(slots []slotRef) (slotRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(slots)
	for i := 0; i < n; i++ {
		pos := (b.cursor + i) % n
		if b.pool.IsActive(slots[pos].tag, slots[pos].index) {
			b.cursor = (pos + 1) % n
			return slots[pos], true
		}
	}
	return slotRef{}, false
}

// --------------------------------------------------------------------------
// Distributing round robin
// --------------------------------------------------------------------------

// Distributing gives every group an equal share of calls, regardless of its size.
//
// A group cursor advances once per call. Inside each group an independent
// cursor cycles over the group's slots. A group without Active slots is
// skipped and the group cursor moves past it.
type Distributing struct {
	pool IPool

	mu          sync.Mutex
	groupCursor int
	slotCursors map[string]int
}

// NewDistributing creates a distributing balancer over p
func NewDistributing(p IPool) *Distributing {
	return &Distributing{pool: p, slotCursors: make(map[string]int)}
}

func (b *Distributing) GetNext(ctx context.Context) (*connection.Conn, error) {
	groups := b.pool.Topology()

	total := 0
	for _, g := range groups {
		total += g.Size
	}

	for attempt := 0; attempt < total; attempt++ {
		ref, found := b.pick(groups)
		if !found {
			break
		}
		conn, ok, err := getSlot(ctx, b.pool, ref)
		if err != nil {
			return nil, err
		}
		if ok {
			return conn, nil
		}
	}
	return nil, noClients()
}

// pick advances the group cursor until a group with an active slot is found
// and advances that group's slot cursor
func (b *Distributing) pick(groups []pool.GroupInfo) (slotRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(groups)
	for i := 0; i < n; i++ {
		g := groups[b.groupCursor%n]
		b.groupCursor = (b.groupCursor + 1) % n

		start := b.slotCursors[g.Tag]
		for j := 0; j < g.Size; j++ {
			index := (start + j) % g.Size
			if b.pool.IsActive(g.Tag, index) {
				b.slotCursors[g.Tag] = (index + 1) % g.Size
				return slotRef{tag: g.Tag, index: index}, true
			}
		}
	}
	return slotRef{}, false
}
