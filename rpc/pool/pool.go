package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/ValentinKolb/ipool/rpc/connection"
	"github.com/ValentinKolb/ipool/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var Logger = logger.GetLogger("pool")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Option configures a Pool
type Option func(*Pool)

// WithListener installs a listener for connection, health and reconnect events
func WithListener(l Listener) Option {
	return func(p *Pool) { p.listener = l }
}

// WithConnector makes every connection of the pool dial through connector
func WithConnector(connector transport.IConnector) Option {
	return func(p *Pool) { p.connOpts = append(p.connOpts, connection.WithConnector(connector)) }
}

// WithProbe replaces the probe configured in HeartbeatConfig.Probe
func WithProbe(probe ProbeFunc) Option {
	return func(p *Pool) { p.probe = probe }
}

// WithIgnoredPacketHook installs the ignored packet hook on every connection of the pool
func WithIgnoredPacketHook(fn func(*common.Packet)) Option {
	return func(p *Pool) { p.connOpts = append(p.connOpts, connection.WithIgnoredPacketHook(fn)) }
}

// --------------------------------------------------------------------------
// Pool
// --------------------------------------------------------------------------

// GroupInfo describes one configured group
type GroupInfo struct {
	Tag  string
	Size int
}

// SlotInfo is a snapshot of one slot
type SlotInfo struct {
	Tag       string
	Index     int
	Address   string
	Health    HealthState
	Connected bool
}

// ProbeStats summarizes the heartbeat probes of one slot
type ProbeStats struct {
	Tag      string
	Index    int
	Count    int64
	Failures int64
	Mean     time.Duration
	P99      time.Duration
}

type group struct {
	config common.InstanceGroup
	slots  []*slot
}

// Pool keeps Size connections per instance group, addressed by (tag, index).
//
// Slots connect lazily on the first Get. Every connection is probed by a
// heartbeat; slots that fail too many probes are hidden (Invalidated) and
// finally closed and reconnected (Killed). Get only hands out Active slots.
type Pool struct {
	config   common.PoolConfig
	connOpts []connection.Option
	probe    ProbeFunc
	listener Listener
	events   *dispatcher
	registry gometrics.Registry

	ctx    context.Context // cancelled by Close, bounds every connect
	cancel context.CancelFunc

	mu     sync.RWMutex // guards groups, byTag
	groups []*group
	byTag  map[string]*group

	connectTimeout atomic.Int64
	reconnectDelay atomic.Int64
	nextSlotID     atomic.Uint64

	sf singleflight.Group

	lifeMu sync.Mutex // orders track against Close
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a pool for config.Groups. No connection is opened until a slot is used.
func New(config common.PoolConfig, opts ...Option) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		config:   config,
		listener: NopListener{},
		registry: gometrics.NewRegistry(),
		byTag:    make(map[string]*group),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.probe == nil {
		p.probe = probeFor(config.Heartbeat)
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.connectTimeout.Store(int64(config.Client.ConnectTimeout))
	p.reconnectDelay.Store(int64(config.ReconnectDelay))
	p.events = newDispatcher(p.listener)

	for _, g := range config.Groups {
		p.addGroup(g)
	}

	Logger.Infof("pool created with %d groups", len(config.Groups))
	return p, nil
}

func (p *Pool) addGroup(g common.InstanceGroup) {
	ng := &group{config: g, slots: make([]*slot, g.Size)}
	for i := range ng.slots {
		ng.slots[i] = newSlot(p, g, i)
	}
	p.groups = append(p.groups, ng)
	p.byTag[g.Tag] = ng
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// SetGroups replaces the group configuration.
//
// Unchanged groups keep their connections, shrunk groups close their highest
// slots, grown groups get new slots, removed groups are closed. A group whose
// tag stays but whose endpoint or credentials change is replaced entirely.
func (p *Pool) SetGroups(groups []common.InstanceGroup) error {
	if err := common.ValidateGroups(groups); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return common.ErrPoolClosed
	}

	old := p.byTag
	p.groups = make([]*group, 0, len(groups))
	p.byTag = make(map[string]*group, len(groups))

	var retired []*slot
	for _, g := range groups {
		prev, ok := old[g.Tag]
		if !ok || !prev.config.SameEndpoint(g) {
			if ok {
				Logger.Infof("group %s moved to %s, replacing its slots", g.Tag, g.Address())
				retired = append(retired, prev.slots...)
			}
			p.addGroup(g)
			continue
		}

		ng := &group{config: g, slots: make([]*slot, 0, g.Size)}
		for i := 0; i < g.Size; i++ {
			if i < len(prev.slots) {
				ng.slots = append(ng.slots, prev.slots[i])
			} else {
				ng.slots = append(ng.slots, newSlot(p, g, i))
			}
		}
		if len(prev.slots) > g.Size {
			retired = append(retired, prev.slots[g.Size:]...)
		}
		p.groups = append(p.groups, ng)
		p.byTag[g.Tag] = ng
	}
	for tag, prev := range old {
		if _, ok := p.byTag[tag]; !ok {
			retired = append(retired, prev.slots...)
		}
	}
	p.config.Groups = append([]common.InstanceGroup(nil), groups...)
	p.mu.Unlock()

	for _, s := range retired {
		if err := s.retire(); err != nil {
			Logger.Warningf("closing %s: %v", s, err)
		}
	}
	if len(retired) > 0 {
		Logger.Infof("reconfigured pool, %d slots removed", len(retired))
	}
	return nil
}

// SetConnectTimeout changes the connect timeout of future connects
func (p *Pool) SetConnectTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: connect timeout must be positive", common.ErrInvalidConfig)
	}
	p.connectTimeout.Store(int64(d))
	return nil
}

// SetReconnectDelay changes the delay of future reconnects
func (p *Pool) SetReconnectDelay(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: reconnect delay must not be negative", common.ErrInvalidConfig)
	}
	p.reconnectDelay.Store(int64(d))
	return nil
}

// ReconnectDelay returns the current reconnect delay
func (p *Pool) ReconnectDelay() time.Duration {
	return time.Duration(p.reconnectDelay.Load())
}

// clientConfig returns the connection config for a slot of g
func (p *Pool) clientConfig(g common.InstanceGroup) common.ClientConfig {
	cfg := p.config.Client
	cfg.ConnectTimeout = time.Duration(p.connectTimeout.Load())
	if g.User != "" {
		cfg.User, cfg.Password, cfg.AuthMethod = g.User, g.Password, g.AuthMethod
	}
	if g.Port == 0 {
		cfg.Transport.Network = "unix"
	}
	return cfg
}

// --------------------------------------------------------------------------
// Access
// --------------------------------------------------------------------------

// Get returns the connection of slot (tag, index), connecting it first if it
// was never connected. It fails with ErrSlotNotActive, without waiting, if the
// slot is Invalidated, Killed or reconnecting.
func (p *Pool) Get(ctx context.Context, tag string, index int) (*connection.Conn, error) {
	s, err := p.slot(tag, index)
	if err != nil {
		return nil, err
	}
	return s.get(ctx)
}

func (p *Pool) slot(tag string, index int) (*slot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return nil, common.ErrPoolClosed
	}
	g, ok := p.byTag[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrNoSuchGroup, tag)
	}
	if index < 0 || index >= len(g.slots) {
		return nil, fmt.Errorf("%w: %s[%d], size %d", common.ErrIndexOutOfRange, tag, index, len(g.slots))
	}
	return g.slots[index], nil
}

// IsActive reports whether slot (tag, index) exists and is Active
func (p *Pool) IsActive(tag string, index int) bool {
	s, err := p.slot(tag, index)
	if err != nil {
		return false
	}
	return s.active()
}

// HasAvailableClients reports whether at least one slot is Active
func (p *Pool) HasAvailableClients() bool {
	for _, s := range p.allSlots() {
		if s.active() {
			return true
		}
	}
	return false
}

// Topology returns the configured groups in configuration order
func (p *Pool) Topology() []GroupInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]GroupInfo, len(p.groups))
	for i, g := range p.groups {
		out[i] = GroupInfo{Tag: g.config.Tag, Size: len(g.slots)}
	}
	return out
}

// Slots returns a snapshot of every slot in configuration order
func (p *Pool) Slots() []SlotInfo {
	slots := p.allSlots()
	out := make([]SlotInfo, len(slots))
	for i, s := range slots {
		health, connected := s.state()
		out[i] = SlotInfo{
			Tag:       s.group.Tag,
			Index:     s.index,
			Address:   s.group.Address(),
			Health:    health,
			Connected: connected,
		}
	}
	return out
}

// ProbeStats returns the probe statistics of every slot in configuration order
func (p *Pool) ProbeStats() []ProbeStats {
	slots := p.allSlots()
	out := make([]ProbeStats, len(slots))
	for i, s := range slots {
		out[i] = ProbeStats{
			Tag:      s.group.Tag,
			Index:    s.index,
			Count:    s.latency.Count(),
			Failures: s.failures.Count(),
			Mean:     time.Duration(s.latency.Mean()),
			P99:      time.Duration(s.latency.Percentile(0.99)),
		}
	}
	return out
}

func (p *Pool) allSlots() []*slot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*slot
	for _, g := range p.groups {
		out = append(out, g.slots...)
	}
	return out
}

// ConnectAll connects every Active slot that has no connection yet.
// It returns the first error, slots that are not Active are skipped.
func (p *Pool) ConnectAll(ctx context.Context) error {
	var g errgroup.Group
	for _, s := range p.allSlots() {
		g.Go(func() error {
			_, err := s.get(ctx)
			if errors.Is(err, common.ErrSlotNotActive) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// track registers a pool goroutine, false once the pool is closed
func (p *Pool) track() bool {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.closed.Load() {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *Pool) emit(fn func(Listener)) {
	p.events.emit(fn)
}

// Close closes every connection, fails pending Gets and in-flight requests and
// stops all heartbeats and reconnects. Later calls fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.lifeMu.Lock()
	if p.closed.Load() {
		p.lifeMu.Unlock()
		return nil
	}
	p.closed.Store(true)
	p.lifeMu.Unlock()

	p.cancel()

	p.mu.Lock()
	var slots []*slot
	for _, g := range p.groups {
		slots = append(slots, g.slots...)
	}
	p.groups = nil
	p.byTag = make(map[string]*group)
	p.mu.Unlock()

	var g errgroup.Group
	for _, s := range slots {
		g.Go(s.retire)
	}
	err := g.Wait()

	p.wg.Wait()
	p.events.close()

	Logger.Infof("pool closed, %d slots released", len(slots))
	return err
}
