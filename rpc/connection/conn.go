package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/ValentinKolb/ipool/rpc/serializer"
	"github.com/ValentinKolb/ipool/rpc/transport"
	_ "github.com/ValentinKolb/ipool/rpc/transport/tcp"  // registers the tcp connector
	_ "github.com/ValentinKolb/ipool/rpc/transport/unix" // registers the unix connector
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("connection")

// --------------------------------------------------------------------------
// State and close reasons
// --------------------------------------------------------------------------

// State is the lifecycle state of a connection
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateAwaitingGreeting
	StateReady
	StateClosing
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateAwaitingGreeting:
		return "awaiting-greeting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CloseReason tells why a connection session ended
type CloseReason int

const (
	// CloseClient means Close was called locally
	CloseClient CloseReason = iota
	// CloseRemote means the socket failed or the server closed it
	CloseRemote
	// CloseShutdown means the server announced a graceful shutdown
	CloseShutdown
)

// String returns the string representation of a CloseReason.
func (r CloseReason) String() string {
	switch r {
	case CloseClient:
		return "client"
	case CloseRemote:
		return "remote"
	case CloseShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// CloseEvent is passed to close listeners, once per established session
type CloseEvent struct {
	Reason CloseReason
	Err    error
}

// RequestOptions tunes a single request
type RequestOptions struct {
	// Timeout of the request, 0 means the context deadline or ClientConfig.RequestTimeout
	Timeout time.Duration
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Option configures a Conn
type Option func(*Conn)

// WithConnector overrides the connector selected from ClientConfig.Transport.Network
func WithConnector(connector transport.IConnector) Option {
	return func(c *Conn) { c.connector = connector }
}

// WithSerializer overrides the packet serializer
func WithSerializer(s serializer.IPacketSerializer) Option {
	return func(c *Conn) { c.ser = s }
}

// WithIgnoredPacketHook installs a hook for packets that match no pending request
// (late replies after a timeout, events for unknown keys). It runs on the reader goroutine.
func WithIgnoredPacketHook(fn func(*common.Packet)) Option {
	return func(c *Conn) { c.onIgnored = fn }
}

// --------------------------------------------------------------------------
// Conn
// --------------------------------------------------------------------------

// Conn is a single multiplexed connection to a server.
//
// Any number of goroutines may send requests concurrently, replies are matched
// by sync id. A Conn can be reconnected after it was closed, registered watchers
// survive and are re-subscribed on every connect.
type Conn struct {
	addr      string
	config    common.ClientConfig
	connector transport.IConnector
	ser       serializer.IPacketSerializer
	onIgnored func(*common.Packet)

	state atomic.Int32

	mu       sync.Mutex // guards sess, greeting, protocol
	sess     *session
	greeting common.Greeting
	protocol common.ProtocolInfo

	pending  *xsync.MapOf[uint64, *pendingEntry]
	nextSync atomic.Uint64
	watchers *watcherSet

	listenerMu     sync.Mutex
	closeListeners []func(CloseEvent)
}

// session is the state of one connect, from dial until teardown
type session struct {
	netConn net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	mu          sync.Mutex
	established bool
	cause       error
	dead        atomic.Bool

	closing atomic.Bool   // teardown ownership
	closed  chan struct{} // closed when teardown finished
}

func newSession(netConn net.Conn) *session {
	return &session{
		netConn: netConn,
		reader:  bufio.NewReaderSize(netConn, 64*1024),
		closed:  make(chan struct{}),
	}
}

// establish marks the session as fully connected, false if it already died
func (s *session) establish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead.Load() {
		return false
	}
	s.established = true
	return true
}

// err returns the cause the session died with
func (s *session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause == nil {
		return common.ErrConnectionClosed
	}
	return s.cause
}

// New creates a closed connection to addr. Call Connect to open it.
func New(addr string, config common.ClientConfig, opts ...Option) (*Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Conn{
		addr:     addr,
		config:   config,
		pending:  xsync.NewMapOf[uint64, *pendingEntry](),
		watchers: newWatcherSet(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.connector == nil {
		connector, err := transport.ForNetwork(config.Transport.Network)
		if err != nil {
			return nil, err
		}
		c.connector = connector
	}
	if c.ser == nil {
		c.ser = serializer.NewMsgpackSerializer()
	}
	return c, nil
}

// Addr returns the address the connection dials
func (c *Conn) Addr() string {
	return c.addr
}

// State returns the current lifecycle state
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Greeting returns the greeting of the current (or last) session
func (c *Conn) Greeting() common.Greeting {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.greeting
}

// ProtocolInfo returns the negotiated protocol version and features
func (c *Conn) ProtocolInfo() common.ProtocolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// OnClose registers a listener called once per established session when it ends.
// Listeners run on the goroutine that tore the session down and must not block.
func (c *Conn) OnClose(fn func(CloseEvent)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.closeListeners = append(c.closeListeners, fn)
}

// --------------------------------------------------------------------------
// Connect
// --------------------------------------------------------------------------

// Connect dials the server, reads the greeting and runs the handshake:
// feature negotiation, authentication, the shutdown subscription and the
// re-subscription of all watchers. It fails with ErrAlreadyConnecting unless
// the connection is closed.
func (c *Conn) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateClosed), int32(StateConnecting)) {
		return fmt.Errorf("%w: %s is %s", common.ErrAlreadyConnecting, c.addr, c.State())
	}

	// the connect timeout covers dial and greeting
	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	netConn, err := c.connector.Connect(dialCtx, c.addr)
	if err != nil {
		c.state.Store(int32(StateClosed))
		return c.dialError(ctx, dialCtx, err)
	}
	if err := c.connector.UpgradeConnection(netConn, c.config.Transport); err != nil {
		_ = netConn.Close()
		c.state.Store(int32(StateClosed))
		return fmt.Errorf("%w: upgrade %s: %v", common.ErrConnectionClosed, c.addr, err)
	}

	sess := newSession(netConn)
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.state.Store(int32(StateAwaitingGreeting))

	greeting, err := c.readGreeting(ctx, dialCtx, sess)
	if err != nil {
		c.terminate(sess, CloseClient, err)
		return err
	}

	c.mu.Lock()
	c.greeting = greeting
	c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateAwaitingGreeting), int32(StateReady)) {
		return sess.err()
	}
	go c.readLoop(sess)

	if err := c.handshake(ctx, sess, greeting); err != nil {
		c.terminate(sess, CloseClient, err)
		return err
	}

	if !c.establishWatchers(sess) {
		return sess.err()
	}

	Logger.Infof("connected to %s (version %s, instance %s, protocol v%d)",
		c.addr, greeting.Version, greeting.InstanceID, c.ProtocolInfo().Version)
	return nil
}

// readGreeting reads and parses the greeting. The socket is force-closed when
// the connect deadline expires before the greeting is complete.
func (c *Conn) readGreeting(ctx, dialCtx context.Context, sess *session) (common.Greeting, error) {
	stop := context.AfterFunc(dialCtx, func() {
		_ = sess.netConn.Close()
	})

	buf := make([]byte, common.GreetingSize)
	_, err := io.ReadFull(sess.reader, buf)

	if !stop() || err != nil {
		if dialCtx.Err() != nil {
			return common.Greeting{}, c.dialError(ctx, dialCtx, dialCtx.Err())
		}
		return common.Greeting{}, fmt.Errorf("%w: reading greeting from %s: %v", common.ErrConnectionClosed, c.addr, err)
	}

	return serializer.ParseGreeting(buf)
}

func (c *Conn) dialError(ctx, dialCtx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("connect %s: %w", c.addr, ctx.Err())
	case errors.Is(dialCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s after %s", common.ErrConnectTimeout, c.addr, c.config.ConnectTimeout)
	default:
		return fmt.Errorf("%w: dial %s: %v", common.ErrConnectionClosed, c.addr, err)
	}
}

// --------------------------------------------------------------------------
// Close
// --------------------------------------------------------------------------

// Close closes the current session, fails all pending requests and fires the
// close event with CloseClient. It returns once the session is torn down.
// Closing a closed connection is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	if !c.terminate(sess, CloseClient, common.ErrConnectionClosed) {
		<-sess.closed
	}
	return nil
}

// shutdown handles a box.shutdown event: the server asks clients to go away
func (c *Conn) shutdown() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		return
	}
	Logger.Infof("server %s is shutting down, closing connection", c.addr)
	c.terminate(sess, CloseShutdown, common.ErrShuttingDown)
}

// terminate tears down sess exactly once and reports whether this call did it.
// It never waits for the reader goroutine, so it is safe to call from it.
func (c *Conn) terminate(sess *session, reason CloseReason, cause error) bool {
	if !sess.closing.CompareAndSwap(false, true) {
		return false
	}
	defer close(sess.closed)

	sess.mu.Lock()
	sess.cause = cause
	sess.dead.Store(true)
	established := sess.established
	sess.mu.Unlock()

	current := c.isCurrent(sess)
	if current {
		c.state.Store(int32(StateClosing))
	}

	_ = sess.netConn.Close()
	c.failAll(cause)
	c.watchers.detach()

	if current {
		c.mu.Lock()
		c.sess = nil
		c.mu.Unlock()
		c.state.Store(int32(StateClosed))
	}

	if !established {
		return true
	}

	Logger.Infof("connection to %s closed (%s): %v", c.addr, reason, cause)
	c.listenerMu.Lock()
	listeners := append([]func(CloseEvent){}, c.closeListeners...)
	c.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(CloseEvent{Reason: reason, Err: cause})
	}
	return true
}

func (c *Conn) isCurrent(sess *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == sess
}

// readySession returns the current session if the connection is ready
func (c *Conn) readySession() (*session, error) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrConnectionClosed, c.addr)
	}
	if sess.dead.Load() {
		return nil, sess.err()
	}
	if c.State() != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", common.ErrConnectionClosed, c.addr, c.State())
	}
	return sess, nil
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// Send writes req and returns a Future resolved with the reply.
// Server error replies resolve the Future with a *common.ServerError.
func (c *Conn) Send(req *common.Packet, opts RequestOptions) *Future {
	f := newFuture()
	ex := &requestExchange{req: req, future: f}

	sess, err := c.readySession()
	if err != nil {
		ex.fail(err)
		return f
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.config.RequestTimeout
	}
	if err := c.start(sess, ex, timeout); err != nil {
		ex.fail(err)
	}
	return f
}

// Do sends req and waits for the reply.
// Without an explicit timeout the context deadline (if earlier) bounds the request.
func (c *Conn) Do(ctx context.Context, req *common.Packet, opts RequestOptions) (*common.Packet, error) {
	if opts.Timeout <= 0 {
		if deadline, ok := ctx.Deadline(); ok {
			if d := time.Until(deadline); d > 0 && (c.config.RequestTimeout <= 0 || d < c.config.RequestTimeout) {
				opts.Timeout = d
			}
		}
	}
	return c.Send(req, opts).Get(ctx)
}

// Ping sends a ping request and waits for the reply
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, common.NewPingRequest(), RequestOptions{})
	return err
}

// Call calls a stored function and returns the IPROTO_DATA of the reply
func (c *Conn) Call(ctx context.Context, function string, args ...interface{}) ([]interface{}, error) {
	resp, err := c.Do(ctx, common.NewCallRequest(function, args...), RequestOptions{})
	if err != nil {
		return nil, err
	}
	return resp.Data(), nil
}

// Eval evaluates an expression and returns the IPROTO_DATA of the reply
func (c *Conn) Eval(ctx context.Context, expr string, args ...interface{}) ([]interface{}, error) {
	resp, err := c.Do(ctx, common.NewEvalRequest(expr, args...), RequestOptions{})
	if err != nil {
		return nil, err
	}
	return resp.Data(), nil
}

// Pending returns the number of exchanges waiting for a reply (watch subscriptions included)
func (c *Conn) Pending() int {
	return c.pending.Size()
}
