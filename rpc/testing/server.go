package testing

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/ValentinKolb/ipool/rpc/serializer"
	"github.com/ValentinKolb/ipool/rpc/transport"
	"github.com/ValentinKolb/ipool/rpc/transport/tcp"
	"github.com/google/uuid"
)

// ServerVersion is the version the fake server announces in its greeting
const ServerVersion = "3.2.0"

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Option configures a Server
type Option func(*Server)

// WithUser adds a user the server accepts in IPROTO_AUTH
func WithUser(user, password string) Option {
	return func(s *Server) { s.users[user] = password }
}

// WithFeatures sets the features the server announces (default: all)
func WithFeatures(features ...common.Feature) Option {
	return func(s *Server) { s.features = features }
}

// WithoutID makes the server answer IPROTO_ID with "unknown request type"
func WithoutID() Option {
	return func(s *Server) { s.noID = true }
}

// WithGreeting replaces the greeting (for malformed greeting tests)
func WithGreeting(raw []byte) Option {
	return func(s *Server) { s.greeting = raw }
}

// WithGreetingDelay delays the greeting of every connection
func WithGreetingDelay(d time.Duration) Option {
	return func(s *Server) { s.greetingDelay = d }
}

// WithHandshakeDelay delays the reply to IPROTO_ID, stretching the handshake
func WithHandshakeDelay(d time.Duration) Option {
	return func(s *Server) { s.handshakeDelay = d }
}

// WithConnector listens with another connector, e.g. unix sockets
func WithConnector(connector transport.IConnector, endpoint string) Option {
	return func(s *Server) {
		s.connector = connector
		s.endpoint = endpoint
	}
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// Server is an in-process IPROTO server for tests. It speaks the greeting,
// ID, AUTH, PING, CALL, EVAL, WATCH and UNWATCH and has knobs to inject faults.
type Server struct {
	connector transport.IConnector
	endpoint  string
	listener  net.Listener
	ser       serializer.IPacketSerializer

	id             uuid.UUID
	salt           []byte
	greeting       []byte
	greetingDelay  time.Duration
	handshakeDelay time.Duration
	features       []common.Feature
	noID           bool
	users          map[string]string

	failPings atomic.Bool
	pingDelay atomic.Int64

	mu       sync.Mutex
	conns    map[*serverConn]struct{}
	values   map[string]interface{}
	accepted int
	requests map[common.RequestCode]int

	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewServer starts a server on a random local TCP port
func NewServer(opts ...Option) (*Server, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	s := &Server{
		connector: tcp.NewConnector(),
		endpoint:  "127.0.0.1:0",
		ser:       serializer.NewMsgpackSerializer(),
		id:        uuid.New(),
		salt:      salt,
		features:  common.DefaultFeatures(),
		users:     map[string]string{},
		conns:     map[*serverConn]struct{}{},
		values:    map[string]interface{}{},
		requests:  map[common.RequestCode]int{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.greeting == nil {
		s.greeting = serializer.FormatGreeting(ServerVersion, s.id, s.salt)
	}

	listener, err := s.connector.Listen(s.endpoint)
	if err != nil {
		return nil, err
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the address clients dial
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// InstanceID returns the instance id announced in the greeting
func (s *Server) InstanceID() uuid.UUID {
	return s.id
}

// Close stops the listener, drops every connection and waits for all goroutines
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

// SetFailPings makes every ping fail with an error reply
func (s *Server) SetFailPings(fail bool) {
	s.failPings.Store(fail)
}

// SetPingDelay delays every ping reply by d
func (s *Server) SetPingDelay(d time.Duration) {
	s.pingDelay.Store(int64(d))
}

// DropConnections closes every client connection
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.netConn.Close()
	}
}

// Shutdown announces a graceful shutdown (box.shutdown = true) to every connection
// watching it and closes the others.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.notify("box.shutdown", true) {
			_ = c.netConn.Close()
		}
	}
}

// SetValue sets a watchable key and notifies the watchers of it (nil unsets the key)
func (s *Server) SetValue(key string, value interface{}) {
	s.mu.Lock()
	if value == nil {
		delete(s.values, key)
	} else {
		s.values[key] = value
	}
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.notify(key, value)
	}
}

// Connections returns the number of open client connections
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Accepted returns the number of connections accepted so far
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Requests returns how many requests with the given code the server received
func (s *Server) Requests(code common.RequestCode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[code]
}

// Watchers returns the number of connections subscribed to key
func (s *Server) Watchers(key string) int {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	n := 0
	for _, c := range conns {
		c.mu.Lock()
		if _, ok := c.watches[key]; ok {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

func (s *Server) value(key string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// --------------------------------------------------------------------------
// Connection handling
// --------------------------------------------------------------------------

// watchState follows the ack protocol: after an event the server waits for the
// next WATCH before it sends the following one
type watchState struct {
	acked   bool
	dirty   bool
	pending interface{}
}

type serverConn struct {
	server  *Server
	netConn net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	watches map[string]*watchState
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		c := &serverConn{server: s, netConn: conn, watches: map[string]*watchState{}}
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

func (c *serverConn) serve() {
	s := c.server
	var workers sync.WaitGroup
	defer func() {
		_ = c.netConn.Close()
		workers.Wait()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	if s.greetingDelay > 0 {
		time.Sleep(s.greetingDelay)
	}
	if _, err := c.netConn.Write(s.greeting); err != nil {
		return
	}

	reader := bufio.NewReader(c.netConn)
	for {
		payload, err := serializer.ReadFrame(reader, nil)
		if err != nil {
			return
		}

		req := &common.Packet{}
		if err := s.ser.Deserialize(payload, req); err != nil {
			return
		}

		s.mu.Lock()
		s.requests[req.Header.Code]++
		s.mu.Unlock()

		switch req.Header.Code {
		case common.ReqWatch:
			c.handleWatch(req)
		case common.ReqUnwatch:
			key, _ := req.Body[common.KeyEvent].(string)
			c.mu.Lock()
			delete(c.watches, key)
			c.mu.Unlock()
		case common.ReqPing:
			// pings may be delayed, do not block the reader
			workers.Add(1)
			go func() {
				defer workers.Done()
				c.handlePing(req)
			}()
		default:
			c.reply(c.handle(req))
		}
	}
}

func (c *serverConn) handle(req *common.Packet) *common.Packet {
	s := c.server
	id := req.Header.Sync

	switch req.Header.Code {
	case common.ReqID:
		if s.handshakeDelay > 0 {
			time.Sleep(s.handshakeDelay)
		}
		if s.noID {
			return common.NewErrorResponse(id, common.ErrCodeUnknownRequestType, "Unknown request type 73")
		}
		features := make([]uint64, len(s.features))
		for i, f := range s.features {
			features[i] = uint64(f)
		}
		return common.NewOkResponse(id, map[common.BodyKey]interface{}{
			common.KeyVersion:  common.ProtocolVersion,
			common.KeyFeatures: features,
		})

	case common.ReqAuth:
		return c.handleAuth(req)

	case common.ReqCall, common.ReqEval:
		args, _ := req.Body[common.KeyTuple].([]interface{})
		if len(args) == 0 {
			args = []interface{}{true}
		}
		return common.NewOkResponse(id, map[common.BodyKey]interface{}{common.KeyData: args})

	default:
		return common.NewErrorResponse(id, common.ErrCodeUnknownRequestType,
			fmt.Sprintf("Unknown request type %d", uint32(req.Header.Code)))
	}
}

func (c *serverConn) handleAuth(req *common.Packet) *common.Packet {
	s := c.server
	id := req.Header.Sync

	user, _ := req.Body[common.KeyUserName].(string)
	tuple, _ := req.Body[common.KeyTuple].([]interface{})
	password, known := s.users[user]
	if !known || len(tuple) != 2 {
		return common.NewErrorResponse(id, common.ErrCodeCredsMismatch, "User not found or supplied credentials are invalid")
	}

	method, _ := tuple[0].(string)
	got := scrambleBytes(tuple[1])
	want, err := common.Scramble(common.AuthMethod(method), base64Salt(s.salt), password)
	if err != nil || !bytes.Equal(got, want) {
		return common.NewErrorResponse(id, common.ErrCodeCredsMismatch, "User not found or supplied credentials are invalid")
	}
	return common.NewOkResponse(id, nil)
}

func (c *serverConn) handlePing(req *common.Packet) {
	s := c.server
	if d := time.Duration(s.pingDelay.Load()); d > 0 {
		time.Sleep(d)
	}
	if s.failPings.Load() {
		c.reply(common.NewErrorResponse(req.Header.Sync, 32, "ping failed"))
		return
	}
	c.reply(common.NewOkResponse(req.Header.Sync, nil))
}

// handleWatch subscribes or acknowledges. A new subscription gets the current value right away.
func (c *serverConn) handleWatch(req *common.Packet) {
	key, _ := req.Body[common.KeyEvent].(string)

	c.mu.Lock()
	st, ok := c.watches[key]
	send := false
	var value interface{}
	switch {
	case !ok:
		c.watches[key] = &watchState{}
		value = c.server.value(key)
		send = true
	case st.dirty:
		value = st.pending
		st.dirty = false
		st.pending = nil
		st.acked = false
		send = true
	default:
		st.acked = true
	}
	c.mu.Unlock()

	if send {
		c.reply(common.NewEventPacket(key, value))
	}
}

// notify sends an event for key if the client acknowledged the previous one,
// otherwise the event is sent on the next ack. It reports whether key is watched.
func (c *serverConn) notify(key string, value interface{}) bool {
	c.mu.Lock()
	st, ok := c.watches[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	send := st.acked
	if send {
		st.acked = false
	} else {
		st.dirty = true
		st.pending = value
	}
	c.mu.Unlock()

	if send {
		c.reply(common.NewEventPacket(key, value))
	}
	return true
}

func (c *serverConn) reply(p *common.Packet) {
	data, err := c.server.ser.Serialize(p)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = serializer.WriteFrame(c.netConn, data)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// scrambleBytes accepts the scramble as msgpack string or binary
func scrambleBytes(v interface{}) []byte {
	switch b := v.(type) {
	case string:
		return []byte(b)
	case []byte:
		return b
	default:
		return nil
	}
}

func base64Salt(salt []byte) string {
	return base64.StdEncoding.EncodeToString(salt)
}
