package connection

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/ipool/rpc/common"
	iprototest "github.com/ValentinKolb/ipool/rpc/testing"
	"github.com/ValentinKolb/ipool/rpc/transport/unix"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func testConfig() common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.ConnectTimeout = time.Second
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func newServer(t *testing.T, opts ...iprototest.Option) *iprototest.Server {
	t.Helper()
	srv, err := iprototest.NewServer(opts...)
	require.NoError(t, err)
	return srv
}

func newConn(t *testing.T, addr string, cfg common.ClientConfig, opts ...Option) *Conn {
	t.Helper()
	c, err := New(addr, cfg, opts...)
	require.NoError(t, err)
	return c
}

func connect(t *testing.T, srv *iprototest.Server, cfg common.ClientConfig, opts ...Option) *Conn {
	t.Helper()
	c := newConn(t, srv.Addr(), cfg, opts...)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

// closeEvents collects close events of c
func closeEvents(c *Conn) <-chan CloseEvent {
	ch := make(chan CloseEvent, 16)
	c.OnClose(func(ev CloseEvent) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch <-chan CloseEvent) CloseEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no close event")
		return CloseEvent{}
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestConnectPingClose(t *testing.T) {
	defer leaktest.Check(t)()

	srv := newServer(t)
	defer srv.Close()

	c := newConn(t, srv.Addr(), testConfig())
	assert.Equal(t, StateClosed, c.State())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, iprototest.ServerVersion, c.Greeting().Version)
	assert.Equal(t, srv.InstanceID(), c.Greeting().InstanceID)
	assert.Equal(t, common.ProtocolVersion, c.ProtocolInfo().Version)
	assert.True(t, c.ProtocolInfo().Has(common.FeatureWatchers))

	require.NoError(t, c.Ping(context.Background()))

	events := closeEvents(c)
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, CloseClient, waitEvent(t, events).Reason)

	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, common.ErrConnectionClosed)
	assert.Equal(t, common.KindTransport, common.KindOf(err))

	// closing twice is a no-op
	require.NoError(t, c.Close())
}

func TestConnectRejectedUnlessClosed(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()

	c := connect(t, srv, testConfig())
	defer c.Close()

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, common.ErrAlreadyConnecting)
	assert.Equal(t, common.KindConfiguration, common.KindOf(err))
	assert.Equal(t, StateReady, c.State())
}

func TestBadGreeting(t *testing.T) {
	garbage := make([]byte, common.GreetingSize)
	copy(garbage, "Memcached 1.6 (Text) nope")
	srv := newServer(t, iprototest.WithGreeting(garbage))
	defer srv.Close()

	c := newConn(t, srv.Addr(), testConfig())
	events := closeEvents(c)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, common.ErrBadGreeting)
	assert.Equal(t, common.KindHandshake, common.KindOf(err))
	assert.Equal(t, StateClosed, c.State())

	// failed connects never fire close events
	select {
	case ev := <-events:
		t.Fatalf("unexpected close event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectTimeout(t *testing.T) {
	srv := newServer(t, iprototest.WithGreetingDelay(500*time.Millisecond))
	defer srv.Close()

	cfg := testConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	c := newConn(t, srv.Addr(), cfg)

	start := time.Now()
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, common.ErrConnectTimeout)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, StateClosed, c.State())
}

func TestConnectRefused(t *testing.T) {
	srv := newServer(t)
	addr := srv.Addr()
	srv.Close()

	c := newConn(t, addr, testConfig())
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, common.ErrConnectionClosed)
	assert.Equal(t, StateClosed, c.State())
}

func TestReconnectInPlace(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()

	c := connect(t, srv, testConfig())
	events := closeEvents(c)

	srv.DropConnections()
	ev := waitEvent(t, events)
	assert.Equal(t, CloseRemote, ev.Reason)
	assert.ErrorIs(t, ev.Err, common.ErrConnectionClosed)
	require.Eventually(t, func() bool { return c.State() == StateClosed }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close())
	assert.Equal(t, 2, srv.Accepted())
}

func TestUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipool.sock")
	srv := newServer(t, iprototest.WithConnector(unix.NewConnector(), path))
	defer srv.Close()

	cfg := testConfig()
	cfg.Transport.Network = "unix"
	c := newConn(t, path, cfg)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	require.NoError(t, c.Ping(context.Background()))
}

func TestNewRejectsUnknownNetwork(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.Network = "carrier-pigeon"
	_, err := New("localhost:3301", cfg)
	assert.ErrorIs(t, err, common.ErrInvalidConfig)
}

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

func TestServerWithoutID(t *testing.T) {
	srv := newServer(t, iprototest.WithoutID())
	defer srv.Close()

	c := connect(t, srv, testConfig())
	defer c.Close()

	assert.Equal(t, uint64(0), c.ProtocolInfo().Version)
	assert.Empty(t, c.ProtocolInfo().Features)

	_, err := c.Watch("config", func(string, interface{}) {})
	assert.ErrorIs(t, err, common.ErrWatchersUnsupported)
	assert.Equal(t, 0, srv.Requests(common.ReqWatch))
}

func TestFeatureIntersection(t *testing.T) {
	srv := newServer(t, iprototest.WithFeatures(common.FeatureStreams, common.FeatureWatchers, common.Feature(42)))
	defer srv.Close()

	cfg := testConfig()
	cfg.Features = []common.Feature{common.FeatureWatchers, common.FeatureTransactions, common.FeatureStreams}
	c := connect(t, srv, cfg)
	defer c.Close()

	assert.Equal(t, []common.Feature{common.FeatureWatchers, common.FeatureStreams}, c.ProtocolInfo().Features)
}

func TestAuthentication(t *testing.T) {
	srv := newServer(t, iprototest.WithUser("admin", "secret"))
	defer srv.Close()

	t.Run("chap-sha1", func(t *testing.T) {
		cfg := testConfig()
		cfg.User, cfg.Password = "admin", "secret"
		c := connect(t, srv, cfg)
		defer c.Close()
		require.NoError(t, c.Ping(context.Background()))
	})

	t.Run("pap-sha256", func(t *testing.T) {
		cfg := testConfig()
		cfg.User, cfg.Password, cfg.AuthMethod = "admin", "secret", common.AuthPapSha256
		c := connect(t, srv, cfg)
		defer c.Close()
		require.NoError(t, c.Ping(context.Background()))
	})

	t.Run("wrong password", func(t *testing.T) {
		cfg := testConfig()
		cfg.User, cfg.Password = "admin", "guess"
		c := newConn(t, srv.Addr(), cfg)

		err := c.Connect(context.Background())
		assert.ErrorIs(t, err, common.ErrAuthFailed)
		assert.Equal(t, common.KindHandshake, common.KindOf(err))
		assert.Equal(t, StateClosed, c.State())
	})
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

func TestConcurrentRequestsAreCorrelated(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()

	c := connect(t, srv, testConfig())
	defer c.Close()

	const workers, perWorker = 20, 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				want := uint64(w*perWorker + i)
				data, err := c.Call(context.Background(), "echo", want)
				if !assert.NoError(t, err) {
					return
				}
				got, ok := common.ToUint64(data[0])
				assert.True(t, ok)
				assert.Equal(t, want, got)
			}
		}(w)
	}
	wg.Wait()

	// only the box.shutdown subscription stays pending
	assert.Equal(t, 1, c.Pending())
}

func TestServerErrorReply(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()

	c := connect(t, srv, testConfig())
	defer c.Close()

	_, err := c.Do(context.Background(), &common.Packet{Header: common.Header{Code: common.ReqSelect}}, RequestOptions{})
	var serverErr *common.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, common.ErrCodeUnknownRequestType, serverErr.Code)

	// the connection survives server errors
	require.NoError(t, c.Ping(context.Background()))
}

func TestRequestTimeoutAndLateReply(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()

	ignored := make(chan *common.Packet, 4)
	c := connect(t, srv, testConfig(), WithIgnoredPacketHook(func(p *common.Packet) { ignored <- p }))
	defer c.Close()

	srv.SetPingDelay(200 * time.Millisecond)
	_, err := c.Do(context.Background(), common.NewPingRequest(), RequestOptions{Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, common.ErrRequestTimeout)
	assert.Equal(t, common.KindTimeout, common.KindOf(err))

	select {
	case p := <-ignored:
		assert.Equal(t, common.RespOK, p.Header.Code)
		assert.NotZero(t, p.Header.Sync)
	case <-time.After(2 * time.Second):
		t.Fatal("late reply was not reported")
	}

	// the connection stays alive after a timeout
	srv.SetPingDelay(0)
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, StateReady, c.State())
}

func TestContextDeadlineBoundsRequest(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()

	c := connect(t, srv, testConfig())
	defer c.Close()

	srv.SetPingDelay(300 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Ping(ctx)
	assert.Error(t, err)
	// the pending entry is removed by its own timer, not left behind
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRemoteCloseFailsPending(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()

	c := connect(t, srv, testConfig())
	events := closeEvents(c)

	srv.SetPingDelay(500 * time.Millisecond)
	futures := make([]*Future, 10)
	for i := range futures {
		futures[i] = c.Send(common.NewPingRequest(), RequestOptions{})
	}
	srv.DropConnections()

	for _, f := range futures {
		_, err := f.Get(context.Background())
		assert.ErrorIs(t, err, common.ErrConnectionClosed)
	}
	assert.Equal(t, CloseRemote, waitEvent(t, events).Reason)
	assert.Equal(t, 0, c.Pending())

	// exactly one close event per session
	select {
	case ev := <-events:
		t.Fatalf("second close event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCooperativeShutdown(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()

	c := connect(t, srv, testConfig())
	events := closeEvents(c)
	require.Eventually(t, func() bool { return srv.Watchers(ShutdownKey) == 1 }, time.Second, 5*time.Millisecond)

	srv.SetPingDelay(500 * time.Millisecond)
	f := c.Send(common.NewPingRequest(), RequestOptions{})

	srv.Shutdown()

	ev := waitEvent(t, events)
	assert.Equal(t, CloseShutdown, ev.Reason)
	assert.ErrorIs(t, ev.Err, common.ErrShuttingDown)

	_, err := f.Get(context.Background())
	assert.ErrorIs(t, err, common.ErrShuttingDown)
	assert.Equal(t, common.KindShutdown, common.KindOf(err))
	assert.Equal(t, StateClosed, c.State())
}

// --------------------------------------------------------------------------
// Sync ids and futures
// --------------------------------------------------------------------------

func TestSyncIDsWrapAndSkipInUse(t *testing.T) {
	c := newConn(t, "localhost:3301", testConfig())

	c.nextSync.Store(^uint64(0) - 1)
	occupied := &pendingEntry{ex: &requestExchange{req: common.NewPingRequest(), future: newFuture()}}
	c.pending.Store(2, occupied)

	ids := make([]uint64, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, c.register(&pendingEntry{ex: &requestExchange{req: common.NewPingRequest(), future: newFuture()}}))
	}
	// max, then 0 is skipped, 1 is free, 2 is in use
	assert.Equal(t, []uint64{^uint64(0), 1, 3}, ids)
}

func TestRemoveOnlyExactEntry(t *testing.T) {
	c := newConn(t, "localhost:3301", testConfig())

	a := &pendingEntry{ex: &requestExchange{req: common.NewPingRequest(), future: newFuture()}}
	b := &pendingEntry{ex: &requestExchange{req: common.NewPingRequest(), future: newFuture()}}
	sync := c.register(a)

	assert.False(t, c.remove(sync, b))
	assert.Equal(t, 1, c.Pending())
	assert.True(t, c.remove(sync, a))
	assert.False(t, c.remove(sync, a))
	assert.Equal(t, 0, c.Pending())
}

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture()
	assert.True(t, f.resolve(common.NewOkResponse(1, nil), nil))
	assert.False(t, f.resolve(nil, common.ErrRequestTimeout))

	resp, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Header.Sync)

	pending := newFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pending.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendOnClosedConnFailsFast(t *testing.T) {
	c := newConn(t, "localhost:3301", testConfig())
	f := c.Send(common.NewPingRequest(), RequestOptions{})

	select {
	case <-f.Done():
	default:
		t.Fatal("future should be resolved")
	}
	_, err := f.Result()
	assert.ErrorIs(t, err, common.ErrConnectionClosed)
}
