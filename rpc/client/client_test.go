package client

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/ValentinKolb/ipool/rpc/connection"
	"github.com/ValentinKolb/ipool/rpc/pool"
	iprototest "github.com/ValentinKolb/ipool/rpc/testing"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func group(t *testing.T, tag string, srv *iprototest.Server, size int) common.InstanceGroup {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return common.InstanceGroup{Tag: tag, Host: host, Port: port, Size: size}
}

func testConfig(groups ...common.InstanceGroup) common.PoolConfig {
	cfg := common.DefaultPoolConfig()
	cfg.Groups = groups
	cfg.Client.ConnectTimeout = time.Second
	cfg.Client.RequestTimeout = 2 * time.Second
	cfg.Heartbeat.Interval = 20 * time.Millisecond
	cfg.Heartbeat.WindowSize = 2
	cfg.Heartbeat.InvalidationThreshold = 1
	cfg.Heartbeat.DeathThreshold = 1000
	cfg.ReconnectDelay = 50 * time.Millisecond
	return cfg
}

func TestClientRequests(t *testing.T) {
	defer leaktest.Check(t)()

	srv, err := iprototest.NewServer()
	require.NoError(t, err)
	defer srv.Close()

	c, err := New(testConfig(group(t, "a", srv, 2)))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	res, err := c.Call(ctx, "echo", "x", "y")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"x", "y"}, res)

	res, err = c.Eval(ctx, "return ...", "z")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"z"}, res)

	_, err = c.Do(ctx, &common.Packet{Header: common.Header{Code: common.ReqSelect}}, connection.RequestOptions{})
	var serverErr *common.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, common.ErrCodeUnknownRequestType, serverErr.Code)

	assert.Equal(t, 2, srv.Accepted())
}

func TestClientBalancesAcrossGroups(t *testing.T) {
	srvA, err := iprototest.NewServer()
	require.NoError(t, err)
	defer srvA.Close()
	srvB, err := iprototest.NewServer()
	require.NoError(t, err)
	defer srvB.Close()

	c, err := New(testConfig(group(t, "a", srvA, 1), group(t, "b", srvB, 3)))
	require.NoError(t, err)
	defer c.Close()

	// heartbeats only ping, so calls are counted as they were balanced
	for i := 0; i < 8; i++ {
		_, err := c.Call(context.Background(), "echo", "x")
		require.NoError(t, err)
	}
	assert.Equal(t, 4, srvA.Requests(common.ReqCall))
	assert.Equal(t, 4, srvB.Requests(common.ReqCall))
	assert.Equal(t, 1, srvA.Accepted())
	assert.Equal(t, 3, srvB.Accepted())
}

func TestClientNoAvailableClients(t *testing.T) {
	srv, err := iprototest.NewServer()
	require.NoError(t, err)
	defer srv.Close()

	cfg := testConfig(group(t, "a", srv, 1))
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Ping(context.Background()))

	// every ping fails, the window of 2 invalidates the only slot
	srv.SetFailPings(true)
	require.Eventually(t, func() bool {
		return !c.Pool().HasAvailableClients()
	}, 3*time.Second, 5*time.Millisecond)

	_, err = c.Call(context.Background(), "echo")
	assert.ErrorIs(t, err, common.ErrNoAvailableClients)

	srv.SetFailPings(false)
	require.Eventually(t, func() bool {
		return c.Pool().HasAvailableClients()
	}, 3*time.Second, 5*time.Millisecond)
	_, err = c.Call(context.Background(), "echo")
	assert.NoError(t, err)
}

func TestClientRejectsBadConfig(t *testing.T) {
	_, err := New(common.PoolConfig{})
	assert.ErrorIs(t, err, common.ErrInvalidConfig)

	srv, err := iprototest.NewServer()
	require.NoError(t, err)
	defer srv.Close()

	cfg := testConfig(group(t, "a", srv, 1))
	cfg.Balancer = "random"
	_, err = New(cfg)
	assert.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestClientClose(t *testing.T) {
	srv, err := iprototest.NewServer()
	require.NoError(t, err)
	defer srv.Close()

	c, err := New(testConfig(group(t, "a", srv, 1)), pool.WithListener(pool.LoggingListener{}))
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close())

	err = c.Ping(context.Background())
	assert.Error(t, err)
}
