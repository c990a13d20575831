package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/ipool/rpc/balancer"
	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/ValentinKolb/ipool/rpc/connection"
	"github.com/ValentinKolb/ipool/rpc/pool"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("client")
)

// Client sends every request over a pooled connection chosen by a balancer.
// Requests are never retried, a failed request is reported to the caller as is.
type Client struct {
	config   common.PoolConfig
	pool     *pool.Pool
	balancer balancer.IBalancer
}

// New creates a pool for config and a balancer of kind config.Balancer on top of it.
// Connections are opened lazily by the first request of each slot.
func New(config common.PoolConfig, opts ...pool.Option) (*Client, error) {
	p, err := pool.New(config, opts...)
	if err != nil {
		return nil, err
	}

	b, err := balancer.New(config.Balancer, p)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	Logger.Debugf("client created with %d groups (%s balancer)", len(config.Groups), config.Balancer)
	return &Client{config: config, pool: p, balancer: b}, nil
}

// Pool returns the underlying pool, e.g. to change groups or timeouts at runtime
func (c *Client) Pool() *pool.Pool {
	return c.pool
}

// Balancer returns the balancer choosing connections for requests
func (c *Client) Balancer() balancer.IBalancer {
	return c.balancer
}

// Conn returns the connection the next request would use
func (c *Client) Conn(ctx context.Context) (*connection.Conn, error) {
	return c.balancer.GetNext(ctx)
}

// Do sends req over the next connection and waits for the reply
func (c *Client) Do(ctx context.Context, req *common.Packet, opts connection.RequestOptions) (*common.Packet, error) {
	conn, err := c.balancer.GetNext(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Do(ctx, req, opts)
	if err != nil {
		return nil, fmt.Errorf("%s request to %s: %w", req.Header.Code, conn.Addr(), err)
	}
	return resp, nil
}

// Ping pings the next connection
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, common.NewPingRequest(), connection.RequestOptions{})
	return err
}

// Call calls a stored function on the next connection
func (c *Client) Call(ctx context.Context, function string, args ...interface{}) ([]interface{}, error) {
	resp, err := c.Do(ctx, common.NewCallRequest(function, args...), connection.RequestOptions{})
	if err != nil {
		return nil, err
	}
	return resp.Data(), nil
}

// Eval evaluates an expression on the next connection
func (c *Client) Eval(ctx context.Context, expr string, args ...interface{}) ([]interface{}, error) {
	resp, err := c.Do(ctx, common.NewEvalRequest(expr, args...), connection.RequestOptions{})
	if err != nil {
		return nil, err
	}
	return resp.Data(), nil
}

// Close closes the pool and every connection in it
func (c *Client) Close() error {
	return c.pool.Close()
}
