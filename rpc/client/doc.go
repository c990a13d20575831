// Package client combines a pool and a balancer into a single request API.
//
// A Client owns a pool.Pool and picks the connection of every request with
// the balancer selected in the PoolConfig. It never retries: errors of the
// chosen connection (timeouts, server errors, closed connections) are
// returned to the caller, and ErrNoAvailableClients is returned right away
// when every slot is invalidated or killed.
//
// Usage Example:
//
//	cfg := common.DefaultPoolConfig()
//	cfg.Groups = []common.InstanceGroup{
//		{Tag: "a", Host: "10.0.0.1", Port: 3301, Size: 3},
//		{Tag: "b", Host: "10.0.0.2", Port: 3301, Size: 7},
//	}
//	c, err := client.New(cfg, pool.WithListener(pool.LoggingListener{}))
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	res, err := c.Call(ctx, "box.info")
//
// Thread Safety:
//
//	A Client can be used concurrently from multiple goroutines.
package client
