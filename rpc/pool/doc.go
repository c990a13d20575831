// Package pool keeps health-managed connections to groups of server instances.
//
// Every group {tag, host, port, size, credentials} owns size slots addressed
// by (tag, index). A slot is a stable identity, the connection behind it is
// replaced whenever it is reconnected.
//
// Health:
//
//	Each connected slot runs a heartbeat that probes the connection (ping, an
//	eval expression or a custom ProbeFunc) and records the outcome in a ring
//	of the last W probes.
//
//	  Active      -> Invalidated  the window is full and holds >= I failures
//	  Invalidated -> Active       failures in the window dropped below I
//	  Invalidated -> Killed       >= D consecutive or windowed failures
//	  Killed      -> Active       a reconnect passed its handshake
//
//	Invalidated slots keep their connection and are still probed, they are
//	only hidden from Get. Killed slots are closed and reconnected after the
//	reconnect delay. A connection closed by the server kills its slot too.
//
// Events:
//
//	A Listener receives connection, health and reconnect events. They are
//	delivered asynchronously, in order, on a goroutine owned by the pool.
//
// Watches:
//
//	Pool.Watch registers a key on a slot rather than on its connection, every
//	connection the slot opens subscribes to it again.
//
// Usage:
//
//	cfg := common.DefaultPoolConfig()
//	cfg.Groups = []common.InstanceGroup{{Tag: "a", Host: "10.0.0.1", Port: 3301, Size: 4}}
//	p, err := pool.New(cfg, pool.WithListener(pool.LoggingListener{}))
//	defer p.Close()
//	conn, err := p.Get(ctx, "a", 0)
package pool
