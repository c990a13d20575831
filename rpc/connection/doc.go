// Package connection implements a single multiplexed IPROTO connection.
//
// A Conn moves through the states Closed, Connecting, AwaitingGreeting, Ready
// and Closing. Connect is the only way out of Closed. It dials the server,
// reads the greeting under the connect timeout and then runs the handshake
// (IPROTO_ID feature negotiation, authentication, the box.shutdown
// subscription and the re-subscription of all watchers) before returning.
//
// Request correlation:
//
//	Every request is registered under a fresh sync id in a lock-free pending
//	table. Ids increase monotonically, wrap on overflow, skip 0 and skip ids
//	still in use. One reader goroutine per session matches replies to their
//	exchange. A request that times out fails with ErrRequestTimeout, a late
//	reply is handed to the ignored-packet hook. When the session dies every
//	pending request fails with the cause.
//
// Watchers:
//
//	Watch subscribes to a server key. Push events carry sync 0 and are
//	resolved by key to the current subscription, which calls all callbacks of
//	the key and acknowledges the event with a new WATCH request. Watchers
//	outlive sessions: while disconnected only bookkeeping changes, on every
//	connect the connection subscribes again.
//
// Shutdown:
//
//	When the server sets box.shutdown to true the connection fails all pending
//	requests with ErrShuttingDown, closes the socket and reports CloseShutdown
//	to its close listeners, so callers can fail over right away.
//
// Usage:
//
//	conn, err := connection.New("localhost:3301", common.DefaultClientConfig())
//	err = conn.Connect(ctx)
//	defer conn.Close()
//	resp, err := conn.Do(ctx, common.NewCallRequest("box.info"), connection.RequestOptions{})
package connection
