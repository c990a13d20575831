// Package testing provides an in-process fake IPROTO server for the tests of
// the connection, pool, balancer and client packages.
//
// The server speaks the greeting, IPROTO_ID, AUTH (chap-sha1 and pap-sha256),
// PING, CALL and EVAL (both echo their arguments) and WATCH/UNWATCH with the
// acknowledge protocol of real servers. Unknown requests are answered with
// error 48 ("unknown request type").
//
// Fault injection:
//   - SetFailPings / SetPingDelay: make health probes fail or time out
//   - DropConnections: close every client socket (remote close)
//   - Shutdown: push box.shutdown = true (graceful shutdown)
//   - WithGreeting / WithGreetingDelay / WithoutID: handshake variants
//
// Example usage:
//
//	srv, err := iprototest.NewServer(iprototest.WithUser("admin", "secret"))
//	require.NoError(t, err)
//	defer srv.Close()
//
//	conn, err := connection.New(srv.Addr(), cfg)
package testing
