// Package common provides the data structures and utilities shared by all
// packages of the connection pool. It defines the IPROTO packet model, the
// configuration structures and the error taxonomy used by the other packages.
//
// The package focuses on:
//   - Packet model and request factories for the IPROTO binary protocol
//   - Configuration structures for connections, heartbeats and pools
//   - Sentinel errors grouped by kind (see KindOf)
//   - Custom logging implementation integrated with Dragonboat's logger package
//
// Key Components:
//
//   - Packet: Header plus body map of a single request, response or push event.
//     Factory functions (NewPingRequest, NewWatchRequest, ...) build requests.
//
//   - Greeting / ProtocolInfo: What the server announced on connect and which
//     protocol features were negotiated.
//
//   - ClientConfig, HeartbeatConfig, PoolConfig: Configuration with defaults,
//     validation and a human readable String() form.
//
//   - Logger: Dragonboat logger factory with consistent formatting. Call
//     InitLoggers once early in main.
package common
