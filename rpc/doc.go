// Package rpc provides a client-side connection pool for servers speaking the
// IPROTO binary protocol (msgpack framed request/response with push events).
//
// The package is organized into several subpackages:
//
//   - common: Packet model, configuration structures, errors and logging.
//
//   - serializer: msgpack encoding of packets, frame reading/writing and
//     greeting parsing.
//
//   - transport: Connectors that dial TCP or Unix socket endpoints and tune the
//     resulting sockets.
//
//   - connection: A single multiplexed connection with handshake, request
//     correlation, timeouts, watchers and cooperative shutdown.
//
//   - pool: Tagged groups of connection slots with heartbeat based health
//     monitoring, automatic reconnect and live reconfiguration.
//
//   - balancer: Round-robin and group-distributing selection of pool slots.
//
//   - metrics: Pool listeners exporting VictoriaMetrics and Prometheus metrics.
//
//   - client: A facade combining pool and balancer for applications.
//
//   - testing: An in-process fake server used by the tests of all packages.
package rpc
