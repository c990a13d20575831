// Package transport defines how connections reach a server. A connector dials
// an endpoint, tunes the resulting socket and can open listeners for test
// servers. The IPROTO framing on top of the byte stream lives in the
// serializer package, so connectors only deal with raw net.Conn values.
//
// Key Components:
//
//   - IConnector: Interface for transport implementations (tcp, unix).
//
//   - Register / ForNetwork: A small registry so configuration can select a
//     transport by name. Import the tcp and unix packages for their side effects
//     to register them.
package transport
