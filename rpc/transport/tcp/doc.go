// Package tcp implements the TCP connector of the transport package.
//
// Connections are tuned according to common.ClientTransportConfig: Nagle's
// algorithm, socket buffer sizes, keep-alive period and linger. Importing the
// package registers the connector under the name "tcp".
package tcp
