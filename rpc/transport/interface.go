package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/ValentinKolb/ipool/rpc/common"
)

// IConnector defines the interface for transport-specific connection operations.
// A connector is stateless and safe for concurrent use.
type IConnector interface {
	// Connect establishes a single connection to the endpoint.
	// The context bounds the dial, the returned connection is not affected by it.
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// Listen opens a listener on the endpoint (used by test servers and tools)
	Listen(endpoint string) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientTransportConfig) error
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

var connectors = map[string]IConnector{}

// Register makes a connector available under its name.
// It is called from the init functions of the connector packages.
func Register(c IConnector) {
	connectors[c.GetName()] = c
}

// ForNetwork returns the connector registered for the network ("" means tcp)
func ForNetwork(network string) (IConnector, error) {
	if network == "" {
		network = "tcp"
	}
	c, ok := connectors[network]
	if !ok {
		return nil, fmt.Errorf("%w: no connector for network %q", common.ErrInvalidConfig, network)
	}
	return c, nil
}
