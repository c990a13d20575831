package common

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	DefaultConnectTimeout        = 3 * time.Second
	DefaultRequestTimeout        = 5 * time.Second
	DefaultReconnectDelay        = 1 * time.Second
	DefaultHeartbeatInterval     = 3 * time.Second
	DefaultWindowSize            = 4
	DefaultInvalidationThreshold = 2
	DefaultDeathThreshold        = 4
)

// --------------------------------------------------------------------------
// Client (single connection) configuration
// --------------------------------------------------------------------------

// SocketConf holds socket buffer settings (0 keeps the OS default)
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific socket settings
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // negative keeps the OS default
}

// ClientTransportConfig selects and tunes the transport
type ClientTransportConfig struct {
	Network string // "tcp" or "unix"
	SocketConf
	TCPConf
}

// ClientConfig configures a single connection
type ClientConfig struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	User       string
	Password   string
	AuthMethod AuthMethod

	// Features announced in IPROTO_ID (nil means DefaultFeatures)
	Features []Feature

	LogLevel string

	Transport ClientTransportConfig
}

// DefaultClientConfig returns a ClientConfig with all defaults set
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout: DefaultConnectTimeout,
		RequestTimeout: DefaultRequestTimeout,
		AuthMethod:     AuthChapSha1,
		LogLevel:       "info",
		Transport: ClientTransportConfig{
			Network: "tcp",
			TCPConf: TCPConf{
				TCPNoDelay:   true,
				TCPLingerSec: -1,
			},
		},
	}
}

// AnnouncedFeatures returns the features to announce in IPROTO_ID
func (c *ClientConfig) AnnouncedFeatures() []Feature {
	if c.Features == nil {
		return DefaultFeatures()
	}
	return c.Features
}

// Validate checks the client configuration
func (c *ClientConfig) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect timeout must be positive", ErrInvalidConfig)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: request timeout must not be negative", ErrInvalidConfig)
	}
	if _, err := ParseAuthMethod(string(c.AuthMethod)); err != nil {
		return err
	}
	switch c.Transport.Network {
	case "", "tcp", "unix":
	default:
		return fmt.Errorf("%w: unknown network %q", ErrInvalidConfig, c.Transport.Network)
	}
	return nil
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder
	addSection, addField := sectionWriters(&sb)

	addSection("Client Configuration")
	addField("Connect Timeout", c.ConnectTimeout.String())
	addField("Request Timeout", c.RequestTimeout.String())
	addField("User", orNone(c.User))
	addField("Auth Method", string(c.AuthMethod))
	addField("Log Level", c.LogLevel)

	features := make([]string, 0, len(c.AnnouncedFeatures()))
	for _, f := range c.AnnouncedFeatures() {
		features = append(features, f.String())
	}
	addField("Features", strings.Join(features, ","))

	addSection("Transport")
	addField("Network", orNone(c.Transport.Network))
	addField("TCP No Delay", strconv.FormatBool(c.Transport.TCPNoDelay))
	addField("TCP Keep Alive", fmt.Sprintf("%d sec", c.Transport.TCPKeepAliveSec))
	addField("Write Buffer", fmt.Sprintf("%d bytes", c.Transport.WriteBufferSize))
	addField("Read Buffer", fmt.Sprintf("%d bytes", c.Transport.ReadBufferSize))

	return sb.String()
}

// --------------------------------------------------------------------------
// Heartbeat configuration
// --------------------------------------------------------------------------

// ProbeKind selects the request a heartbeat sends
type ProbeKind string

const (
	ProbePing ProbeKind = "ping"
	ProbeEval ProbeKind = "eval"
)

// HeartbeatConfig configures the health monitor of every pooled connection
type HeartbeatConfig struct {
	Interval              time.Duration
	ProbeTimeout          time.Duration // 0 means Interval
	WindowSize            int
	InvalidationThreshold int
	DeathThreshold        int
	Probe                 ProbeKind
	ProbeExpr             string // expression for ProbeEval, must not raise
}

// DefaultHeartbeatConfig returns a HeartbeatConfig with all defaults set
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:              DefaultHeartbeatInterval,
		WindowSize:            DefaultWindowSize,
		InvalidationThreshold: DefaultInvalidationThreshold,
		DeathThreshold:        DefaultDeathThreshold,
		Probe:                 ProbePing,
	}
}

// EffectiveProbeTimeout returns the timeout of a single probe
func (c *HeartbeatConfig) EffectiveProbeTimeout() time.Duration {
	if c.ProbeTimeout > 0 {
		return c.ProbeTimeout
	}
	return c.Interval
}

// Validate checks the heartbeat configuration
func (c *HeartbeatConfig) Validate() error {
	switch {
	case c.Interval <= 0:
		return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidConfig)
	case c.WindowSize <= 0:
		return fmt.Errorf("%w: window size must be positive", ErrInvalidConfig)
	case c.InvalidationThreshold <= 0 || c.InvalidationThreshold > c.WindowSize:
		return fmt.Errorf("%w: invalidation threshold must be in [1, window size]", ErrInvalidConfig)
	case c.DeathThreshold <= 0:
		return fmt.Errorf("%w: death threshold must be positive", ErrInvalidConfig)
	}
	switch c.Probe {
	case "", ProbePing:
	case ProbeEval:
		if c.ProbeExpr == "" {
			return fmt.Errorf("%w: eval probe needs an expression", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown probe kind %q", ErrInvalidConfig, c.Probe)
	}
	return nil
}

// --------------------------------------------------------------------------
// Pool configuration
// --------------------------------------------------------------------------

// InstanceGroup describes the connections the pool keeps to one server instance
type InstanceGroup struct {
	Tag        string
	Host       string
	Port       int // 0 means Host is a unix socket path
	Size       int
	User       string
	Password   string
	AuthMethod AuthMethod
}

// Address returns the dial address of the group
func (g InstanceGroup) Address() string {
	if g.Port == 0 {
		return g.Host
	}
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

// SameEndpoint reports whether two groups connect to the same instance with the same credentials
func (g InstanceGroup) SameEndpoint(o InstanceGroup) bool {
	return g.Host == o.Host && g.Port == o.Port &&
		g.User == o.User && g.Password == o.Password &&
		g.AuthMethod == o.AuthMethod
}

// BalancerKind selects the balancer of a client
type BalancerKind string

const (
	BalancerRoundRobin   BalancerKind = "round-robin"
	BalancerDistributing BalancerKind = "distributing"
)

// PoolConfig holds everything a pool needs
type PoolConfig struct {
	Groups         []InstanceGroup
	Client         ClientConfig
	Heartbeat      HeartbeatConfig
	ReconnectDelay time.Duration
	Balancer       BalancerKind
}

// DefaultPoolConfig returns a PoolConfig with defaults and no groups
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Client:         DefaultClientConfig(),
		Heartbeat:      DefaultHeartbeatConfig(),
		ReconnectDelay: DefaultReconnectDelay,
		Balancer:       BalancerDistributing,
	}
}

// ValidateGroups checks a group list (unique tags, sizes and addresses)
func ValidateGroups(groups []InstanceGroup) error {
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		if g.Tag == "" {
			return fmt.Errorf("%w: group without tag", ErrInvalidConfig)
		}
		if _, ok := seen[g.Tag]; ok {
			return fmt.Errorf("%w: duplicate group tag %q", ErrInvalidConfig, g.Tag)
		}
		seen[g.Tag] = struct{}{}
		if g.Host == "" {
			return fmt.Errorf("%w: group %q has no host", ErrInvalidConfig, g.Tag)
		}
		if g.Port < 0 || g.Port > 65535 {
			return fmt.Errorf("%w: group %q has invalid port %d", ErrInvalidConfig, g.Tag, g.Port)
		}
		if g.Size <= 0 {
			return fmt.Errorf("%w: group %q must have at least one slot", ErrInvalidConfig, g.Tag)
		}
		if _, err := ParseAuthMethod(string(g.AuthMethod)); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the pool configuration
func (c *PoolConfig) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return err
	}
	if err := c.Heartbeat.Validate(); err != nil {
		return err
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("%w: reconnect delay must not be negative", ErrInvalidConfig)
	}
	switch c.Balancer {
	case "", BalancerRoundRobin, BalancerDistributing:
	default:
		return fmt.Errorf("%w: unknown balancer %q", ErrInvalidConfig, c.Balancer)
	}
	return ValidateGroups(c.Groups)
}

// String returns a formatted string representation of the pool configuration
func (c *PoolConfig) String() string {
	var sb strings.Builder
	addSection, addField := sectionWriters(&sb)

	sb.WriteString(c.Client.String())

	addSection("Pool")
	addField("Balancer", string(c.Balancer))
	addField("Reconnect Delay", c.ReconnectDelay.String())

	addSection("Heartbeat")
	addField("Interval", c.Heartbeat.Interval.String())
	addField("Probe Timeout", c.Heartbeat.EffectiveProbeTimeout().String())
	addField("Probe", string(c.Heartbeat.Probe))
	addField("Window Size", strconv.Itoa(c.Heartbeat.WindowSize))
	addField("Invalidation", strconv.Itoa(c.Heartbeat.InvalidationThreshold))
	addField("Death", strconv.Itoa(c.Heartbeat.DeathThreshold))

	addSection("Groups")
	for _, g := range c.Groups {
		addField(g.Tag, fmt.Sprintf("%s x%d", g.Address(), g.Size))
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// sectionWriters returns the helpers used by all String() methods for consistent formatting
func sectionWriters(sb *strings.Builder) (func(string), func(string, string)) {
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}
	return addSection, addField
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
