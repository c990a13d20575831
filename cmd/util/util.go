package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		if lineWidth > 0 && lineWidth+1+len(word) > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}
		currentLine.WriteString(word)
		lineWidth += len(word)
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}
	return strings.Join(wrappedLines, "\n")
}

// SetupPoolFlags adds the pool connection flags to a command
func SetupPoolFlags(cmd *cobra.Command) {
	key := "groups"
	cmd.PersistentFlags().String(key, "default=localhost:3301", WrapString("Comma-separated list of instance groups. Format: TAG=ADDRESS[*SIZE] where ADDRESS is host:port or a unix socket path (e.g. a=10.0.0.1:3301*3,b=/var/run/tarantool.sock)"))

	key = "user"
	cmd.PersistentFlags().String(key, "", WrapString("User to authenticate as, empty means guest"))

	key = "password"
	cmd.PersistentFlags().String(key, "", WrapString("Password of the user"))

	key = "auth-method"
	cmd.PersistentFlags().String(key, string(common.AuthChapSha1), WrapString("Authentication method (chap-sha1, pap-sha256)"))

	key = "connect-timeout"
	cmd.PersistentFlags().Duration(key, common.DefaultConnectTimeout, WrapString("Timeout of dial, greeting and handshake"))

	key = "request-timeout"
	cmd.PersistentFlags().Duration(key, common.DefaultRequestTimeout, WrapString("Timeout of a single request"))

	key = "reconnect-delay"
	cmd.PersistentFlags().Duration(key, common.DefaultReconnectDelay, WrapString("Delay before a killed connection is reconnected"))

	key = "balancer"
	cmd.PersistentFlags().String(key, string(common.BalancerDistributing), WrapString("Balancer choosing the connection of each request (round-robin, distributing)"))

	key = "heartbeat-interval"
	cmd.PersistentFlags().Duration(key, common.DefaultHeartbeatInterval, WrapString("Interval between two health probes of a connection"))

	key = "heartbeat-window"
	cmd.PersistentFlags().Int(key, common.DefaultWindowSize, WrapString("Number of recent probes the health of a connection is judged on"))

	key = "heartbeat-invalidation"
	cmd.PersistentFlags().Int(key, common.DefaultInvalidationThreshold, WrapString("Failures within the window that invalidate a connection"))

	key = "heartbeat-death"
	cmd.PersistentFlags().Int(key, common.DefaultDeathThreshold, WrapString("Consecutive or windowed failures that kill an invalidated connection"))

	key = "heartbeat-probe"
	cmd.PersistentFlags().String(key, string(common.ProbePing), WrapString("Probe request (ping, eval)"))

	key = "heartbeat-expr"
	cmd.PersistentFlags().String(key, "return true", WrapString("Expression evaluated by the eval probe"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "warn", WrapString("Level at which logs will be output (debug, info, warn, error)"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket write buffer (in KB, 0 keeps the OS default)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket read buffer (in KB, 0 keeps the OS default)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval (in seconds)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, -1, WrapString("The linger time (in seconds, -1 keeps the OS default)"))
}

// InitConfig loads .env files and maps IPOOL_<FLAG> environment variables to flags
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("ipool")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// InitLogging sets the level of every package logger from the log-level flag
func InitLogging() error {
	return common.InitLoggers(viper.GetString("log-level"))
}

// GetPoolConfig reads the pool configuration from viper
func GetPoolConfig() (common.PoolConfig, error) {
	conf := common.DefaultPoolConfig()

	method, err := common.ParseAuthMethod(viper.GetString("auth-method"))
	if err != nil {
		return conf, err
	}

	conf.Client.ConnectTimeout = viper.GetDuration("connect-timeout")
	conf.Client.RequestTimeout = viper.GetDuration("request-timeout")
	conf.Client.User = viper.GetString("user")
	conf.Client.Password = viper.GetString("password")
	conf.Client.AuthMethod = method
	conf.Client.Transport.SocketConf = common.SocketConf{
		WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
	}
	conf.Client.Transport.TCPConf = common.TCPConf{
		TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
	}

	conf.Heartbeat.Interval = viper.GetDuration("heartbeat-interval")
	conf.Heartbeat.WindowSize = viper.GetInt("heartbeat-window")
	conf.Heartbeat.InvalidationThreshold = viper.GetInt("heartbeat-invalidation")
	conf.Heartbeat.DeathThreshold = viper.GetInt("heartbeat-death")
	conf.Heartbeat.Probe = common.ProbeKind(viper.GetString("heartbeat-probe"))
	conf.Heartbeat.ProbeExpr = viper.GetString("heartbeat-expr")

	conf.ReconnectDelay = viper.GetDuration("reconnect-delay")
	conf.Balancer = common.BalancerKind(viper.GetString("balancer"))

	conf.Groups, err = ParseGroups(viper.GetString("groups"))
	if err != nil {
		return conf, err
	}
	for i := range conf.Groups {
		conf.Groups[i].User = conf.Client.User
		conf.Groups[i].Password = conf.Client.Password
		conf.Groups[i].AuthMethod = method
	}

	return conf, conf.Validate()
}

// ParseGroups parses TAG=ADDRESS[*SIZE] entries separated by commas
func ParseGroups(s string) ([]common.InstanceGroup, error) {
	var groups []common.InstanceGroup
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		tag, address, ok := strings.Cut(entry, "=")
		if !ok || tag == "" || address == "" {
			return nil, fmt.Errorf("invalid group format: %s (expected TAG=ADDRESS[*SIZE])", entry)
		}

		g := common.InstanceGroup{Tag: strings.TrimSpace(tag), Size: 1}
		if addr, sizeStr, hasSize := strings.Cut(address, "*"); hasSize {
			size, err := strconv.Atoi(sizeStr)
			if err != nil {
				return nil, fmt.Errorf("invalid size of group %s: %v", g.Tag, err)
			}
			g.Size = size
			address = addr
		}

		// unix socket paths have no port
		if strings.HasPrefix(address, "/") || strings.HasPrefix(address, ".") {
			g.Host = address
		} else {
			host, portStr, err := net.SplitHostPort(address)
			if err != nil {
				return nil, fmt.Errorf("invalid address of group %s: %v", g.Tag, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil || port <= 0 {
				return nil, fmt.Errorf("invalid port of group %s: %s", g.Tag, portStr)
			}
			g.Host, g.Port = host, port
		}

		groups = append(groups, g)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no groups configured")
	}
	return groups, nil
}
