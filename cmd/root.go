package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/ipool/cmd/monitor"
	"github.com/ValentinKolb/ipool/cmd/ping"
	"github.com/ValentinKolb/ipool/cmd/util"
	"github.com/ValentinKolb/ipool/cmd/watch"
	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "ipool",
		Short: "health-managed IPROTO connection pool",
		Long: fmt.Sprintf(`ipool (v%s)

A client engine for the IPROTO binary protocol: multiplexed connections,
watchers, and a pool that probes every connection, hides unhealthy ones and
reconnects dead ones, balanced across groups of server instances.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ipool",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ipool v%s (IPROTO protocol version %d)\n", Version, common.ProtocolVersion)
		},
	}
)

func init() {
	// load .env files and IPOOL_ environment variables
	cobra.OnInitialize(util.InitConfig)

	RootCmd.AddCommand(ping.PingCommands)
	RootCmd.AddCommand(watch.WatchCmd)
	RootCmd.AddCommand(monitor.MonitorCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
