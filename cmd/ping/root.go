package ping

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/ipool/cmd/util"
	"github.com/ValentinKolb/ipool/rpc/client"
	"github.com/ValentinKolb/ipool/rpc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcClient *client.Client

	// PingCommands represents the ping command group
	PingCommands = &cobra.Command{
		Use:                "ping",
		Short:              "Ping instance groups through a balanced pool",
		Long:               `Open a pool to the configured groups and send pings, each one over the connection chosen by the balancer. The format of the environment variables is IPOOL_<flag> (e.g. IPOOL_GROUPS=a=localhost:3301*2)`,
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: closeClient,
		RunE:               runPing,
	}
)

func init() {
	util.SetupPoolFlags(PingCommands)

	key := "count"
	PingCommands.Flags().Int(key, 0, util.WrapString("Number of pings to send, 0 sends one per slot"))
	key = "interval"
	PingCommands.Flags().Duration(key, 0, util.WrapString("Pause between two pings"))

	PingCommands.AddCommand(perfTestCmd)
}

// setupClient creates the client from flags and environment variables
func setupClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := util.InitLogging(); err != nil {
		return err
	}

	config, err := util.GetPoolConfig()
	if err != nil {
		return err
	}

	rpcClient, err = client.New(config, pool.WithListener(pool.LoggingListener{}))
	return err
}

func closeClient(_ *cobra.Command, _ []string) error {
	if rpcClient == nil {
		return nil
	}
	return rpcClient.Close()
}

func runPing(cmd *cobra.Command, _ []string) error {
	count := viper.GetInt("count")
	if count <= 0 {
		for _, g := range rpcClient.Pool().Topology() {
			count += g.Size
		}
	}
	interval := viper.GetDuration("interval")

	var failed int
	for i := 0; i < count; i++ {
		if i > 0 && interval > 0 {
			time.Sleep(interval)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("request-timeout"))
		start := time.Now()
		conn, err := rpcClient.Conn(ctx)
		if err == nil {
			err = conn.Ping(ctx)
		}
		cancel()

		if err != nil {
			failed++
			fmt.Printf("ping %d: %v\n", i+1, err)
			continue
		}
		fmt.Printf("ping %d: %s time=%s\n", i+1, conn.Addr(), time.Since(start).Round(time.Microsecond))
	}

	fmt.Println()
	printSlots(rpcClient.Pool())
	fmt.Printf("\n%d pings, %d failed\n", count, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d pings failed", failed, count)
	}
	return nil
}

// printSlots prints the health of every slot
func printSlots(p *pool.Pool) {
	fmt.Printf("%-12s%-6s%-28s%-13s%s\n", "GROUP", "SLOT", "ADDRESS", "HEALTH", "CONNECTED")
	for _, s := range p.Slots() {
		fmt.Printf("%-12s%-6d%-28s%-13s%t\n", s.Tag, s.Index, s.Address, s.Health, s.Connected)
	}
}
