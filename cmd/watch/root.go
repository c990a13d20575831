package watch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/ipool/cmd/util"
	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/ValentinKolb/ipool/rpc/connection"
	"github.com/spf13/cobra"
)

var (
	// WatchCmd prints the push events of one or more keys
	WatchCmd = &cobra.Command{
		Use:     "watch <key> [key...]",
		Short:   "Print events of watched keys",
		Long:    `Connect to the first configured group and print every event of the given keys until interrupted. The connection is reconnected after the reconnect delay whenever it drops, watched keys are subscribed again.`,
		Args:    cobra.MinimumNArgs(1),
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	util.SetupPoolFlags(WatchCmd)
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	return util.InitLogging()
}

func run(cmd *cobra.Command, keys []string) error {
	config, err := util.GetPoolConfig()
	if err != nil {
		return err
	}
	g := config.Groups[0]

	clientConfig := config.Client
	clientConfig.User, clientConfig.Password, clientConfig.AuthMethod = g.User, g.Password, g.AuthMethod
	if g.Port == 0 {
		clientConfig.Transport.Network = "unix"
	}

	conn, err := connection.New(g.Address(), clientConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dropped := make(chan connection.CloseEvent, 1)
	conn.OnClose(func(ev connection.CloseEvent) {
		if ev.Reason != connection.CloseClient {
			select {
			case dropped <- ev:
			default:
			}
		}
	})

	for _, key := range keys {
		if _, err := conn.Watch(key, printEvent); err != nil {
			return err
		}
	}

	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Close()
	fmt.Printf("watching %v on %s (%s)\n", keys, conn.Addr(), conn.Greeting().Version)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-dropped:
			fmt.Printf("connection lost (%s): %v\n", ev.Reason, ev.Err)
			if err := reconnect(ctx, conn, config.ReconnectDelay); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			fmt.Printf("reconnected to %s\n", conn.Addr())
		}
	}
}

// reconnect retries Connect until it succeeds or ctx is done
func reconnect(ctx context.Context, conn *connection.Conn, delay time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		err := conn.Connect(ctx)
		if err == nil {
			return nil
		}
		fmt.Printf("reconnect failed: %v\n", err)
		if common.KindOf(err) == common.KindConfiguration {
			return err
		}
	}
}

func printEvent(key string, value interface{}) {
	fmt.Printf("%s %s = %v\n", time.Now().Format(time.RFC3339), key, value)
}
