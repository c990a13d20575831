package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/ipool/cmd/util"
	"github.com/ValentinKolb/ipool/rpc/metrics"
	"github.com/ValentinKolb/ipool/rpc/pool"
	vm "github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Logger = logger.GetLogger("monitor")

	// MonitorCmd runs a pool and exposes its health
	MonitorCmd = &cobra.Command{
		Use:     "monitor",
		Short:   "Keep a pool open and expose its health as metrics",
		Long:    `Connect every slot of the configured groups, log connection and health events and serve the pool metrics over HTTP until interrupted. /metrics serves the VictoriaMetrics series, /metrics/prometheus the Prometheus collectors and /slots the current health of every slot.`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	util.SetupPoolFlags(MonitorCmd)

	key := "listen"
	MonitorCmd.Flags().String(key, "127.0.0.1:9090", util.WrapString("Address the metrics endpoint listens on"))
	key = "report-interval"
	MonitorCmd.Flags().Duration(key, 30*time.Second, util.WrapString("Interval at which slot health and probe latency are logged, 0 disables it"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	return util.InitLogging()
}

func run(cmd *cobra.Command, _ []string) error {
	config, err := util.GetPoolConfig()
	if err != nil {
		return err
	}

	victoria := metrics.NewVictoria(nil)
	registry := prometheus.NewRegistry()
	listener := pool.MultiListener(
		pool.LoggingListener{},
		victoria,
		metrics.NewPrometheus(registry, ""),
	)

	p, err := pool.New(config, pool.WithListener(listener))
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// slots that fail here are reconnected in the background
	if err := p.ConnectAll(ctx); err != nil {
		Logger.Warningf("not every slot connected: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		victoria.WritePrometheus(w)
		vm.WriteProcessMetrics(w)
	})
	mux.Handle("/metrics/prometheus", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/slots", func(w http.ResponseWriter, _ *http.Request) {
		writeSlots(w, p)
	})

	server := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics server failed: %v", err)
			stop()
		}
	}()
	Logger.Infof("serving metrics on http://%s/metrics", server.Addr)

	report(ctx, p, viper.GetDuration("report-interval"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// report logs slot health and probe latencies until ctx is done
func report(ctx context.Context, p *pool.Pool, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range p.ProbeStats() {
				Logger.Infof("%s[%d] probes=%d failures=%d mean=%s p99=%s",
					s.Tag, s.Index, s.Count, s.Failures, s.Mean, s.P99)
			}
			if !p.HasAvailableClients() {
				Logger.Warningf("no slot is active")
			}
		}
	}
}

func writeSlots(w http.ResponseWriter, p *pool.Pool) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, s := range p.Slots() {
		_, _ = fmt.Fprintf(w, "%s[%d] %s %s connected=%t\n", s.Tag, s.Index, s.Address, s.Health, s.Connected)
	}
}
