package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/waypoint-labs/sessionctl/internal/config"
)

var serveMetricsAddr string

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", ":9090", "address to serve Prometheus /metrics on")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the composition root and block: reaper sweeps plus a /metrics endpoint",
	Long: `serve is the long-running mode: it wires Store, Registry, EventBus,
Scheduler, and Reaper once and then blocks, letting the reaper reclaim
stale sessions on its configured cadence while the process stays up to
serve project commands issued through other invocations against the
same database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv := &http.Server{Addr: serveMetricsAddr, Handler: mux}

		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[serve] metrics server error: %v", err)
			}
		}()

		stopWatch, err := config.WatchProjectConfig(func(cfg *config.Config) {
			log.Printf("[serve] config changed, reloading gate settings")
			a.db.SetGateConfig(cfg.Gate.CriticalEpicKeywords, cfg.Gate.AutoFailureTolerance, cfg.Gate.RetestStride)
		})
		if err != nil {
			log.Printf("[serve] config watch disabled: %v", err)
		} else {
			defer stopWatch()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		log.Printf("[serve] reaper sweeping every %s; metrics on %s/metrics", a.cfg.ReaperInterval(), serveMetricsAddr)
		go a.reaper.Run(ctx)

		<-sigCh
		log.Println("[serve] shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		return nil
	},
}
