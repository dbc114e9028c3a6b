package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/audiolibrelab/tapcapture/internal/observability"
	"github.com/audiolibrelab/tapcapture/internal/server"
	"github.com/audiolibrelab/tapcapture/internal/service"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the TapCapture web server to control recording via HTTP.
Recordings can be started, stopped, listed and streamed from any device on the
same network. Prometheus metrics are served on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = cfg.Server.Port
		}

		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		metrics, err := observability.NewRecorderMetrics(registry)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}

		svc, err := service.New(cfg, cfgFile, service.WithObserver(metrics))
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("TapCapture web server starting", "port", port, "config", cfgFile)

		srv := server.New(svc, cfgFile, port, registry)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "port for the web server (overrides config)")
}
