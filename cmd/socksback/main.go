// Package main provides the CLI entry point for the tunnel agent.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/coreflux/socksback/internal/config"
	"github.com/coreflux/socksback/internal/dialer"
	"github.com/coreflux/socksback/internal/logging"
	"github.com/coreflux/socksback/internal/metrics"
	"github.com/coreflux/socksback/internal/session"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "socksback",
		Short:   "Reverse tunnel agent",
		Version: Version,
		Long: `socksback dials out once to an orchestrator and forwards
orchestrator-requested target connections over a single multiplexed
control channel. It never listens for inbound connections itself.`,
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the orchestrator and run the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

			m := metrics.Default()
			if cfg.Metrics.ListenAddress != "" {
				go serveMetrics(logger, cfg.Metrics.ListenAddress)
			}

			d := dialer.New(dialer.Config{
				Timeout:      cfg.Dial.Timeout,
				PerHostRate:  rate.Limit(cfg.Dial.PerHostRate),
				PerHostBurst: cfg.Dial.PerHostBurst,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logger.Info("received shutdown signal", "signal", sig.String())
				cancel()
			}()

			sessCfg := session.Config{
				OrchestratorAddr:  cfg.Orchestrator.Address,
				Identity:          cfg.Agent.Identity,
				DialTimeout:       cfg.Orchestrator.DialTimeout,
				ReadTimeout:       cfg.Orchestrator.ReadTimeout,
				HeartbeatInterval: cfg.Orchestrator.HeartbeatInterval,
				Dialer:            d,
				Logger:            logger,
				Metrics:           m,
			}

			logger.Info("connecting to orchestrator",
				logging.KeyOrchestrator, cfg.Orchestrator.Address)

			sess, err := session.Dial(ctx, sessCfg)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			logger.Info("agent running, tunnel table ready",
				"identity", cfg.Agent.Identity)

			runErr := sess.Run(ctx)
			if runErr != nil {
				logger.Error("session ended with error", logging.KeyError, runErr)
				return runErr
			}

			logger.Info("agent stopped", "tunnels_at_exit", humanize.Comma(int64(sess.TunnelCount())))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// serveMetrics runs the optional Prometheus exporter until the process exits.
func serveMetrics(logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info("serving metrics", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", logging.KeyError, err)
	}
}

