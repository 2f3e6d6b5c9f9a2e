// Command dnsgen drives a Poisson-distributed stream of DNS-shaped
// queries at a target over TCP, TLS, or UDP flows and reports matched
// round-trip times.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paragkamble/dnsgen/internal/config"
	"github.com/paragkamble/dnsgen/internal/csvsink"
	"github.com/paragkamble/dnsgen/internal/engine"
	"github.com/paragkamble/dnsgen/internal/metrics"
	"github.com/paragkamble/dnsgen/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.NewConfig()

	cmd := &cobra.Command{
		Use:   "dnsgen <host>",
		Short: "Poisson-distributed DNS-shaped load generator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Flags().Set("host", args[0]); err != nil {
				return err
			}
			loaded, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), loaded)
		},
	}

	if err := cfg.BindFlags(cmd.Flags()); err != nil {
		fmt.Fprintln(os.Stderr, "failed to bind flags:", err)
		os.Exit(1)
	}

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	transport.RaiseFileLimit(log)

	m := metrics.NewMetrics()

	var csv *csvsink.Sink
	if cfg.PrintRTT {
		csv, err = csvsink.Open(cfg.CSVOutput)
		if err != nil {
			return fmt.Errorf("open csv sink: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng := engine.New(cfg, log, m, csv)

	if cfg.MetricsAddr != "" {
		ready := metrics.NewReadyHandler(2 * time.Second)
		ready.RegisterChecker("flows", eng)

		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.Handle("/healthz", metrics.NewHealthHandler())
		mux.Handle("/readyz", ready)

		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	log.Info("starting run",
		zap.String("transport", string(cfg.Transport)),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("flows", cfg.Flows),
		zap.String("rate_mode", string(cfg.RateMode)),
	)
	return eng.Run(ctx)
}

func newLogger(verbosity int) (*zap.Logger, error) {
	if verbosity <= 0 {
		return zap.NewProduction()
	}
	cfg := zap.NewDevelopmentConfig()
	if verbosity >= 2 {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
