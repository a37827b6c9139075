package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/infodancer/spfpolicyd/internal/logging"
	"github.com/infodancer/spfpolicyd/internal/metrics"
	"github.com/infodancer/spfpolicyd/internal/server"
)

// runServe runs the policy daemon on the configured listeners.
func runServe() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector, metricsServer := metrics.New(cfg.Metrics.ServerConfig(), prometheus.DefaultRegisterer)

	comps, err := buildComponents(ctx, &cfg, logger, collector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	defer comps.Close()

	srv := server.New(&cfg, logger, collector)
	srv.SetHandler(comps.handler.HandleConnection)

	logger.Info("starting spfpolicyd",
		slog.Int("listeners", len(cfg.Listeners)),
		slog.String("cache", cfg.Cache.Type),
		slog.Bool("metrics", cfg.Metrics.Enabled))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			if err := metricsServer.Start(gctx); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return comps.sweep(gctx, &cfg.Cache, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		comps.Close()
		os.Exit(1)
	}
	logger.Info("spfpolicyd stopped")
}
