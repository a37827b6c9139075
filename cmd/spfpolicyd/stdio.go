package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/spfpolicyd/internal/logging"
	"github.com/infodancer/spfpolicyd/internal/metrics"
)

// runStdio answers policy requests on stdin/stdout, for use as a Postfix
// spawn(8) service. Logs go to stderr.
func runStdio() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// spawn(8) processes are short lived; nothing would scrape them.
	collector := &metrics.NoopCollector{}

	comps, err := buildComponents(ctx, &cfg, logger, collector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	defer comps.Close()

	// A spawn(8) process can stay up for many messages.
	go func() {
		if err := comps.sweep(ctx, &cfg.Cache, logger); err != nil {
			logger.Warn("cache sweeper stopped", slog.String("error", err.Error()))
		}
	}()

	ctx = logging.NewContext(ctx, logging.WithConnection(logger, "stdio"))

	r := bufio.NewReader(os.Stdin)
	w := bufio.NewWriter(os.Stdout)
	if err := comps.handler.Serve(ctx, r, w, nil); err != nil {
		logger.Warn("policy stream ended", slog.String("error", err.Error()))
		comps.Close()
		os.Exit(1)
	}
}
