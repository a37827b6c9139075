// Package server accepts policy client connections on TCP and unix sockets.
package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/infodancer/spfpolicyd/internal/config"
	"github.com/infodancer/spfpolicyd/internal/logging"
	"github.com/infodancer/spfpolicyd/internal/metrics"
)

// Server coordinates multiple listeners and hands their connections to one
// handler.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	collector metrics.Collector
	handler   ConnectionHandler

	listeners []*Listener
	mu        sync.Mutex
}

// New creates a new Server with the given configuration. A nil logger uses
// one built from cfg.LogLevel; a nil collector records nothing.
func New(cfg *config.Config, logger *slog.Logger, collector metrics.Collector) *Server {
	if logger == nil {
		logger = logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	return &Server{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
	}
}

// SetHandler sets the connection handler for all listeners.
// Must be called before Run.
func (s *Server) SetHandler(handler ConnectionHandler) {
	s.handler = handler
}

// Run starts all configured listeners and blocks until the context is cancelled.
// All listeners run in their own goroutines.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()

	if s.handler == nil {
		s.handler = s.defaultHandler
	}

	// Create listeners
	for _, lc := range s.cfg.Listeners {
		var perm fs.FileMode
		if lc.Permissions != "" {
			m, err := lc.FileMode()
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("listener %s: %w", lc.Address, err)
			}
			perm = fs.FileMode(m)
		}

		listener := NewListener(ListenerConfig{
			Address:         lc.Address,
			Mode:            lc.Mode,
			Permissions:     perm,
			IdleTimeout:     s.cfg.Timeouts.IdleTimeout(),
			ShutdownTimeout: s.cfg.Timeouts.ShutdownTimeout(),
			LogTransaction:  s.cfg.LogLevel == "debug",
			Logger:          s.logger,
			Collector:       s.collector,
			Handler:         s.handler,
		})
		s.listeners = append(s.listeners, listener)
	}

	s.mu.Unlock()

	s.logger.Info("starting server",
		slog.Int("listener_count", len(s.listeners)),
	)

	// Start all listeners in goroutines
	var wg sync.WaitGroup
	errChan := make(chan error, len(s.listeners))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, l := range s.listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(runCtx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
				// One listener failing to bind stops the others.
				cancel()
			}
		}(l)
	}

	// Wait for context cancellation
	<-runCtx.Done()

	s.logger.Info("server shutting down")

	// Wait for all listeners to stop
	wg.Wait()

	// Check for any errors
	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.logger.Info("server stopped")

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Shutdown stops all listeners from accepting new connections.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
}

// Listeners returns the listeners created by Run.
func (s *Server) Listeners() []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Listener(nil), s.listeners...)
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Config returns the server's configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// defaultHandler closes connections when no handler has been set.
func (s *Server) defaultHandler(ctx context.Context, conn *Connection) {
	logger := logging.FromContext(ctx)
	logger.Warn("no connection handler configured - closing connection")
}
