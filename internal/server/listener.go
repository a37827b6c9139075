package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/infodancer/spfpolicyd/internal/config"
	"github.com/infodancer/spfpolicyd/internal/logging"
	"github.com/infodancer/spfpolicyd/internal/metrics"
)

// ConnectionHandler is called for each new connection.
// It receives the context and connection, and should serve policy requests
// until the client disconnects.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// Listener manages a single TCP or unix socket listener.
type Listener struct {
	address         string
	mode            config.ListenerMode
	permissions     fs.FileMode
	shutdownTimeout time.Duration
	connCfg         ConnectionConfig
	handler         ConnectionHandler
	collector       metrics.Collector
	logger          *slog.Logger

	listener net.Listener
	ready    chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	conns    map[*Connection]struct{}
}

// ListenerConfig holds configuration for creating a new Listener.
type ListenerConfig struct {
	Address string
	Mode    config.ListenerMode
	// Permissions is applied to a unix socket after it is created. Zero
	// keeps the umask default.
	Permissions     fs.FileMode
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	LogTransaction  bool
	Logger          *slog.Logger
	Collector       metrics.Collector
	Handler         ConnectionHandler
}

// NewListener creates a new Listener with the given configuration.
func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	mode := cfg.Mode
	if mode == "" {
		mode = config.ModeTCP
	}

	return &Listener{
		address:         cfg.Address,
		mode:            mode,
		permissions:     cfg.Permissions,
		shutdownTimeout: cfg.ShutdownTimeout,
		connCfg: ConnectionConfig{
			IdleTimeout:    cfg.IdleTimeout,
			LogTransaction: cfg.LogTransaction,
			Logger:         logger,
		},
		handler:   cfg.Handler,
		collector: collector,
		logger:    logging.WithListener(logger, cfg.Address, string(mode)),
		ready:     make(chan struct{}),
		conns:     make(map[*Connection]struct{}),
	}
}

// listen opens the socket. A stale unix socket file left by a previous run
// is removed first.
func (l *Listener) listen() (net.Listener, error) {
	if l.mode != config.ModeUnix {
		return net.Listen("tcp", l.address)
	}

	if fi, err := os.Lstat(l.address); err == nil {
		if fi.Mode()&fs.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", l.address)
		}
		if err := os.Remove(l.address); err != nil {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", l.address)
	if err != nil {
		return nil, err
	}
	if l.permissions != 0 {
		if err := os.Chmod(l.address, l.permissions); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("setting socket permissions: %w", err)
		}
	}
	return ln, nil
}

// Start begins listening for connections.
// It blocks until the context is cancelled or an unrecoverable error occurs.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := l.listen()
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	close(l.ready)

	l.logger.Info("listener started",
		slog.String("address", ln.Addr().String()),
		slog.String("mode", string(l.mode)),
	)

	// Start accept loop in goroutine
	go l.acceptLoop(ctx)

	// Wait for context cancellation
	<-ctx.Done()

	l.logger.Info("listener shutting down")

	// Close the listener to stop accepting new connections
	if err := l.Close(); err != nil {
		l.logger.Debug("error closing listener",
			slog.String("error", err.Error()),
		)
	}

	l.drain()

	l.logger.Info("listener stopped")
	return ctx.Err()
}

// drain lets in-flight requests finish, then closes whatever is left once
// the shutdown timeout expires.
func (l *Listener) drain() {
	l.mu.Lock()
	for c := range l.conns {
		c.Drain()
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	if l.shutdownTimeout <= 0 {
		<-done
		return
	}

	select {
	case <-done:
	case <-time.After(l.shutdownTimeout):
		l.mu.Lock()
		l.logger.Warn("shutdown timeout expired, closing connections",
			slog.Int("open", len(l.conns)),
		)
		for c := range l.conns {
			_ = c.Close()
		}
		l.mu.Unlock()
		<-done
	}
}

// acceptLoop accepts connections until the listener is closed.
func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()

			if closed {
				return
			}

			// Check if it's a temporary error
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.logger.Warn("temporary accept error",
					slog.String("error", err.Error()),
				)
				time.Sleep(5 * time.Millisecond)
				continue
			}

			l.logger.Error("accept error",
				slog.String("error", err.Error()),
			)
			return
		}

		// Handle connection in its own goroutine
		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection wraps a connection and calls the handler. The handler's
// context is not cancelled by shutdown so that a decision in progress is
// still delivered; drain stops the connection between requests instead.
func (l *Listener) handleConnection(ctx context.Context, netConn net.Conn) {
	defer l.wg.Done()

	// Create connection wrapper
	conn := NewConnection(netConn, l.connCfg)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.conns[conn] = struct{}{}
	l.mu.Unlock()

	l.collector.ConnectionOpened()
	conn.Logger().Debug("connection accepted")

	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		_ = conn.Close()
		l.collector.ConnectionClosed()
		conn.Logger().Debug("connection finished")
	}()

	// Create connection-specific context
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	// Attach logger to context
	connCtx = logging.NewContext(connCtx, conn.Logger())

	// Set initial idle timeout
	if err := conn.ResetIdleTimeout(); err != nil {
		conn.Logger().Error("failed to set initial timeout",
			slog.String("error", err.Error()),
		)
		return
	}

	// Start idle monitor
	go conn.IdleMonitor(connCtx)

	// Call the connection handler
	if l.handler != nil {
		l.handler(connCtx, conn)
	}
}

// Close stops the listener from accepting new connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// Ready is closed once the socket is listening.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address, or nil before the listener has started.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Address returns the listener's configured address.
func (l *Listener) Address() string {
	return l.address
}

// Mode returns the listener's mode.
func (l *Listener) Mode() config.ListenerMode {
	return l.mode
}
