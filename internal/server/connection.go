package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/spfpolicyd/internal/logging"
)

// Connection is one client of a policy listener. It tracks idle time and the
// number of requests answered, and can trace protocol lines at debug level.
type Connection struct {
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	logger      *slog.Logger
	idleTimeout time.Duration

	mu           sync.Mutex
	lastActivity time.Time
	requests     int
	closed       bool
	draining     bool
}

// ConnectionConfig holds configuration for a new connection.
type ConnectionConfig struct {
	IdleTimeout    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// NewConnection creates a new Connection wrapper.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Create connection-scoped logger with remote address
	connLogger := logging.WithConnection(logger, remoteAddrString(conn))

	c := &Connection{
		conn:         conn,
		logger:       connLogger,
		idleTimeout:  cfg.IdleTimeout,
		lastActivity: time.Now(),
	}

	// Protocol lines are traced at debug level when requested.
	var r io.Reader = conn
	var w io.Writer = conn

	if cfg.LogTransaction {
		r = logging.NewTraceReader(conn, connLogger, "recv")
		w = logging.NewTraceWriter(conn, connLogger, "send")
	}

	c.reader = bufio.NewReader(r)
	c.writer = bufio.NewWriter(w)

	return c
}

// remoteAddrString names the peer. Unix socket peers are usually unnamed.
func remoteAddrString(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil || addr.String() == "" {
		return "local"
	}
	return addr.String()
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Reader returns the buffered reader for the connection.
func (c *Connection) Reader() *bufio.Reader {
	return c.reader
}

// Writer returns the buffered writer for the connection.
func (c *Connection) Writer() *bufio.Writer {
	return c.writer
}

// Flush flushes the write buffer.
func (c *Connection) Flush() error {
	return c.writer.Flush()
}

// RequestDone counts an answered request and restarts the idle timer.
func (c *Connection) RequestDone() error {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()
	return c.ResetIdleTimeout()
}

// Requests returns the number of requests answered so far.
func (c *Connection) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// ResetIdleTimeout pushes the deadline out by the idle timeout. Once the
// connection is draining it expires the read deadline instead.
func (c *Connection) ResetIdleTimeout() error {
	c.mu.Lock()
	c.lastActivity = time.Now()
	draining := c.draining
	c.mu.Unlock()

	if draining {
		return c.conn.SetReadDeadline(time.Now())
	}
	if c.idleTimeout > 0 {
		return c.conn.SetDeadline(time.Now().Add(c.idleTimeout))
	}
	return nil
}

// Drain makes a blocked read return immediately. A request already being
// answered still completes; the next read fails.
func (c *Connection) Drain() {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()

	if err := c.conn.SetReadDeadline(time.Now()); err != nil {
		c.logger.Debug("error setting drain deadline",
			slog.String("error", err.Error()),
		)
	}
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.logger.Debug("connection closed", slog.Int("requests", c.requests))
	return c.conn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// IdleMonitor runs in a goroutine to monitor for idle connections.
// It will close the connection if idle timeout is exceeded.
// The monitor stops when the context is cancelled or the connection is closed.
func (c *Connection) IdleMonitor(ctx context.Context) {
	if c.idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(c.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			idle := time.Since(c.lastActivity)
			c.mu.Unlock()

			if idle >= c.idleTimeout {
				c.logger.Info("closing idle connection",
					slog.Duration("idle_time", idle),
				)
				if err := c.Close(); err != nil {
					c.logger.Debug("error closing idle connection",
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}
}
