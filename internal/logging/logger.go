// Package logging provides centralized logging for the policy daemon.
package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Log output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// contextKey is used for storing loggers in context.
type contextKey struct{}

var loggerKey = contextKey{}

// connectionCounter is used to generate unique connection IDs.
var connectionCounter atomic.Uint64

// Options configures New.
type Options struct {
	Level  string
	Format string
	// Output defaults to os.Stderr. stdout is never used so that the stdio
	// mode can answer requests there.
	Output io.Writer
}

// ParseLevel maps a level name to a slog.Level. Unknown names are Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidFormat reports whether format names a supported output format. The
// empty string selects text.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case "", FormatText, FormatJSON:
		return true
	}
	return false
}

// New creates a slog.Logger from opts.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if strings.ToLower(opts.Format) == FormatJSON {
		handler = slog.NewJSONHandler(out, hopts)
	} else {
		handler = slog.NewTextHandler(out, hopts)
	}
	return slog.New(handler)
}

// NewLogger creates a text logger on stderr with the specified level.
func NewLogger(level string) *slog.Logger {
	return New(Options{Level: level})
}

// WithConnection returns a new logger with connection-specific attributes.
// It generates a unique connection ID for log correlation.
func WithConnection(logger *slog.Logger, remoteAddr string) *slog.Logger {
	connID := connectionCounter.Add(1)
	return logger.With(
		slog.Uint64("conn_id", connID),
		slog.String("remote_addr", remoteAddr),
	)
}

// WithRequest returns a new logger for one policy request. Every request gets
// a fresh request_id; the MTA's instance id ties together the requests for
// the recipients of one message.
func WithRequest(logger *slog.Logger, instance string) *slog.Logger {
	attrs := []any{slog.String("request_id", uuid.NewString())}
	if instance != "" {
		attrs = append(attrs, slog.String("instance", instance))
	}
	return logger.With(attrs...)
}

// WithListener returns a new logger with listener-specific attributes.
func WithListener(logger *slog.Logger, address string, mode string) *slog.Logger {
	return logger.With(
		slog.String("listener", address),
		slog.String("mode", mode),
	)
}

// FromContext retrieves the logger from the context.
// Returns the default logger if none is found.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// NewContext returns a new context with the logger attached.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// lineTracer logs protocol traffic one line at a time at debug level. A
// blank line, which ends a request or response, is logged as "<end>".
type lineTracer struct {
	logger    *slog.Logger
	direction string
	partial   []byte
}

func (t *lineTracer) trace(p []byte) {
	if !t.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	t.partial = append(t.partial, p...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			return
		}
		line := strings.TrimSuffix(string(t.partial[:i]), "\r")
		t.partial = t.partial[i+1:]
		if line == "" {
			line = "<end>"
		}
		t.logger.Debug("policy protocol",
			slog.String("direction", t.direction),
			slog.String("line", line),
		)
	}
}

// TraceWriter wraps an io.Writer and logs every line written.
type TraceWriter struct {
	w io.Writer
	t lineTracer
}

// NewTraceWriter creates a TraceWriter logging under direction.
func NewTraceWriter(w io.Writer, logger *slog.Logger, direction string) *TraceWriter {
	return &TraceWriter{w: w, t: lineTracer{logger: logger, direction: direction}}
}

// Write writes p and logs the complete lines it finishes.
func (tw *TraceWriter) Write(p []byte) (n int, err error) {
	n, err = tw.w.Write(p)
	if n > 0 {
		tw.t.trace(p[:n])
	}
	return n, err
}

// TraceReader wraps an io.Reader and logs every line read.
type TraceReader struct {
	r io.Reader
	t lineTracer
}

// NewTraceReader creates a TraceReader logging under direction.
func NewTraceReader(r io.Reader, logger *slog.Logger, direction string) *TraceReader {
	return &TraceReader{r: r, t: lineTracer{logger: logger, direction: direction}}
}

// Read reads into p and logs the complete lines it finishes.
func (tr *TraceReader) Read(p []byte) (n int, err error) {
	n, err = tr.r.Read(p)
	if n > 0 {
		tr.t.trace(p[:n])
	}
	return n, err
}
