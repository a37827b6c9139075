package policyd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/infodancer/spfpolicyd/internal/logging"
	"github.com/infodancer/spfpolicyd/internal/metrics"
	"github.com/infodancer/spfpolicyd/internal/netmatch"
	"github.com/infodancer/spfpolicyd/internal/policy"
	"github.com/infodancer/spfpolicyd/internal/server"
)

// Decider is the decision engine as seen by the protocol layer.
type Decider interface {
	Decide(ctx context.Context, fact policy.Fact, base policy.Config, override *policy.Override) policy.Decision
}

// protocolStates are the values of protocol_state reported as-is in metrics.
var protocolStates = map[string]bool{
	"CONNECT": true, "EHLO": true, "HELO": true, "MAIL": true, "RCPT": true,
	"DATA": true, "BDAT": true, "END-OF-MESSAGE": true, "VRFY": true, "ETRN": true,
}

// Handler answers policy requests.
type Handler struct {
	engine    Decider
	policy    policy.Config
	perUser   map[string]*policy.Override
	limits    Limits
	collector metrics.Collector
}

// Option configures a Handler.
type Option func(*Handler)

// WithLimits sets the request limits.
func WithLimits(l Limits) Option {
	return func(h *Handler) {
		h.limits = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(h *Handler) {
		if c != nil {
			h.collector = c
		}
	}
}

// WithPerUser sets the per-recipient overrides. Keys are lowercase recipient
// addresses or domains.
func WithPerUser(m map[string]*policy.Override) Option {
	return func(h *Handler) {
		h.perUser = m
	}
}

// NewHandler creates a Handler deciding with engine under base.
func NewHandler(engine Decider, base policy.Config, opts ...Option) *Handler {
	h := &Handler{
		engine:    engine,
		policy:    base,
		limits:    DefaultLimits,
		collector: &metrics.NoopCollector{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleConnection serves one client connection. It is a
// server.ConnectionHandler.
func (h *Handler) HandleConnection(ctx context.Context, conn *server.Connection) {
	err := h.Serve(ctx, conn.Reader(), conn.Writer(), conn.RequestDone)
	if err == nil || isConnectionGone(err) {
		return
	}
	conn.Logger().Warn("policy connection ended",
		slog.String("error", err.Error()))
}

// Serve answers requests read from r until the stream ends. after, when
// non-nil, runs once every response has been written. A clean end of
// stream returns nil.
func (h *Handler) Serve(ctx context.Context, r *bufio.Reader, w *bufio.Writer, after func() error) error {
	rr := NewRequestReader(r, h.limits)
	logger := logging.FromContext(ctx)

	for {
		req, err := rr.ReadRequest()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.Is(err, ErrLineTooLong):
				h.collector.RequestMalformed("line_too_long")
			case errors.Is(err, ErrTooManyAttributes):
				h.collector.RequestMalformed("too_many_attributes")
			}
			return err
		}

		if req.Malformed > 0 {
			h.collector.RequestMalformed("no_separator")
			logger.Warn("ignored request lines without '='",
				slog.Int("count", req.Malformed))
		}

		d := h.Handle(ctx, req)
		if err := WriteResponse(w, d); err != nil {
			return err
		}
		if after != nil {
			if err := after(); err != nil {
				return err
			}
		}
	}
}

// Handle decides one request. Requests that are not recipient checks get
// Dunno without consulting the engine.
func (h *Handler) Handle(ctx context.Context, req *Request) policy.Decision {
	logger := logging.WithRequest(logging.FromContext(ctx), req.Get("instance"))
	ctx = logging.NewContext(ctx, logger)

	state := strings.ToUpper(req.Get("protocol_state"))
	if state != "" && !protocolStates[state] {
		state = "other"
	}
	h.collector.RequestProcessed(state)

	if t := req.Get("request"); t != RequestType {
		h.collector.RequestMalformed("request_type")
		logger.Warn("unsupported request type", slog.String("request", t))
		return policy.Decision{Action: policy.Dunno}
	}

	if state != "" && state != "RCPT" {
		logger.Debug("not a recipient check, skipping", slog.String("protocol_state", state))
		return policy.Decision{Action: policy.Dunno}
	}

	fact, err := req.Fact()
	if err != nil {
		h.collector.RequestMalformed("client_address")
		logger.Warn("cannot build transaction facts", slog.String("error", err.Error()))
		return policy.Decision{Action: policy.Dunno}
	}

	return h.engine.Decide(ctx, fact, h.policy, h.OverrideFor(fact.Recipient))
}

// OverrideFor returns the per-user overlay for recipient. An entry for the
// full address wins over one for its domain.
func (h *Handler) OverrideFor(recipient string) *policy.Override {
	if len(h.perUser) == 0 || recipient == "" {
		return nil
	}
	rcpt := strings.ToLower(strings.Trim(recipient, "<>"))
	if o, ok := h.perUser[rcpt]; ok {
		return o
	}
	if domain := netmatch.DomainOf(rcpt); domain != "" {
		if o, ok := h.perUser[domain]; ok {
			return o
		}
	}
	return nil
}

// isConnectionGone reports errors that only mean the client went away or
// the connection was drained.
func isConnectionGone(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
