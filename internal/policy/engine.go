package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/infodancer/spfpolicyd/internal/logging"
	"github.com/infodancer/spfpolicyd/internal/metrics"
)

// NoMailRecord is the only record text that survives the No-Mail downgrade.
const NoMailRecord = "v=spf1 -all"

// Engine turns a Fact into a Decision. It holds no per-call state; the
// transaction cache carries everything shared between recipients.
type Engine struct {
	bypass   *BypassEvaluator
	identity *IdentityChecker
	cache    TransactionCache
	metrics  metrics.Collector
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache sets the transaction cache. Without one every call is treated
// as a new transaction.
func WithCache(c TransactionCache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// NewEngine creates an Engine. resolver may be nil, which disables the PTR
// and HELO whitelists.
func NewEngine(evaluator Evaluator, resolver Resolver, opts ...Option) *Engine {
	e := &Engine{
		bypass:   NewBypassEvaluator(evaluator, resolver),
		identity: NewIdentityChecker(evaluator),
		metrics:  &metrics.NoopCollector{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide returns the action for one recipient. base is the resolved policy;
// override, when non-nil, replaces its bypass and mapping values for this
// recipient only.
func (e *Engine) Decide(ctx context.Context, fact Fact, base Config, override *Override) Decision {
	cfg := base.WithOverride(override)
	logger := logging.FromContext(ctx)

	t := &transaction{engine: e, fact: fact, cfg: &cfg, logger: logger, basePolicy: !override.ChangesBypass()}
	d := t.run(ctx)

	e.metrics.DecisionMade(d.Action.String(), d.IsError)
	logger.Info("policy decision",
		slog.String("action", d.Action.String()),
		slog.String("client_ip", fact.ClientIP.String()),
		slog.String("helo", fact.Helo),
		slog.String("sender", fact.Sender),
		slog.String("recipient", fact.Recipient),
		slog.Bool("is_error", d.IsError),
		slog.String("message", d.Message))
	return d
}

// transaction is the state of one Decide call.
type transaction struct {
	engine *Engine
	fact   Fact
	cfg    *Config
	logger *slog.Logger
	// basePolicy is set when the bypass settings are the base policy's.
	basePolicy bool

	entry CacheEntry
}

func (t *transaction) cached() bool {
	return t.engine.cache != nil && t.fact.InstanceID != ""
}

func (t *transaction) run(ctx context.Context) Decision {
	t.load(ctx)

	if d, ok := t.bypass(ctx); ok {
		return d
	}

	var helo, mailFrom *CheckResult

	if t.cfg.HeloReject != ModeNoCheck {
		res, failed := t.check(ctx, ScopeHelo)
		if failed != nil {
			return *failed
		}
		if d, terminal := t.apply(ctx, res); terminal {
			return d
		}
		helo = &res
	}

	skipMailFrom := t.cfg.MailFromReject == ModeNoCheck || (t.fact.Sender == "" && helo != nil)
	if !skipMailFrom {
		res, failed := t.check(ctx, ScopeMailFrom)
		if failed != nil {
			return *failed
		}
		if d, terminal := t.apply(ctx, res); terminal {
			return d
		}
		mailFrom = &res
	}

	best := mailFrom
	if best == nil || (best.Qualifier == None && helo != nil && helo.Qualifier != None) {
		best = helo
	}
	if best == nil {
		return dunno()
	}

	header, err := FormatHeader(*best, t.fact, headerOptions(t.cfg))
	if err != nil {
		t.logger.Error("cannot format header", slog.String("error", err.Error()))
		return dunno()
	}
	return t.prepend(ctx, Decision{Action: Prepend, Message: header, IsError: best.Qualifier.IsError()})
}

// bypass runs the whitelist and skip checks. Later recipients of an instance
// reuse the base policy's outcome instead of repeating its lookups.
func (t *transaction) bypass(ctx context.Context) (Decision, bool) {
	if t.basePolicy && t.entry.BypassChecked {
		switch {
		case t.entry.BaseBypass == BypassNone:
			t.logger.Debug("reusing cached bypass result", slog.String("kind", "none"))
			return Decision{}, false
		case t.entry.Prepended:
			t.logger.Debug("reusing cached bypass result", slog.String("kind", string(t.entry.BaseBypass)))
			return t.final(ctx, dunno()), true
		}
	}

	d, kind := t.engine.bypass.Evaluate(ctx, t.fact, t.cfg)
	if t.basePolicy && t.cached() {
		t.entry.BypassChecked = true
		t.entry.BaseBypass = kind
		if d == nil {
			t.store(ctx)
		}
	}
	if d == nil {
		return Decision{}, false
	}
	t.engine.metrics.BypassHit(string(kind))
	t.logger.Debug("SPF bypassed", slog.String("kind", string(kind)))
	return t.prepend(ctx, *d), true
}

// check evaluates one scope, reusing a result cached by an earlier recipient
// of the same instance.
func (t *transaction) check(ctx context.Context, scope Scope) (CheckResult, *Decision) {
	if res := t.entry.result(scope); res != nil {
		t.logger.Debug("reusing cached SPF result",
			slog.String("scope", scope.String()),
			slog.String("result", res.Qualifier.Lower()))
		return *res, nil
	}

	start := time.Now()
	res, failed := t.engine.identity.CheckIdentity(ctx, scope, t.fact, t.cfg)
	t.engine.metrics.SPFCheckDuration(scope.String(), time.Since(start))
	if failed != nil {
		return res, failed
	}

	t.engine.metrics.SPFCheckCompleted(scope.String(), res.Qualifier.Lower())
	t.logger.Debug("SPF result",
		slog.String("scope", scope.String()),
		slog.String("identity", res.Identity),
		slog.String("result", res.Qualifier.Lower()),
		slog.String("explanation", res.Explanation))

	t.entry.setResult(res)
	t.store(ctx)
	return res, nil
}

// apply maps res and reports whether the resulting decision is terminal.
func (t *transaction) apply(ctx context.Context, res CheckResult) (Decision, bool) {
	m := MapToAction(res, t.fact, t.cfg)

	switch m.Action {
	case Reject:
		if t.cfg.NoMail && m.Result.Record != NoMailRecord {
			t.logger.Info("rejection downgraded, record is not a no-mail record",
				slog.String("scope", res.Scope.String()),
				slog.String("record", m.Result.Record))
			return Decision{}, false
		}
		reply := rejectReply(Reject, m, t.fact, t.cfg)
		return t.final(ctx, Decision{Action: Reject, Message: ReplyText(reply), IsError: res.Qualifier.IsError()}), true
	case Defer:
		reply := rejectReply(Defer, m, t.fact, t.cfg)
		return t.final(ctx, Decision{Action: Defer, Message: ReplyText(reply), IsError: true}), true
	case ResultOnly:
		return t.final(ctx, Decision{Action: ResultOnly, Message: m.Restriction}), true
	default:
		return Decision{}, false
	}
}

// prepend hands out d only if no other recipient of the instance has
// prepended a header yet.
func (t *transaction) prepend(ctx context.Context, d Decision) Decision {
	if !t.cached() {
		return d
	}
	if t.entry.Prepended {
		return t.final(ctx, dunno())
	}
	won, err := t.engine.cache.ClaimPrepend(ctx, t.fact.InstanceID)
	if err != nil {
		t.engine.metrics.CacheError("claim")
		t.logger.Warn("cannot claim header prepend, withholding header",
			slog.String("error", err.Error()))
		return dunno()
	}
	t.engine.metrics.PrependClaimed(won)
	if !won {
		return t.final(ctx, dunno())
	}
	t.entry.Prepended = true
	return t.final(ctx, d)
}

// final records d as the instance's last decision.
func (t *transaction) final(ctx context.Context, d Decision) Decision {
	t.entry.Last = d
	t.store(ctx)
	return d
}

func (t *transaction) load(ctx context.Context) {
	if !t.cached() {
		return
	}
	entry, ok, err := t.engine.cache.Get(ctx, t.fact.InstanceID)
	if err != nil {
		t.engine.metrics.CacheError("get")
		t.logger.Warn("transaction cache lookup failed", slog.String("error", err.Error()))
		return
	}
	if ok {
		t.entry = entry
	}
}

func (t *transaction) store(ctx context.Context) {
	if !t.cached() {
		return
	}
	if err := t.engine.cache.Put(ctx, t.fact.InstanceID, t.entry); err != nil {
		t.engine.metrics.CacheError("put")
		t.logger.Warn("transaction cache store failed", slog.String("error", err.Error()))
	}
}
