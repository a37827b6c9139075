package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/infodancer/spfpolicyd/internal/logging"
	"github.com/infodancer/spfpolicyd/internal/netmatch"
)

// BypassKind names the check that let a transaction skip SPF.
type BypassKind string

const (
	BypassNone               BypassKind = ""
	BypassSkipAddresses      BypassKind = "skip_addresses"
	BypassWhitelist          BypassKind = "whitelist"
	BypassDomainWhitelist    BypassKind = "domain_whitelist"
	BypassDomainWhitelistPTR BypassKind = "domain_whitelist_ptr"
	BypassHeloWhitelist      BypassKind = "helo_whitelist"
)

const skipComment = "X-Comment: SPF not applicable to localhost connection - skipped check"

// BypassEvaluator runs the whitelist and skip checks in priority order.
type BypassEvaluator struct {
	evaluator Evaluator
	resolver  Resolver
}

// NewBypassEvaluator creates a BypassEvaluator. A nil evaluator disables the
// domain whitelist; a nil resolver disables the PTR and HELO whitelists.
func NewBypassEvaluator(evaluator Evaluator, resolver Resolver) *BypassEvaluator {
	return &BypassEvaluator{evaluator: evaluator, resolver: resolver}
}

// Evaluate returns a Prepend decision for the first matching bypass, or nil
// when SPF checks should run. It never fails: malformed entries and lookup
// errors count as "no match".
func (b *BypassEvaluator) Evaluate(ctx context.Context, fact Fact, cfg *Config) (*Decision, BypassKind) {
	logger := logging.FromContext(ctx)

	if b.matchNetworks(logger, "skip_addresses", fact.ClientIP, cfg.SkipAddresses) {
		return &Decision{Action: Prepend, Message: skipComment}, BypassSkipAddresses
	}

	if b.matchNetworks(logger, "whitelist", fact.ClientIP, cfg.Whitelist) {
		return b.relayDecision("relay", fact, cfg), BypassWhitelist
	}

	if b.matchDomainWhitelist(ctx, logger, fact, cfg) {
		return b.relayDecision("relay domain", fact, cfg), BypassDomainWhitelist
	}

	if b.matchPTRWhitelist(ctx, logger, fact, cfg) {
		return b.relayDecision("relay domain", fact, cfg), BypassDomainWhitelistPTR
	}

	if b.matchHeloWhitelist(ctx, logger, fact, cfg) {
		return b.relayDecision("relay", fact, cfg), BypassHeloWhitelist
	}

	return nil, BypassNone
}

// matchNetworks aborts the whole list on a malformed entry so that a typo
// never turns into a bypass.
func (b *BypassEvaluator) matchNetworks(logger *slog.Logger, name string, ip net.IP, networks []string) bool {
	if len(networks) == 0 || ip == nil {
		return false
	}
	ok, err := netmatch.MatchesAny(ip, networks)
	if err != nil {
		logger.Warn("malformed network in whitelist, skipping list",
			slog.String("list", name),
			slog.String("error", err.Error()))
		return false
	}
	return ok
}

func (b *BypassEvaluator) matchDomainWhitelist(ctx context.Context, logger *slog.Logger, fact Fact, cfg *Config) bool {
	if b.evaluator == nil || len(cfg.DomainWhitelist) == 0 || fact.ClientIP == nil {
		return false
	}
	for _, domain := range cfg.DomainWhitelist {
		lctx, cancel := context.WithTimeout(ctx, cfg.WhitelistLookupTime)
		ev, err := safeEvaluate(lctx, b.evaluator, Query{
			IP:        fact.ClientIP,
			Identity:  domain,
			Helo:      domain,
			VoidLimit: cfg.VoidLimit,
		})
		cancel()
		if err != nil {
			logger.Debug("domain whitelist evaluation failed",
				slog.String("domain", domain),
				slog.String("error", err.Error()))
			continue
		}
		if ev.Qualifier == Pass {
			logger.Debug("domain whitelist matched", slog.String("domain", domain))
			return true
		}
	}
	return false
}

func (b *BypassEvaluator) matchPTRWhitelist(ctx context.Context, logger *slog.Logger, fact Fact, cfg *Config) bool {
	if b.resolver == nil || len(cfg.DomainWhitelistPTR) == 0 || fact.ClientIP == nil {
		return false
	}
	lctx, cancel := context.WithTimeout(ctx, cfg.WhitelistLookupTime)
	defer cancel()

	names, err := b.resolver.LookupPTR(lctx, fact.ClientIP)
	if err != nil {
		logger.Debug("PTR lookup failed", slog.String("error", err.Error()))
		return false
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		for _, domain := range cfg.DomainWhitelistPTR {
			if netmatch.DomainSuffix(name, domain) {
				logger.Debug("PTR whitelist matched",
					slog.String("ptr", name),
					slog.String("domain", domain))
				return true
			}
		}
	}
	return false
}

func (b *BypassEvaluator) matchHeloWhitelist(ctx context.Context, logger *slog.Logger, fact Fact, cfg *Config) bool {
	if b.resolver == nil || len(cfg.HeloWhitelist) == 0 || fact.ClientIP == nil {
		return false
	}
	for _, host := range cfg.HeloWhitelist {
		lctx, cancel := context.WithTimeout(ctx, cfg.WhitelistLookupTime)
		ips, err := b.resolver.LookupIP(lctx, host)
		cancel()
		if err != nil {
			logger.Debug("HELO whitelist lookup failed",
				slog.String("host", host),
				slog.String("error", err.Error()))
			continue
		}
		for _, ip := range ips {
			if netmatch.EqualIP(ip, fact.ClientIP) {
				logger.Debug("HELO whitelist matched", slog.String("host", host))
				return true
			}
		}
	}
	return false
}

func (b *BypassEvaluator) relayDecision(kind string, fact Fact, cfg *Config) *Decision {
	receiver := fact.Recipient
	if cfg.HideReceiver || receiver == "" {
		receiver = hiddenReceiver
	}
	return &Decision{
		Action: Prepend,
		Message: fmt.Sprintf("X-Comment: SPF skipped for whitelisted %s - client-host=%s; helo=%s; envelope-from=%s; receiver=%s",
			kind, fact.ClientIP, headerValue(fact.Helo), envelopeFrom(fact.Sender), receiver),
	}
}

// safeEvaluate turns an evaluator panic into an error.
func safeEvaluate(ctx context.Context, ev Evaluator, q Query) (res Evaluation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("SPF evaluator panic: %v", r)
		}
	}()
	return ev.EvaluateSPF(ctx, q)
}
