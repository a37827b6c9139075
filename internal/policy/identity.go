package policy

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/infodancer/spfpolicyd/internal/logging"
	"github.com/infodancer/spfpolicyd/internal/netmatch"
)

// IdentityChecker evaluates SPF for the HELO and MAIL FROM identities.
type IdentityChecker struct {
	evaluator Evaluator
}

// NewIdentityChecker creates an IdentityChecker backed by evaluator.
func NewIdentityChecker(evaluator Evaluator) *IdentityChecker {
	return &IdentityChecker{evaluator: evaluator}
}

// HeloIdentity is the mailbox checked for the HELO scope.
func HeloIdentity(fact Fact) string {
	host := fact.Helo
	if host == "" {
		host = netmatch.DomainOf(fact.Sender)
	}
	if host == "" {
		host = "unknown"
	}
	return "postmaster@" + host
}

// CheckIdentity runs one scope. A timeout is a TempError result. When the
// evaluator cannot run for any other reason, the returned Decision is a Dunno
// carrying the failure and the CheckResult is unusable.
func (c *IdentityChecker) CheckIdentity(ctx context.Context, scope Scope, fact Fact, cfg *Config) (CheckResult, *Decision) {
	identity := fact.Sender
	if scope == ScopeHelo {
		identity = HeloIdentity(fact)
	}

	lctx, cancel := context.WithTimeout(ctx, cfg.LookupTime)
	defer cancel()

	ev, err := safeEvaluate(lctx, c.evaluator, Query{
		IP:        fact.ClientIP,
		Identity:  identity,
		Helo:      fact.Helo,
		VoidLimit: cfg.VoidLimit,
	})
	if err != nil && isTimeout(err) {
		logging.FromContext(ctx).Warn("SPF evaluation timed out",
			slog.String("scope", scope.String()),
			slog.String("identity", identity),
			slog.String("error", err.Error()))
		return CheckResult{
			Qualifier:   TempError,
			Explanation: err.Error(),
			Scope:       scope,
			Identity:    identity,
		}, nil
	}
	if err != nil {
		logging.FromContext(ctx).Error("SPF evaluation failed",
			slog.String("scope", scope.String()),
			slog.String("identity", identity),
			slog.String("error", err.Error()))
		return CheckResult{Scope: scope, Identity: identity}, &Decision{Action: Dunno, Message: err.Error()}
	}

	return CheckResult{
		Qualifier:   ev.Qualifier,
		Explanation: ev.Explanation,
		Scope:       scope,
		Identity:    identity,
		Record:      ev.Record,
	}, nil
}

// isTimeout reports lookup deadlines, whether from the context or the network.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
