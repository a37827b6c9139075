// Package spfcheck evaluates SPF policies with blitiri.com.ar/go/spf and
// adapts the results to the policy engine.
package spfcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"blitiri.com.ar/go/spf"

	"github.com/infodancer/spfpolicyd/internal/logging"
	"github.com/infodancer/spfpolicyd/internal/netmatch"
	"github.com/infodancer/spfpolicyd/internal/policy"
)

// ErrNoClientIP is returned when a query carries no client address.
var ErrNoClientIP = errors.New("spfcheck: no client address")

// Evaluator implements policy.Evaluator.
type Evaluator struct {
	resolver spf.DNSResolver
}

// New creates an Evaluator that resolves through resolver.
func New(resolver spf.DNSResolver) *Evaluator {
	return &Evaluator{resolver: resolver}
}

// EvaluateSPF runs check_host for the query. Lookup failures and timeouts
// come back as TempError or PermError evaluations; only a query that cannot
// be evaluated at all is an error.
func (e *Evaluator) EvaluateSPF(ctx context.Context, q policy.Query) (policy.Evaluation, error) {
	if q.IP == nil {
		return policy.Evaluation{}, ErrNoClientIP
	}

	sender := q.Identity
	if !strings.Contains(sender, "@") {
		sender = "postmaster@" + sender
	}
	// RFC 7208 section 2.4: the null sender is checked as postmaster@<helo>.
	if netmatch.DomainOf(sender) == "" && q.Helo != "" {
		sender = "postmaster@" + q.Helo
	}
	domain := netmatch.DomainOf(sender)

	logger := logging.FromContext(ctx)
	opts := []spf.Option{
		spf.WithContext(ctx),
		spf.WithResolver(e.resolver),
		spf.WithTraceFunc(func(f string, a ...interface{}) {
			logger.Debug("spf trace",
				slog.String("domain", domain),
				slog.String("step", fmt.Sprintf(f, a...)))
		}),
	}
	if q.VoidLimit > 0 {
		opts = append(opts, spf.OverrideVoidLookupLimit(uint(q.VoidLimit)))
	}

	res, checkErr := spf.CheckHostWithSender(q.IP, q.Helo, sender, opts...)
	qualifier, err := policy.ParseQualifier(string(res))
	if err != nil {
		return policy.Evaluation{}, fmt.Errorf("spfcheck: %w", err)
	}

	ev := policy.Evaluation{
		Qualifier:   qualifier,
		Explanation: explain(qualifier, domain, q.IP.String(), checkErr),
	}

	switch qualifier {
	case policy.Fail, policy.SoftFail, policy.Neutral, policy.PermError:
		record, err := e.record(ctx, domain)
		if err != nil {
			logger.Debug("cannot read SPF record text",
				slog.String("domain", domain),
				slog.String("error", err.Error()))
		}
		ev.Record = record
	}
	return ev, nil
}

// record returns the literal text of domain's SPF record. The TXT answer is
// normally still cached from the evaluation.
func (e *Evaluator) record(ctx context.Context, domain string) (string, error) {
	txts, err := e.resolver.LookupTXT(ctx, domain)
	if err != nil {
		return "", err
	}
	var found []string
	for _, txt := range txts {
		if IsSPFRecord(txt) {
			found = append(found, txt)
		}
	}
	if len(found) != 1 {
		return "", fmt.Errorf("%s has %d SPF records", domain, len(found))
	}
	return found[0], nil
}

// IsSPFRecord reports whether txt is an SPF version 1 record.
func IsSPFRecord(txt string) bool {
	const version = "v=spf1"
	if len(txt) < len(version) || !strings.EqualFold(txt[:len(version)], version) {
		return false
	}
	return len(txt) == len(version) || txt[len(version)] == ' '
}

func explain(q policy.Qualifier, domain, ip string, err error) string {
	switch q {
	case policy.Pass:
		return fmt.Sprintf("domain of %s designates %s as permitted sender", domain, ip)
	case policy.Fail, policy.SoftFail:
		return fmt.Sprintf("domain of %s does not designate %s as permitted sender", domain, ip)
	case policy.Neutral:
		return fmt.Sprintf("%s is neither permitted nor denied by domain of %s", ip, domain)
	case policy.None:
		return fmt.Sprintf("domain of %s does not provide an SPF record", domain)
	case policy.TempError:
		return fmt.Sprintf("temporary error in processing during lookup of %s: %s", domain, errText(err))
	case policy.PermError:
		return fmt.Sprintf("permanent error in processing domain of %s: %s", domain, errText(err))
	default:
		return ""
	}
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
