package policy

import (
	"slices"

	"github.com/infodancer/spfpolicyd/internal/netmatch"
)

// Mapping is the PolicyMapper's verdict for one check result.
type Mapping struct {
	Action Action
	// Result is the check result, with the explanation replaced when a
	// receiver policy forced the rejection.
	Result CheckResult
	// Restriction names the restriction class for ResultOnly.
	Restriction string

	receiverPolicy bool
}

// MapToAction maps a check result through the configured policy for its
// scope. Anything not escalated to Reject, Defer or ResultOnly is Prepend.
func MapToAction(res CheckResult, fact Fact, cfg *Config) Mapping {
	m := Mapping{Action: Prepend, Result: res}

	switch res.Qualifier {
	case Pass:
		if r := cfg.passRestrictionFor(res.Scope); r != "" {
			m.Action = ResultOnly
			m.Restriction = r
		}
		return m
	case TempError:
		if cfg.TempErrorDefer {
			m.Action = Defer
		}
		return m
	case PermError:
		if cfg.PermErrorReject {
			m.Action = Reject
		}
		return m
	}

	mode := cfg.modeFor(res.Scope)
	forced := rejectNotPass(cfg, policyDomain(res.Scope, fact))
	if forced {
		mode = ModeSPFNotPass
	}

	if mode.escalates(res.Qualifier, fact.Sender == "") {
		m.Action = Reject
		if forced {
			m.receiverPolicy = true
			m.Result.Explanation = "Receiver policy for SPF " + res.Qualifier.String()
		}
	}
	return m
}

// policyDomain is the domain RejectNotPassDomains is matched against.
func policyDomain(s Scope, fact Fact) string {
	if s == ScopeHelo {
		return fact.Helo
	}
	return netmatch.DomainOf(fact.Sender)
}

func rejectNotPass(cfg *Config, domain string) bool {
	if domain == "" {
		return false
	}
	return slices.ContainsFunc(cfg.RejectNotPassDomains, func(d string) bool {
		return netmatch.EqualDomain(d, domain)
	})
}
