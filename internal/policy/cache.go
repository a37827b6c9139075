package policy

import "context"

// CacheEntry is the per-instance transaction state shared by the recipients
// of one message.
type CacheEntry struct {
	// Prepended is set once a header has been handed to the MTA. Only
	// ClaimPrepend sets it.
	Prepended bool         `json:"prepended"`
	Helo      *CheckResult `json:"helo,omitempty"`
	MailFrom  *CheckResult `json:"mail_from,omitempty"`
	Last      Decision     `json:"last"`

	// BypassChecked is set once the base policy's bypass checks have run
	// for the instance; BaseBypass holds their outcome.
	BypassChecked bool       `json:"bypass_checked,omitempty"`
	BaseBypass    BypassKind `json:"base_bypass,omitempty"`
}

func (e *CacheEntry) result(s Scope) *CheckResult {
	if s == ScopeHelo {
		return e.Helo
	}
	return e.MailFrom
}

func (e *CacheEntry) setResult(res CheckResult) {
	r := res
	if res.Scope == ScopeHelo {
		e.Helo = &r
	} else {
		e.MailFrom = &r
	}
}

// TransactionCache stores CacheEntry values keyed by instance id.
// Implementations must be safe for concurrent use.
type TransactionCache interface {
	// Get returns the entry for instance. ok is false when none exists.
	Get(ctx context.Context, instance string) (entry CacheEntry, ok bool, err error)
	// Put stores the scope results and last decision for instance. The
	// Prepended flag of e is ignored.
	Put(ctx context.Context, instance string, e CacheEntry) error
	// ClaimPrepend atomically marks instance as prepended. It returns true
	// only for the first caller.
	ClaimPrepend(ctx context.Context, instance string) (bool, error)
}
