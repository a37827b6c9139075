// Package policy implements the SPF policy decision engine: it turns the
// facts of one SMTP recipient into an action for the MTA.
package policy

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Qualifier is the normalized outcome of one SPF evaluation.
type Qualifier int

const (
	None Qualifier = iota
	Pass
	Fail
	SoftFail
	Neutral
	TempError
	PermError
)

var qualifierNames = map[Qualifier]string{
	None:      "None",
	Pass:      "Pass",
	Fail:      "Fail",
	SoftFail:  "Softfail",
	Neutral:   "Neutral",
	TempError: "Temperror",
	PermError: "Permerror",
}

// String returns the capitalized form used in Received-SPF headers.
func (q Qualifier) String() string {
	if s, ok := qualifierNames[q]; ok {
		return s
	}
	return fmt.Sprintf("Qualifier(%d)", int(q))
}

// Lower returns the RFC 7208 result keyword ("pass", "softfail", ...).
func (q Qualifier) Lower() string {
	return strings.ToLower(q.String())
}

// IsError reports whether q is TempError or PermError.
func (q Qualifier) IsError() bool {
	return q == TempError || q == PermError
}

// ParseQualifier converts an evaluator result keyword, ignoring case.
func ParseQualifier(s string) (Qualifier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass":
		return Pass, nil
	case "fail":
		return Fail, nil
	case "softfail":
		return SoftFail, nil
	case "neutral":
		return Neutral, nil
	case "none":
		return None, nil
	case "temperror":
		return TempError, nil
	case "permerror":
		return PermError, nil
	default:
		return None, fmt.Errorf("unknown SPF qualifier %q", s)
	}
}

// Scope identifies which SMTP identity a check was made for.
type Scope int

const (
	ScopeHelo Scope = iota
	ScopeMailFrom
)

// String returns the identity name used in headers ("helo", "mailfrom").
func (s Scope) String() string {
	switch s {
	case ScopeHelo:
		return "helo"
	case ScopeMailFrom:
		return "mailfrom"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// whyScope is the scope token of the spf.org explanation URL.
func (s Scope) whyScope() string {
	if s == ScopeHelo {
		return "helo"
	}
	return "mfrom"
}

// Action is the terminal verdict for one invocation.
type Action int

const (
	// Dunno means no opinion: the MTA continues its normal processing.
	Dunno Action = iota
	Prepend
	Reject
	Defer
	// ResultOnly tags the message for a named restriction class.
	ResultOnly
)

// String returns a lower-case action name for logs and metrics.
func (a Action) String() string {
	switch a {
	case Dunno:
		return "dunno"
	case Prepend:
		return "prepend"
	case Reject:
		return "reject"
	case Defer:
		return "defer"
	case ResultOnly:
		return "result_only"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Fact describes the recipient being decided on. It is created by the
// protocol layer and read-only to the engine.
type Fact struct {
	// InstanceID groups all recipients of one message.
	InstanceID string
	ClientIP   net.IP
	Helo       string
	// Sender is the envelope sender; empty means the null sender.
	Sender    string
	Recipient string
}

// CheckResult is the normalized outcome of one identity check.
type CheckResult struct {
	Qualifier   Qualifier `json:"qualifier"`
	Explanation string    `json:"explanation"`
	Scope       Scope     `json:"scope"`
	// Identity is the mailbox handed to the evaluator.
	Identity string `json:"identity"`
	// Record is the literal SPF record text the evaluator used, if known.
	Record string `json:"record,omitempty"`
}

// Decision is the engine's externally visible output.
type Decision struct {
	Action  Action `json:"action"`
	Message string `json:"message"`
	// IsError marks decisions derived from a TempError or PermError result.
	IsError bool `json:"is_error"`
}

func dunno() Decision {
	return Decision{Action: Dunno}
}

// Query is one request to the SPF evaluator.
type Query struct {
	IP       net.IP
	Identity string
	Helo     string
	// VoidLimit overrides the RFC 7208 void lookup limit when positive.
	VoidLimit int
}

// Evaluation is the SPF evaluator's answer.
type Evaluation struct {
	Qualifier   Qualifier
	Explanation string
	// Record is the literal SPF record text the result was computed from.
	Record string
}

// Evaluator evaluates SPF for one identity. Lookup timeouts are reported as
// a TempError evaluation, not as an error; an error means the evaluator could
// not run at all.
type Evaluator interface {
	EvaluateSPF(ctx context.Context, q Query) (Evaluation, error)
}

// Resolver performs the DNS lookups needed by the whitelist checks.
type Resolver interface {
	LookupPTR(ctx context.Context, ip net.IP) ([]string, error)
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}
