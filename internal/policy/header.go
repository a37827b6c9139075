package policy

import (
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/authres"
)

const hiddenReceiver = "<UNKNOWN>"

// HeaderOptions selects the header convention.
type HeaderOptions struct {
	Type         HeaderType
	AuthservID   string
	HideReceiver bool
}

func headerOptions(cfg *Config) HeaderOptions {
	return HeaderOptions{
		Type:         cfg.HeaderType,
		AuthservID:   cfg.AuthservID,
		HideReceiver: cfg.HideReceiver,
	}
}

// FormatHeader renders res as a Received-SPF or Authentication-Results
// header line, without a trailing newline.
func FormatHeader(res CheckResult, fact Fact, opts HeaderOptions) (string, error) {
	switch opts.Type {
	case HeaderSPF, "":
		return receivedSPF(res, fact, opts), nil
	case HeaderAR:
		if opts.AuthservID == "" {
			return "", fmt.Errorf("%w: authserv_id is required for Authentication-Results", ErrConfig)
		}
		return authenticationResults(res, fact, opts.AuthservID), nil
	default:
		return "", fmt.Errorf("%w: invalid header type %q", ErrConfig, opts.Type)
	}
}

func receivedSPF(res CheckResult, fact Fact, opts HeaderOptions) string {
	receiver := fact.Recipient
	if opts.HideReceiver || receiver == "" {
		receiver = hiddenReceiver
	}

	var b strings.Builder
	b.WriteString("Received-SPF: ")
	b.WriteString(res.Qualifier.String())
	if res.Explanation != "" {
		b.WriteString(" (")
		b.WriteString(sanitizeComment(res.Explanation))
		b.WriteString(")")
	}
	fmt.Fprintf(&b, " identity=%s; client-ip=%s; helo=%s; envelope-from=%s; receiver=%s",
		res.Scope, fact.ClientIP, headerValue(fact.Helo), envelopeFrom(fact.Sender), receiver)
	return b.String()
}

func authenticationResults(res CheckResult, fact Fact, authservID string) string {
	r := &authres.SPFResult{
		Value:  authres.ResultValue(res.Qualifier.Lower()),
		Reason: res.Explanation,
	}
	if res.Scope == ScopeHelo {
		r.Helo = fact.Helo
	} else {
		r.From = res.Identity
		if r.From == "" {
			r.From = fact.Sender
		}
	}
	// The MTA takes the header on a single line; drop any folding.
	v := strings.NewReplacer("\r\n", "", "\n", "").Replace(authres.Format(authservID, []authres.Result{r}))
	return "Authentication-Results: " + v
}

func envelopeFrom(sender string) string {
	if sender == "" {
		return "<>"
	}
	return headerValue(sender)
}

// headerValue keeps a header parameter on one line and free of ';'.
func headerValue(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, "; \t\r\n\"") {
		r := strings.NewReplacer("\r", "", "\n", "", `"`, `\"`)
		return `"` + r.Replace(s) + `"`
	}
	return s
}

// sanitizeComment drops characters that would end the comment or the line.
func sanitizeComment(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ", "(", "[", ")", "]").Replace(s)
}
