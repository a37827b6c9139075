package policy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/emersion/go-smtp"
)

const whyURL = "https://www.spf.org/Why?s=%s;id=%s;ip=%s;r=%s"

// rejectReply builds the reply for a rejected or deferred check result.
func rejectReply(action Action, m Mapping, fact Fact, cfg *Config) *smtp.SMTPError {
	res := m.Result
	verb := "rejected"
	if action == Defer {
		verb = "deferred"
	}

	var reason string
	switch {
	case m.receiverPolicy:
		reason = res.Explanation
	case res.Qualifier == TempError:
		reason = "SPF Temporary Error: " + res.Explanation
	case res.Qualifier == PermError:
		reason = "SPF Permanent Error: " + res.Explanation
	default:
		reason = fmt.Sprintf("SPF %s - not authorized", res.Qualifier.Lower())
	}

	receiver := fact.Recipient
	if cfg.HideReceiver || receiver == "" {
		receiver = hiddenReceiver
	}
	why := fmt.Sprintf(whyURL, res.Scope.whyScope(), url.QueryEscape(res.Identity),
		fact.ClientIP, url.QueryEscape(receiver))

	text := strings.NewReplacer(
		"{rejectdefer}", verb,
		"{spf}", strings.TrimSpace(reason),
		"{url}", why,
	).Replace(cfg.ReasonMessage)

	switch {
	case action == Defer:
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 7, 24}, Message: text}
	case res.Qualifier == PermError:
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 24}, Message: text}
	default:
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 23}, Message: text}
	}
}

// ReplyText renders a reply as "<enhanced code> <text>", the form an MTA
// accepts after a reject or defer_if_permit action.
func ReplyText(e *smtp.SMTPError) string {
	c := e.EnhancedCode
	if c == smtp.NoEnhancedCode || c == (smtp.EnhancedCode{}) {
		return e.Message
	}
	return fmt.Sprintf("%d.%d.%d %s", c[0], c[1], c[2], e.Message)
}
