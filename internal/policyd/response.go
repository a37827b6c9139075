package policyd

import (
	"bufio"
	"strings"

	"github.com/infodancer/spfpolicyd/internal/policy"
)

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// FormatAction renders d as the value of the action attribute.
func FormatAction(d policy.Decision) string {
	msg := strings.TrimSpace(lineBreaks.Replace(d.Message))

	switch d.Action {
	case policy.Reject:
		return withText("reject", msg)
	case policy.Defer:
		return withText("defer_if_permit", msg)
	case policy.Prepend:
		if msg == "" {
			return "dunno"
		}
		return "prepend " + msg
	case policy.ResultOnly:
		if msg == "" {
			return "dunno"
		}
		return msg
	default:
		return "dunno"
	}
}

func withText(verb, msg string) string {
	if msg == "" {
		return verb
	}
	return verb + " " + msg
}

// WriteResponse writes one response and flushes w.
func WriteResponse(w *bufio.Writer, d policy.Decision) error {
	if _, err := w.WriteString("action=" + FormatAction(d) + "\n\n"); err != nil {
		return err
	}
	return w.Flush()
}
