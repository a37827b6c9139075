package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/infodancer/spfpolicyd/internal/netmatch"
)

// ErrConfig is wrapped by every configuration error.
var ErrConfig = errors.New("policy configuration error")

// Mode selects which qualifiers a scope escalates to a rejection.
type Mode string

const (
	// ModeSPFNotPass rejects Fail, SoftFail and Neutral.
	ModeSPFNotPass Mode = "SPF_Not_Pass"
	// ModeSoftfail rejects Fail and SoftFail.
	ModeSoftfail Mode = "Softfail"
	// ModeFail rejects Fail only.
	ModeFail Mode = "Fail"
	// ModeNull rejects a HELO Fail, and only for the null sender.
	ModeNull Mode = "Null"
	// ModeFalse never rejects; results are only annotated.
	ModeFalse Mode = "False"
	// ModeNoCheck skips the scope entirely.
	ModeNoCheck Mode = "No_Check"
)

// ParseMode matches a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeSPFNotPass, ModeSoftfail, ModeFail, ModeNull, ModeFalse, ModeNoCheck} {
		if strings.EqualFold(s, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrConfig, s)
}

// escalates reports whether q is rejected under mode m.
func (m Mode) escalates(q Qualifier, nullSender bool) bool {
	switch m {
	case ModeSPFNotPass:
		return q == Fail || q == SoftFail || q == Neutral
	case ModeSoftfail:
		return q == Fail || q == SoftFail
	case ModeFail:
		return q == Fail
	case ModeNull:
		return q == Fail && nullSender
	case ModeFalse, ModeNoCheck:
		return false
	default:
		return false
	}
}

// HeaderType selects the header convention for annotations.
type HeaderType string

const (
	HeaderSPF HeaderType = "SPF"
	HeaderAR  HeaderType = "AR"
)

// ParseHeaderType accepts "SPF" or "AR". Selecting both (for example
// "SPF,AR") is a configuration error.
func ParseHeaderType(s string) (HeaderType, error) {
	var found []HeaderType
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		switch strings.ToUpper(part) {
		case string(HeaderSPF):
			found = append(found, HeaderSPF)
		case string(HeaderAR):
			found = append(found, HeaderAR)
		default:
			return "", fmt.Errorf("%w: unknown header type %q", ErrConfig, part)
		}
	}
	switch len(found) {
	case 0:
		return HeaderSPF, nil
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: header types SPF and AR are mutually exclusive", ErrConfig)
	}
}

// DefaultReasonMessage is the template for reject and defer reply text.
// {rejectdefer}, {spf} and {url} are substituted.
const DefaultReasonMessage = "Message {rejectdefer} due to: {spf}. Please see {url}"

// Config is the resolved policy. The engine never mutates it.
type Config struct {
	SkipAddresses      []string
	Whitelist          []string
	DomainWhitelist    []string
	DomainWhitelistPTR []string
	HeloWhitelist      []string

	HeloReject     Mode
	MailFromReject Mode

	HeloPassRestriction     string
	MailFromPassRestriction string
	RejectNotPassDomains    []string

	NoMail          bool
	TempErrorDefer  bool
	PermErrorReject bool

	HeaderType   HeaderType
	AuthservID   string
	HideReceiver bool

	LookupTime          time.Duration
	WhitelistLookupTime time.Duration
	VoidLimit           int

	ReasonMessage string
}

// Default returns the stock policy.
func Default() Config {
	return Config{
		SkipAddresses:       []string{"127.0.0.0/8", "::ffff:127.0.0.0/104", "::1"},
		HeloReject:          ModeSPFNotPass,
		MailFromReject:      ModeFail,
		HeaderType:          HeaderSPF,
		LookupTime:          20 * time.Second,
		WhitelistLookupTime: 10 * time.Second,
		VoidLimit:           2,
		ReasonMessage:       DefaultReasonMessage,
	}
}

// Validate checks the configuration. Every returned error wraps ErrConfig.
func (c *Config) Validate() error {
	for _, list := range []struct {
		name  string
		items []string
	}{
		{"skip_addresses", c.SkipAddresses},
		{"whitelist", c.Whitelist},
	} {
		for _, n := range list.items {
			if _, err := netmatch.ParseNetwork(n); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrConfig, list.name, err)
			}
		}
	}

	for _, m := range []struct {
		name string
		mode Mode
	}{
		{"helo_reject", c.HeloReject},
		{"mail_from_reject", c.MailFromReject},
	} {
		if _, err := ParseMode(string(m.mode)); err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}
	}
	if c.MailFromReject == ModeNull {
		return fmt.Errorf("%w: mail_from_reject: mode %q only applies to HELO", ErrConfig, ModeNull)
	}

	switch c.HeaderType {
	case HeaderSPF:
	case HeaderAR:
		if c.AuthservID == "" {
			return fmt.Errorf("%w: authserv_id is required when header_type is AR", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: invalid header_type %q", ErrConfig, c.HeaderType)
	}

	if c.LookupTime <= 0 {
		return fmt.Errorf("%w: lookup_time must be positive", ErrConfig)
	}
	if c.WhitelistLookupTime <= 0 {
		return fmt.Errorf("%w: whitelist_lookup_time must be positive", ErrConfig)
	}
	if c.VoidLimit < 0 {
		return fmt.Errorf("%w: void_limit must not be negative", ErrConfig)
	}
	if c.ReasonMessage == "" {
		return fmt.Errorf("%w: reason_message must not be empty", ErrConfig)
	}
	return nil
}

// Override holds per-recipient values. Nil fields inherit from the base
// Config. Only bypass and policy-mapping options can be overridden.
type Override struct {
	SkipAddresses      []string
	Whitelist          []string
	DomainWhitelist    []string
	DomainWhitelistPTR []string
	HeloWhitelist      []string

	HeloReject     *Mode
	MailFromReject *Mode

	HeloPassRestriction     *string
	MailFromPassRestriction *string
	RejectNotPassDomains    []string

	NoMail          *bool
	TempErrorDefer  *bool
	PermErrorReject *bool

	WhitelistLookupTime *time.Duration
}

// ChangesBypass reports whether o replaces any of the bypass settings.
func (o *Override) ChangesBypass() bool {
	if o == nil {
		return false
	}
	return o.SkipAddresses != nil || o.Whitelist != nil || o.DomainWhitelist != nil ||
		o.DomainWhitelistPTR != nil || o.HeloWhitelist != nil || o.WhitelistLookupTime != nil
}

// WithOverride returns a copy of c with the values set in o applied.
func (c Config) WithOverride(o *Override) Config {
	if o == nil {
		return c
	}
	if o.SkipAddresses != nil {
		c.SkipAddresses = o.SkipAddresses
	}
	if o.Whitelist != nil {
		c.Whitelist = o.Whitelist
	}
	if o.DomainWhitelist != nil {
		c.DomainWhitelist = o.DomainWhitelist
	}
	if o.DomainWhitelistPTR != nil {
		c.DomainWhitelistPTR = o.DomainWhitelistPTR
	}
	if o.HeloWhitelist != nil {
		c.HeloWhitelist = o.HeloWhitelist
	}
	if o.HeloReject != nil {
		c.HeloReject = *o.HeloReject
	}
	if o.MailFromReject != nil {
		c.MailFromReject = *o.MailFromReject
	}
	if o.HeloPassRestriction != nil {
		c.HeloPassRestriction = *o.HeloPassRestriction
	}
	if o.MailFromPassRestriction != nil {
		c.MailFromPassRestriction = *o.MailFromPassRestriction
	}
	if o.RejectNotPassDomains != nil {
		c.RejectNotPassDomains = o.RejectNotPassDomains
	}
	if o.NoMail != nil {
		c.NoMail = *o.NoMail
	}
	if o.TempErrorDefer != nil {
		c.TempErrorDefer = *o.TempErrorDefer
	}
	if o.PermErrorReject != nil {
		c.PermErrorReject = *o.PermErrorReject
	}
	if o.WhitelistLookupTime != nil {
		c.WhitelistLookupTime = *o.WhitelistLookupTime
	}
	return c
}

func (c *Config) modeFor(s Scope) Mode {
	if s == ScopeHelo {
		return c.HeloReject
	}
	return c.MailFromReject
}

func (c *Config) passRestrictionFor(s Scope) string {
	if s == ScopeHelo {
		return c.HeloPassRestriction
	}
	return c.MailFromPassRestriction
}
