// Package config provides configuration management for the policy daemon.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/spfpolicyd/internal/logging"
	"github.com/infodancer/spfpolicyd/internal/metrics"
	"github.com/infodancer/spfpolicyd/internal/netmatch"
	"github.com/infodancer/spfpolicyd/internal/policy"
	"github.com/infodancer/spfpolicyd/internal/resolver"
	"github.com/infodancer/spfpolicyd/internal/txcache"
)

// ListenerMode defines the socket type of a listener.
type ListenerMode string

const (
	// ModeTCP listens on a host:port address.
	ModeTCP ListenerMode = "tcp"
	// ModeUnix listens on a filesystem socket.
	ModeUnix ListenerMode = "unix"
)

// Cache types.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// FileConfig is the top-level wrapper for the configuration file.
type FileConfig struct {
	Spfpolicyd Config `toml:"spfpolicyd"`
}

// Config holds the complete daemon configuration.
type Config struct {
	LogLevel  string           `toml:"log_level"`
	LogFormat string           `toml:"log_format"`
	Listeners []ListenerConfig `toml:"listeners"`
	Limits    LimitsConfig     `toml:"limits"`
	Timeouts  TimeoutsConfig   `toml:"timeouts"`
	Metrics   MetricsConfig    `toml:"metrics"`
	Cache     CacheConfig      `toml:"cache"`
	DNS       DNSConfig        `toml:"dns"`
	Policy    PolicyConfig     `toml:"policy"`
	// PerUser maps a recipient address or domain to policy overrides.
	PerUser map[string]PolicyOverride `toml:"peruser"`
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
	// Permissions is the octal file mode of a unix socket, e.g. "0660".
	Permissions string `toml:"permissions"`
}

// LimitsConfig bounds the size of a policy request.
type LimitsConfig struct {
	MaxLineLength int `toml:"max_line_length"`
	MaxAttributes int `toml:"max_attributes"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Idle     string `toml:"idle"`
	Shutdown string `toml:"shutdown"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// CacheConfig selects the transaction cache.
type CacheConfig struct {
	Type          string      `toml:"type"`
	SweepInterval string      `toml:"sweep_interval"`
	MaxAge        string      `toml:"max_age"`
	Redis         RedisConfig `toml:"redis"`
}

// RedisConfig holds the Redis cache settings.
type RedisConfig struct {
	URL      string `toml:"url"`
	Prefix   string `toml:"prefix"`
	TTL      string `toml:"ttl"`
	PoolSize int    `toml:"pool_size"`
}

// DNSConfig configures the caching resolver.
type DNSConfig struct {
	// Servers are host or host:port addresses. Empty means /etc/resolv.conf.
	Servers     []string `toml:"servers"`
	Timeout     string   `toml:"timeout"`
	CacheSize   int64    `toml:"cache_size"`
	MinTTL      string   `toml:"min_ttl"`
	NegativeTTL string   `toml:"negative_ttl"`
}

// PolicyConfig is the file form of policy.Config. Unset fields keep the
// policy defaults.
type PolicyConfig struct {
	SkipAddresses      []string `toml:"skip_addresses"`
	Whitelist          []string `toml:"whitelist"`
	DomainWhitelist    []string `toml:"domain_whitelist"`
	DomainWhitelistPTR []string `toml:"domain_whitelist_ptr"`
	HeloWhitelist      []string `toml:"helo_whitelist"`

	HeloReject     string `toml:"helo_reject"`
	MailFromReject string `toml:"mail_from_reject"`

	HeloPassRestriction     string   `toml:"helo_pass_restriction"`
	MailFromPassRestriction string   `toml:"mail_from_pass_restriction"`
	RejectNotPassDomains    []string `toml:"reject_not_pass_domains"`

	NoMail          *bool `toml:"no_mail"`
	TempErrorDefer  *bool `toml:"temperror_defer"`
	PermErrorReject *bool `toml:"permerror_reject"`

	HeaderType   string `toml:"header_type"`
	AuthservID   string `toml:"authserv_id"`
	HideReceiver *bool  `toml:"hide_receiver"`

	LookupTime          string `toml:"lookup_time"`
	WhitelistLookupTime string `toml:"whitelist_lookup_time"`
	VoidLimit           *int   `toml:"void_limit"`

	ReasonMessage string `toml:"reason_message"`
}

// PolicyOverride is the file form of policy.Override.
type PolicyOverride struct {
	SkipAddresses      []string `toml:"skip_addresses"`
	Whitelist          []string `toml:"whitelist"`
	DomainWhitelist    []string `toml:"domain_whitelist"`
	DomainWhitelistPTR []string `toml:"domain_whitelist_ptr"`
	HeloWhitelist      []string `toml:"helo_whitelist"`

	HeloReject     string `toml:"helo_reject"`
	MailFromReject string `toml:"mail_from_reject"`

	HeloPassRestriction     *string  `toml:"helo_pass_restriction"`
	MailFromPassRestriction *string  `toml:"mail_from_pass_restriction"`
	RejectNotPassDomains    []string `toml:"reject_not_pass_domains"`

	NoMail          *bool `toml:"no_mail"`
	TempErrorDefer  *bool `toml:"temperror_defer"`
	PermErrorReject *bool `toml:"permerror_reject"`

	WhitelistLookupTime string `toml:"whitelist_lookup_time"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: logging.FormatText,
		Listeners: []ListenerConfig{
			{Address: "127.0.0.1:10023", Mode: ModeTCP},
		},
		Limits: LimitsConfig{
			MaxLineLength: 2048,
			MaxAttributes: 100,
		},
		Timeouts: TimeoutsConfig{
			Idle:     "5m",
			Shutdown: "10s",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
		Cache: CacheConfig{
			Type:          CacheMemory,
			SweepInterval: "1m",
			MaxAge:        "1h",
			Redis: RedisConfig{
				Prefix: "spfpolicyd:",
				TTL:    "1h",
			},
		},
		DNS: DNSConfig{
			Timeout:     "5s",
			CacheSize:   8 << 20,
			NegativeTTL: "1m",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if !logging.ValidFormat(c.LogFormat) {
		return fmt.Errorf("invalid log_format %q (valid: text, json)", c.LogFormat)
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
		if l.Permissions != "" {
			if l.Mode != ModeUnix {
				return fmt.Errorf("listener %d: permissions only apply to unix sockets", i)
			}
			if _, err := l.FileMode(); err != nil {
				return fmt.Errorf("listener %d: %w", i, err)
			}
		}
	}

	if c.Limits.MaxLineLength <= 0 {
		return errors.New("max_line_length must be positive")
	}

	if c.Limits.MaxAttributes <= 0 {
		return errors.New("max_attributes must be positive")
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"idle timeout", c.Timeouts.Idle},
		{"shutdown timeout", c.Timeouts.Shutdown},
		{"cache sweep_interval", c.Cache.SweepInterval},
		{"cache max_age", c.Cache.MaxAge},
		{"redis ttl", c.Cache.Redis.TTL},
		{"dns timeout", c.DNS.Timeout},
		{"dns min_ttl", c.DNS.MinTTL},
		{"dns negative_ttl", c.DNS.NegativeTTL},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	switch c.Cache.Type {
	case CacheMemory, CacheNone:
	case CacheRedis:
		if c.Cache.Redis.URL == "" {
			return errors.New("redis url is required when cache type is redis")
		}
	default:
		return fmt.Errorf("invalid cache type %q (valid: memory, redis, none)", c.Cache.Type)
	}

	if c.DNS.CacheSize < 0 {
		return errors.New("dns cache_size must not be negative")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	if _, err := c.Policy.Resolve(); err != nil {
		return err
	}

	if _, err := c.ResolvePerUser(); err != nil {
		return err
	}

	return nil
}

// FileMode parses Permissions as an octal file mode.
func (l *ListenerConfig) FileMode() (uint32, error) {
	m, err := strconv.ParseUint(l.Permissions, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid permissions %q: %w", l.Permissions, err)
	}
	return uint32(m), nil
}

// IdleTimeout returns how long a connection may wait for its next request.
// Returns 5 minutes if not configured or invalid.
func (c *TimeoutsConfig) IdleTimeout() time.Duration {
	return parseDuration(c.Idle, 5*time.Minute)
}

// ShutdownTimeout returns how long shutdown waits for open connections.
// Returns 10 seconds if not configured or invalid.
func (c *TimeoutsConfig) ShutdownTimeout() time.Duration {
	return parseDuration(c.Shutdown, 10*time.Second)
}

// ServerConfig converts the settings for metrics.New.
func (c *MetricsConfig) ServerConfig() metrics.Config {
	return metrics.Config{
		Enabled: c.Enabled,
		Address: c.Address,
		Path:    c.Path,
	}
}

// SweepIntervalDuration returns how often the memory cache is swept.
func (c *CacheConfig) SweepIntervalDuration() time.Duration {
	return parseDuration(c.SweepInterval, time.Minute)
}

// MaxAgeDuration returns how long an idle memory cache entry is kept.
func (c *CacheConfig) MaxAgeDuration() time.Duration {
	return parseDuration(c.MaxAge, time.Hour)
}

// TTLDuration returns the expiry of Redis cache keys.
func (c *RedisConfig) TTLDuration() time.Duration {
	return parseDuration(c.TTL, time.Hour)
}

// ClientConfig converts the settings for txcache.NewRedisClient.
func (c *RedisConfig) ClientConfig() txcache.RedisConfig {
	return txcache.RedisConfig{
		URL:      c.URL,
		PoolSize: c.PoolSize,
	}
}

// ResolverConfig converts the settings for resolver.New. Servers without a
// port get port 53 there; an empty server list is left for the caller to
// fill from resolv.conf.
func (c *DNSConfig) ResolverConfig() resolver.Config {
	return resolver.Config{
		Servers:     c.Servers,
		Timeout:     parseDuration(c.Timeout, 5*time.Second),
		CacheSize:   c.CacheSize,
		MinTTL:      parseDuration(c.MinTTL, 0),
		NegativeTTL: parseDuration(c.NegativeTTL, time.Minute),
	}
}

// Resolve builds the validated policy.Config. Every error wraps
// policy.ErrConfig.
func (p *PolicyConfig) Resolve() (policy.Config, error) {
	cfg := policy.Default()

	if p.SkipAddresses != nil {
		cfg.SkipAddresses = p.SkipAddresses
	}
	cfg.Whitelist = p.Whitelist
	cfg.DomainWhitelist = p.DomainWhitelist
	cfg.DomainWhitelistPTR = p.DomainWhitelistPTR
	cfg.HeloWhitelist = p.HeloWhitelist
	cfg.RejectNotPassDomains = p.RejectNotPassDomains
	cfg.HeloPassRestriction = p.HeloPassRestriction
	cfg.MailFromPassRestriction = p.MailFromPassRestriction
	cfg.AuthservID = p.AuthservID

	var err error
	if p.HeloReject != "" {
		if cfg.HeloReject, err = policy.ParseMode(p.HeloReject); err != nil {
			return cfg, fmt.Errorf("helo_reject: %w", err)
		}
	}
	if p.MailFromReject != "" {
		if cfg.MailFromReject, err = policy.ParseMode(p.MailFromReject); err != nil {
			return cfg, fmt.Errorf("mail_from_reject: %w", err)
		}
	}
	if p.HeaderType != "" {
		if cfg.HeaderType, err = policy.ParseHeaderType(p.HeaderType); err != nil {
			return cfg, fmt.Errorf("header_type: %w", err)
		}
	}

	if p.NoMail != nil {
		cfg.NoMail = *p.NoMail
	}
	if p.TempErrorDefer != nil {
		cfg.TempErrorDefer = *p.TempErrorDefer
	}
	if p.PermErrorReject != nil {
		cfg.PermErrorReject = *p.PermErrorReject
	}
	if p.HideReceiver != nil {
		cfg.HideReceiver = *p.HideReceiver
	}
	if p.VoidLimit != nil {
		cfg.VoidLimit = *p.VoidLimit
	}
	if p.ReasonMessage != "" {
		cfg.ReasonMessage = p.ReasonMessage
	}

	if p.LookupTime != "" {
		if cfg.LookupTime, err = policyDuration("lookup_time", p.LookupTime); err != nil {
			return cfg, err
		}
	}
	if p.WhitelistLookupTime != "" {
		if cfg.WhitelistLookupTime, err = policyDuration("whitelist_lookup_time", p.WhitelistLookupTime); err != nil {
			return cfg, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Resolve builds the policy.Override. Every error wraps policy.ErrConfig.
func (o *PolicyOverride) Resolve() (*policy.Override, error) {
	out := &policy.Override{
		SkipAddresses:           o.SkipAddresses,
		Whitelist:               o.Whitelist,
		DomainWhitelist:         o.DomainWhitelist,
		DomainWhitelistPTR:      o.DomainWhitelistPTR,
		HeloWhitelist:           o.HeloWhitelist,
		HeloPassRestriction:     o.HeloPassRestriction,
		MailFromPassRestriction: o.MailFromPassRestriction,
		RejectNotPassDomains:    o.RejectNotPassDomains,
		NoMail:                  o.NoMail,
		TempErrorDefer:          o.TempErrorDefer,
		PermErrorReject:         o.PermErrorReject,
	}

	for _, list := range []struct {
		name  string
		items []string
	}{
		{"skip_addresses", o.SkipAddresses},
		{"whitelist", o.Whitelist},
	} {
		for _, n := range list.items {
			if _, err := netmatch.ParseNetwork(n); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", policy.ErrConfig, list.name, err)
			}
		}
	}

	if o.HeloReject != "" {
		m, err := policy.ParseMode(o.HeloReject)
		if err != nil {
			return nil, fmt.Errorf("helo_reject: %w", err)
		}
		out.HeloReject = &m
	}
	if o.MailFromReject != "" {
		m, err := policy.ParseMode(o.MailFromReject)
		if err != nil {
			return nil, fmt.Errorf("mail_from_reject: %w", err)
		}
		if m == policy.ModeNull {
			return nil, fmt.Errorf("%w: mail_from_reject: mode %q only applies to HELO", policy.ErrConfig, m)
		}
		out.MailFromReject = &m
	}
	if o.WhitelistLookupTime != "" {
		d, err := policyDuration("whitelist_lookup_time", o.WhitelistLookupTime)
		if err != nil {
			return nil, err
		}
		out.WhitelistLookupTime = &d
	}
	return out, nil
}

// ResolvePerUser resolves every peruser section. Keys are lowercased so
// lookups can match recipients case-insensitively.
func (c *Config) ResolvePerUser() (map[string]*policy.Override, error) {
	out := make(map[string]*policy.Override, len(c.PerUser))
	for key, o := range c.PerUser {
		resolved, err := o.Resolve()
		if err != nil {
			return nil, fmt.Errorf("peruser %q: %w", key, err)
		}
		out[strings.ToLower(key)] = resolved
	}
	return out, nil
}

func policyDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", policy.ErrConfig, name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", policy.ErrConfig, name)
	}
	return d, nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeTCP, ModeUnix:
		return true
	default:
		return false
	}
}
