package config

import (
	"errors"
	"testing"
	"time"

	"github.com/infodancer/spfpolicyd/internal/policy"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("expected log_level 'info', got %q", cfg.LogLevel)
	}

	if len(cfg.Listeners) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(cfg.Listeners))
	}

	if cfg.Listeners[0].Address != "127.0.0.1:10023" {
		t.Errorf("expected listener address '127.0.0.1:10023', got %q", cfg.Listeners[0].Address)
	}

	if cfg.Listeners[0].Mode != ModeTCP {
		t.Errorf("expected listener mode 'tcp', got %q", cfg.Listeners[0].Mode)
	}

	if cfg.Limits.MaxLineLength != 2048 {
		t.Errorf("expected max_line_length 2048, got %d", cfg.Limits.MaxLineLength)
	}

	if cfg.Limits.MaxAttributes != 100 {
		t.Errorf("expected max_attributes 100, got %d", cfg.Limits.MaxAttributes)
	}

	if cfg.Cache.Type != CacheMemory {
		t.Errorf("expected cache type 'memory', got %q", cfg.Cache.Type)
	}

	if cfg.Timeouts.Idle != "5m" {
		t.Errorf("expected idle timeout '5m', got %q", cfg.Timeouts.Idle)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "no listeners",
			modify:  func(c *Config) { c.Listeners = nil },
			wantErr: true,
		},
		{
			name:    "json log format",
			modify:  func(c *Config) { c.LogFormat = "json" },
			wantErr: false,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: true,
		},
		{
			name: "listener with empty address",
			modify: func(c *Config) {
				c.Listeners = []ListenerConfig{{Address: "", Mode: ModeTCP}}
			},
			wantErr: true,
		},
		{
			name: "listener with invalid mode",
			modify: func(c *Config) {
				c.Listeners = []ListenerConfig{{Address: ":10023", Mode: "smtp"}}
			},
			wantErr: true,
		},
		{
			name: "valid unix listener with permissions",
			modify: func(c *Config) {
				c.Listeners = []ListenerConfig{{Address: "/run/spfpolicyd.sock", Mode: ModeUnix, Permissions: "0660"}}
			},
			wantErr: false,
		},
		{
			name: "invalid permissions",
			modify: func(c *Config) {
				c.Listeners = []ListenerConfig{{Address: "/run/spfpolicyd.sock", Mode: ModeUnix, Permissions: "rw"}}
			},
			wantErr: true,
		},
		{
			name: "permissions on tcp listener",
			modify: func(c *Config) {
				c.Listeners = []ListenerConfig{{Address: ":10023", Mode: ModeTCP, Permissions: "0660"}}
			},
			wantErr: true,
		},
		{
			name:    "zero max_line_length",
			modify:  func(c *Config) { c.Limits.MaxLineLength = 0 },
			wantErr: true,
		},
		{
			name:    "zero max_attributes",
			modify:  func(c *Config) { c.Limits.MaxAttributes = 0 },
			wantErr: true,
		},
		{
			name:    "invalid idle timeout",
			modify:  func(c *Config) { c.Timeouts.Idle = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid dns timeout",
			modify:  func(c *Config) { c.DNS.Timeout = "soon" },
			wantErr: true,
		},
		{
			name:    "unknown cache type",
			modify:  func(c *Config) { c.Cache.Type = "memcached" },
			wantErr: true,
		},
		{
			name:    "redis cache without url",
			modify:  func(c *Config) { c.Cache.Type = CacheRedis },
			wantErr: true,
		},
		{
			name: "redis cache with url",
			modify: func(c *Config) {
				c.Cache.Type = CacheRedis
				c.Cache.Redis.URL = "redis://localhost:6379/0"
			},
			wantErr: false,
		},
		{
			name: "metrics enabled without path",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Path = ""
			},
			wantErr: true,
		},
		{
			name:    "invalid policy mode",
			modify:  func(c *Config) { c.Policy.HeloReject = "Sometimes" },
			wantErr: true,
		},
		{
			name:    "AR header without authserv_id",
			modify:  func(c *Config) { c.Policy.HeaderType = "AR" },
			wantErr: true,
		},
		{
			name: "invalid peruser whitelist",
			modify: func(c *Config) {
				c.PerUser = map[string]PolicyOverride{
					"example.net": {Whitelist: []string{"192.0.2.0/33"}},
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicyResolveDefaults(t *testing.T) {
	p := PolicyConfig{}
	got, err := p.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := policy.Default()
	if got.HeloReject != want.HeloReject {
		t.Errorf("helo_reject = %q, want %q", got.HeloReject, want.HeloReject)
	}
	if got.MailFromReject != want.MailFromReject {
		t.Errorf("mail_from_reject = %q, want %q", got.MailFromReject, want.MailFromReject)
	}
	if len(got.SkipAddresses) != len(want.SkipAddresses) {
		t.Errorf("skip_addresses = %v, want %v", got.SkipAddresses, want.SkipAddresses)
	}
	if got.LookupTime != want.LookupTime {
		t.Errorf("lookup_time = %v, want %v", got.LookupTime, want.LookupTime)
	}
	if got.ReasonMessage != policy.DefaultReasonMessage {
		t.Errorf("reason_message = %q, want default", got.ReasonMessage)
	}
}

func TestPolicyResolve(t *testing.T) {
	yes := true
	limit := 5
	p := PolicyConfig{
		SkipAddresses:       []string{},
		Whitelist:           []string{"192.0.2.0/24"},
		HeloReject:          "softfail",
		MailFromReject:      "SPF_Not_Pass",
		TempErrorDefer:      &yes,
		PermErrorReject:     &yes,
		HeaderType:          "ar",
		AuthservID:          "mx.example.net",
		HideReceiver:        &yes,
		LookupTime:          "5s",
		WhitelistLookupTime: "2s",
		VoidLimit:           &limit,
		ReasonMessage:       "Go away: {spf}",
	}

	got, err := p.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if len(got.SkipAddresses) != 0 {
		t.Errorf("expected empty skip_addresses, got %v", got.SkipAddresses)
	}
	if got.HeloReject != policy.ModeSoftfail {
		t.Errorf("helo_reject = %q, want Softfail", got.HeloReject)
	}
	if got.MailFromReject != policy.ModeSPFNotPass {
		t.Errorf("mail_from_reject = %q, want SPF_Not_Pass", got.MailFromReject)
	}
	if !got.TempErrorDefer || !got.PermErrorReject || !got.HideReceiver {
		t.Errorf("expected booleans to be set, got %+v", got)
	}
	if got.HeaderType != policy.HeaderAR {
		t.Errorf("header_type = %q, want AR", got.HeaderType)
	}
	if got.LookupTime != 5*time.Second {
		t.Errorf("lookup_time = %v, want 5s", got.LookupTime)
	}
	if got.WhitelistLookupTime != 2*time.Second {
		t.Errorf("whitelist_lookup_time = %v, want 2s", got.WhitelistLookupTime)
	}
	if got.VoidLimit != 5 {
		t.Errorf("void_limit = %d, want 5", got.VoidLimit)
	}
	if got.ReasonMessage != "Go away: {spf}" {
		t.Errorf("reason_message = %q", got.ReasonMessage)
	}
}

func TestPolicyResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		p    PolicyConfig
	}{
		{"unknown helo mode", PolicyConfig{HeloReject: "Maybe"}},
		{"null mail from mode", PolicyConfig{MailFromReject: "Null"}},
		{"both header types", PolicyConfig{HeaderType: "SPF,AR", AuthservID: "mx"}},
		{"malformed skip address", PolicyConfig{SkipAddresses: []string{"not-an-ip"}}},
		{"bad lookup time", PolicyConfig{LookupTime: "forever"}},
		{"zero whitelist lookup time", PolicyConfig{WhitelistLookupTime: "0s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.p.Resolve()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, policy.ErrConfig) {
				t.Errorf("expected error wrapping ErrConfig, got %v", err)
			}
		})
	}
}

func TestPolicyOverrideResolve(t *testing.T) {
	restriction := "permit_spf"
	no := false
	o := PolicyOverride{
		Whitelist:               []string{"198.51.100.7"},
		MailFromReject:          "False",
		MailFromPassRestriction: &restriction,
		NoMail:                  &no,
		WhitelistLookupTime:     "3s",
	}

	got, err := o.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if got.HeloReject != nil {
		t.Errorf("expected helo_reject to inherit, got %v", *got.HeloReject)
	}
	if got.MailFromReject == nil || *got.MailFromReject != policy.ModeFalse {
		t.Errorf("mail_from_reject = %v, want False", got.MailFromReject)
	}
	if got.MailFromPassRestriction == nil || *got.MailFromPassRestriction != "permit_spf" {
		t.Errorf("mail_from_pass_restriction = %v, want permit_spf", got.MailFromPassRestriction)
	}
	if got.NoMail == nil || *got.NoMail {
		t.Errorf("no_mail = %v, want explicit false", got.NoMail)
	}
	if got.WhitelistLookupTime == nil || *got.WhitelistLookupTime != 3*time.Second {
		t.Errorf("whitelist_lookup_time = %v, want 3s", got.WhitelistLookupTime)
	}
	if len(got.Whitelist) != 1 {
		t.Errorf("whitelist = %v, want one entry", got.Whitelist)
	}
}

func TestPolicyOverrideResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		o    PolicyOverride
	}{
		{"bad network", PolicyOverride{SkipAddresses: []string{"10.0.0.0/99"}}},
		{"bad mode", PolicyOverride{HeloReject: "Never"}},
		{"null mail from mode", PolicyOverride{MailFromReject: "Null"}},
		{"bad duration", PolicyOverride{WhitelistLookupTime: "-1s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.o.Resolve(); !errors.Is(err, policy.ErrConfig) {
				t.Errorf("expected error wrapping ErrConfig, got %v", err)
			}
		})
	}
}

func TestResolvePerUserLowercasesKeys(t *testing.T) {
	cfg := Default()
	cfg.PerUser = map[string]PolicyOverride{
		"Postmaster@Example.NET": {HeloReject: "False"},
		"Example.ORG":            {MailFromReject: "Softfail"},
	}

	got, err := cfg.ResolvePerUser()
	if err != nil {
		t.Fatalf("ResolvePerUser() error = %v", err)
	}

	if _, ok := got["postmaster@example.net"]; !ok {
		t.Errorf("expected key 'postmaster@example.net', got %v", got)
	}
	if _, ok := got["example.org"]; !ok {
		t.Errorf("expected key 'example.org', got %v", got)
	}
}

func TestFileMode(t *testing.T) {
	l := ListenerConfig{Permissions: "0660"}
	got, err := l.FileMode()
	if err != nil {
		t.Fatalf("FileMode() error = %v", err)
	}
	if got != 0o660 {
		t.Errorf("FileMode() = %o, want 660", got)
	}
}

func TestIdleTimeout(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"5m", 5 * time.Minute},
		{"30s", 30 * time.Second},
		{"", 5 * time.Minute},        // default
		{"invalid", 5 * time.Minute}, // invalid falls back to default
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			cfg := TimeoutsConfig{Idle: tt.value}
			if got := cfg.IdleTimeout(); got != tt.expected {
				t.Errorf("IdleTimeout() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestShutdownTimeout(t *testing.T) {
	cfg := TimeoutsConfig{}
	if got := cfg.ShutdownTimeout(); got != 10*time.Second {
		t.Errorf("ShutdownTimeout() = %v, want 10s", got)
	}
}

func TestCacheDurations(t *testing.T) {
	cfg := Default()
	if got := cfg.Cache.SweepIntervalDuration(); got != time.Minute {
		t.Errorf("SweepIntervalDuration() = %v, want 1m", got)
	}
	if got := cfg.Cache.MaxAgeDuration(); got != time.Hour {
		t.Errorf("MaxAgeDuration() = %v, want 1h", got)
	}
	if got := cfg.Cache.Redis.TTLDuration(); got != time.Hour {
		t.Errorf("TTLDuration() = %v, want 1h", got)
	}
}

func TestResolverConfig(t *testing.T) {
	cfg := DNSConfig{
		Servers:   []string{"192.0.2.53"},
		Timeout:   "2s",
		CacheSize: 1024,
		MinTTL:    "30s",
	}

	got := cfg.ResolverConfig()
	if len(got.Servers) != 1 || got.Servers[0] != "192.0.2.53" {
		t.Errorf("servers = %v", got.Servers)
	}
	if got.Timeout != 2*time.Second {
		t.Errorf("timeout = %v, want 2s", got.Timeout)
	}
	if got.CacheSize != 1024 {
		t.Errorf("cache_size = %d, want 1024", got.CacheSize)
	}
	if got.MinTTL != 30*time.Second {
		t.Errorf("min_ttl = %v, want 30s", got.MinTTL)
	}
	if got.NegativeTTL != time.Minute {
		t.Errorf("negative_ttl = %v, want 1m", got.NegativeTTL)
	}
}
