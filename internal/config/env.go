package config

import (
	"os"
	"strconv"
)

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("SPFPOLICYD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SPFPOLICYD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("SPFPOLICYD_LISTEN"); v != "" {
		cfg.Listeners = []ListenerConfig{ListenerFromAddress(v)}
	}
	if v := os.Getenv("SPFPOLICYD_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("SPFPOLICYD_CACHE_TYPE"); v != "" {
		cfg.Cache.Type = v
	}
	if v := os.Getenv("SPFPOLICYD_REDIS_URL"); v != "" {
		cfg.Cache.Redis.URL = v
	}
	if v := os.Getenv("SPFPOLICYD_DNS_SERVERS"); v != "" {
		cfg.DNS.Servers = splitList(v)
	}
	if v := os.Getenv("SPFPOLICYD_HEADER_TYPE"); v != "" {
		cfg.Policy.HeaderType = v
	}
	if v := os.Getenv("SPFPOLICYD_AUTHSERV_ID"); v != "" {
		cfg.Policy.AuthservID = v
	}
	if v := os.Getenv("SPFPOLICYD_HELO_REJECT"); v != "" {
		cfg.Policy.HeloReject = v
	}
	if v := os.Getenv("SPFPOLICYD_MAIL_FROM_REJECT"); v != "" {
		cfg.Policy.MailFromReject = v
	}
	if v, ok := envBool("SPFPOLICYD_TEMPERROR_DEFER"); ok {
		cfg.Policy.TempErrorDefer = &v
	}
	if v, ok := envBool("SPFPOLICYD_PERMERROR_REJECT"); ok {
		cfg.Policy.PermErrorReject = &v
	}
	return cfg
}

// envBool reads a boolean variable. Unset or unparsable values report false.
func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
