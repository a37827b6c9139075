package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	LogLevel       string
	LogFormat      string
	Listen         string
	MetricsAddress string
	Cache          string
	RedisURL       string
	DNSServers     string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./spfpolicyd.toml", "Path to configuration file")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.LogFormat, "log-format", "", "Log format (text, json)")
	flag.StringVar(&f.Listen, "listen", "", "Listen address, host:port or unix socket path (replaces all config listeners)")
	flag.StringVar(&f.MetricsAddress, "metrics-address", "", "Serve Prometheus metrics on this address")
	flag.StringVar(&f.Cache, "cache", "", "Transaction cache (memory, redis, none)")
	flag.StringVar(&f.RedisURL, "redis-url", "", "Redis URL for the redis cache")
	flag.StringVar(&f.DNSServers, "dns-servers", "", "Comma-separated DNS servers (default: /etc/resolv.conf)")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	// Merge file config into defaults
	cfg = mergeConfig(cfg, fileConfig.Spfpolicyd)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-empty flag values override config file and environment values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.LogFormat != "" {
		cfg.LogFormat = f.LogFormat
	}

	if f.Listen != "" {
		// -listen flag replaces ALL listeners with a single listener
		cfg.Listeners = []ListenerConfig{ListenerFromAddress(f.Listen)}
	}

	if f.MetricsAddress != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = f.MetricsAddress
	}

	if f.Cache != "" {
		cfg.Cache.Type = f.Cache
	}

	if f.RedisURL != "" {
		cfg.Cache.Redis.URL = f.RedisURL
	}

	if f.DNSServers != "" {
		cfg.DNS.Servers = splitList(f.DNSServers)
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// applies environment overrides, then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(ApplyEnv(cfg), f), nil
}

// ListenerFromAddress builds a listener for addr. Paths (containing a slash)
// and "unix:" addresses are unix sockets; anything else is tcp.
func ListenerFromAddress(addr string) ListenerConfig {
	if rest, ok := strings.CutPrefix(addr, "unix:"); ok {
		return ListenerConfig{Address: rest, Mode: ModeUnix}
	}
	if strings.Contains(addr, "/") {
		return ListenerConfig{Address: addr, Mode: ModeUnix}
	}
	return ListenerConfig{Address: strings.TrimPrefix(addr, "tcp:"), Mode: ModeTCP}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.LogFormat != "" {
		dst.LogFormat = src.LogFormat
	}

	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}

	if src.Limits.MaxLineLength > 0 {
		dst.Limits.MaxLineLength = src.Limits.MaxLineLength
	}

	if src.Limits.MaxAttributes > 0 {
		dst.Limits.MaxAttributes = src.Limits.MaxAttributes
	}

	if src.Timeouts.Idle != "" {
		dst.Timeouts.Idle = src.Timeouts.Idle
	}

	if src.Timeouts.Shutdown != "" {
		dst.Timeouts.Shutdown = src.Timeouts.Shutdown
	}

	// Metrics: enabled is explicitly set (boolean), so we merge if source has any non-zero value
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	if src.Cache.Type != "" {
		dst.Cache.Type = src.Cache.Type
	}

	if src.Cache.SweepInterval != "" {
		dst.Cache.SweepInterval = src.Cache.SweepInterval
	}

	if src.Cache.MaxAge != "" {
		dst.Cache.MaxAge = src.Cache.MaxAge
	}

	if src.Cache.Redis.URL != "" {
		dst.Cache.Redis.URL = src.Cache.Redis.URL
	}

	if src.Cache.Redis.Prefix != "" {
		dst.Cache.Redis.Prefix = src.Cache.Redis.Prefix
	}

	if src.Cache.Redis.TTL != "" {
		dst.Cache.Redis.TTL = src.Cache.Redis.TTL
	}

	if src.Cache.Redis.PoolSize > 0 {
		dst.Cache.Redis.PoolSize = src.Cache.Redis.PoolSize
	}

	if len(src.DNS.Servers) > 0 {
		dst.DNS.Servers = src.DNS.Servers
	}

	if src.DNS.Timeout != "" {
		dst.DNS.Timeout = src.DNS.Timeout
	}

	// A zero cache_size cannot be told apart from an absent one; disable the
	// DNS cache with a negative value instead.
	if src.DNS.CacheSize != 0 {
		dst.DNS.CacheSize = max(src.DNS.CacheSize, 0)
	}

	if src.DNS.MinTTL != "" {
		dst.DNS.MinTTL = src.DNS.MinTTL
	}

	if src.DNS.NegativeTTL != "" {
		dst.DNS.NegativeTTL = src.DNS.NegativeTTL
	}

	// The policy section has its own defaults, applied by PolicyConfig.Resolve.
	dst.Policy = src.Policy

	if len(src.PerUser) > 0 {
		dst.PerUser = src.PerUser
	}

	return dst
}
