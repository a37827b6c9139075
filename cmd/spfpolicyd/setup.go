package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/infodancer/spfpolicyd/internal/config"
	"github.com/infodancer/spfpolicyd/internal/metrics"
	"github.com/infodancer/spfpolicyd/internal/policy"
	"github.com/infodancer/spfpolicyd/internal/policyd"
	"github.com/infodancer/spfpolicyd/internal/resolver"
	"github.com/infodancer/spfpolicyd/internal/spfcheck"
	"github.com/infodancer/spfpolicyd/internal/txcache"
)

// components are the pieces shared by serve and stdio.
type components struct {
	handler *policyd.Handler
	// sweeper is set when the in-memory cache is in use.
	sweeper *txcache.Memory
	closers []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// sweep expires idle in-memory cache entries until ctx is canceled. It
// returns at once when no in-memory cache is in use.
func (c *components) sweep(ctx context.Context, cache *config.CacheConfig, logger *slog.Logger) error {
	if c.sweeper == nil {
		return nil
	}
	return c.sweeper.Run(ctx, cache.SweepIntervalDuration(), cache.MaxAgeDuration(), logger)
}

// loadConfig parses flags, loads and validates the configuration.
func loadConfig() (config.Config, error) {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		return cfg, fmt.Errorf("error loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildComponents wires the resolver, evaluator, cache, engine and handler.
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger, collector metrics.Collector) (*components, error) {
	c := &components{}

	base, err := cfg.Policy.Resolve()
	if err != nil {
		return nil, err
	}
	perUser, err := cfg.ResolvePerUser()
	if err != nil {
		return nil, err
	}

	dnsCfg := cfg.DNS.ResolverConfig()
	if len(dnsCfg.Servers) == 0 {
		servers, err := resolver.ServersFromResolvConf(resolver.DefaultResolvConf)
		if err != nil {
			return nil, fmt.Errorf("reading nameservers: %w", err)
		}
		dnsCfg.Servers = servers
	}
	res, err := resolver.New(dnsCfg)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, res.Close)
	logger.Debug("resolver configured",
		slog.Any("servers", dnsCfg.Servers),
		slog.Int64("cache_size", dnsCfg.CacheSize))

	engineOpts := []policy.Option{policy.WithMetrics(collector)}

	switch cfg.Cache.Type {
	case config.CacheMemory:
		mem := txcache.NewMemory()
		c.sweeper = mem
		engineOpts = append(engineOpts, policy.WithCache(mem))
	case config.CacheRedis:
		client, err := txcache.NewRedisClient(ctx, cfg.Cache.Redis.ClientConfig())
		if err != nil {
			c.Close()
			return nil, err
		}
		c.closers = append(c.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("error closing redis client", slog.String("error", err.Error()))
			}
		})
		engineOpts = append(engineOpts, policy.WithCache(
			txcache.NewRedis(client, cfg.Cache.Redis.Prefix, cfg.Cache.Redis.TTLDuration())))
	case config.CacheNone:
		logger.Warn("transaction cache disabled, every recipient gets its own header")
	}
	logger.Info("transaction cache", slog.String("type", cfg.Cache.Type))

	engine := policy.NewEngine(spfcheck.New(res), res, engineOpts...)

	c.handler = policyd.NewHandler(engine, base,
		policyd.WithLimits(policyd.Limits{
			MaxLineLength: cfg.Limits.MaxLineLength,
			MaxAttributes: cfg.Limits.MaxAttributes,
		}),
		policyd.WithPerUser(perUser),
		policyd.WithMetrics(collector))

	return c, nil
}
