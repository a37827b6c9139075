package txcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/infodancer/spfpolicyd/internal/policy"
)

const (
	entryKeyPrefix = "entry:"
	claimKeyPrefix = "prepended:"
)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient connects to Redis and verifies the connection with PING.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Redis is a TransactionCache shared between daemon instances. Every key
// expires after ttl, which bounds growth without a sweeper.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis cache. Keys are namespaced with prefix.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) entryKey(instance string) string {
	return r.prefix + entryKeyPrefix + instance
}

func (r *Redis) claimKey(instance string) string {
	return r.prefix + claimKeyPrefix + instance
}

// Get reads the entry and the prepend marker in one round trip.
func (r *Redis) Get(ctx context.Context, instance string) (policy.CacheEntry, bool, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, r.entryKey(instance))
	existsCmd := pipe.Exists(ctx, r.claimKey(instance))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return policy.CacheEntry{}, false, fmt.Errorf("read transaction %s: %w", instance, err)
	}

	var entry policy.CacheEntry
	found := false

	data, err := getCmd.Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return policy.CacheEntry{}, false, fmt.Errorf("read transaction %s: %w", instance, err)
	default:
		if err := json.Unmarshal(data, &entry); err != nil {
			return policy.CacheEntry{}, false, fmt.Errorf("decode transaction %s: %w", instance, err)
		}
		found = true
	}

	n, err := existsCmd.Result()
	if err != nil {
		return policy.CacheEntry{}, false, fmt.Errorf("read prepend marker %s: %w", instance, err)
	}
	entry.Prepended = n > 0
	return entry, found || entry.Prepended, nil
}

// Put stores the entry. The prepend marker is a separate key owned by
// ClaimPrepend.
func (r *Redis) Put(ctx context.Context, instance string, entry policy.CacheEntry) error {
	entry.Prepended = false
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", instance, err)
	}
	if err := r.client.Set(ctx, r.entryKey(instance), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("store transaction %s: %w", instance, err)
	}
	return nil
}

// ClaimPrepend uses SETNX so that exactly one caller across all daemon
// instances wins.
func (r *Redis) ClaimPrepend(ctx context.Context, instance string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.claimKey(instance), "1", r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim prepend %s: %w", instance, err)
	}
	return ok, nil
}
