// Package redis provides the shared counter store client.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client implements domain.CounterStore over Redis sorted sets.
type Client struct {
	rdb       redis.UniversalClient
	prefix    string
	opTimeout time.Duration
}

// Config holds Redis client configuration.
type Config struct {
	Addresses    []string
	Password     string
	DB           int
	Prefix       string
	PoolSize     int
	DialTimeout  time.Duration
	OpTimeout    time.Duration
	TLSEnabled   bool
	ClusterMode  bool
	MaxRetries   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client. It does not contact the server; callers
// decide what an unreachable store means for them.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("redis: no addresses configured")
	}

	opts := &redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		// Admission checks fail open instead of retrying.
		MaxRetries: -1,
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.ClusterMode {
		opts.IsClusterMode = true
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return NewFromUniversal(redis.NewUniversalClient(opts), cfg.Prefix, cfg.OpTimeout), nil
}

// NewFromUniversal wraps an existing go-redis client.
func NewFromUniversal(rdb redis.UniversalClient, prefix string, opTimeout time.Duration) *Client {
	if prefix == "" {
		prefix = "dbgate:"
	}
	if opTimeout <= 0 {
		opTimeout = 100 * time.Millisecond
	}
	return &Client{
		rdb:       rdb,
		prefix:    prefix,
		opTimeout: opTimeout,
	}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(k string) string {
	return c.prefix + k
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// RemoveBefore drops members scored strictly before cutoff.
func (c *Client) RemoveBefore(ctx context.Context, key string, cutoff time.Time) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	max := "(" + formatScore(cutoff)
	if err := c.rdb.ZRemRangeByScore(ctx, c.key(key), "-inf", max).Err(); err != nil {
		return fmt.Errorf("zremrangebyscore %s: %w", key, err)
	}
	return nil
}

// Count returns the cardinality of the set.
func (c *Client) Count(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.rdb.ZCard(ctx, c.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", key, err)
	}
	return n, nil
}

// Oldest returns the lowest score in the set.
func (c *Client) Oldest(ctx context.Context, key string) (time.Time, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	zs, err := c.rdb.ZRangeWithScores(ctx, c.key(key), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("zrange %s: %w", key, err)
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return parseScore(zs[0].Score), true, nil
}

// Add inserts member with the given timestamp as score.
func (c *Client) Add(ctx context.Context, key, member string, at time.Time) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	z := redis.Z{Score: float64(at.UnixMicro()), Member: member}
	if err := c.rdb.ZAdd(ctx, c.key(key), z).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

// Expire sets the key TTL.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.rdb.Expire(ctx, c.key(key), ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Scores are microseconds since the epoch; they stay exact in a float64.
func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func parseScore(score float64) time.Time {
	return time.UnixMicro(int64(score))
}
