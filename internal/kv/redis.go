package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is a Client backed by a real Redis (or Redis-compatible,
// e.g. Upstash) server via go-redis. Connection pooling and TLS are the
// driver's concern; every call here maps transport failures to
// ErrUnavailable so the rest of the data plane can fail open uniformly.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient parses rawURL (a redis:// or rediss:// URL) and builds a
// client without contacting the server; it fails only on an unparseable
// URL. An unreachable store surfaces as ErrUnavailable on each call until
// it recovers, which is consistent with spec.md's "network dependencies
// never cause startup to fail" rule (§6).
func NewRedisClient(rawURL string) (*RedisClient, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	return &RedisClient{rdb: rdb}, nil
}

// Ping checks connectivity; used by callers that want to log reachability
// at startup without gating the server's ability to listen.
func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return wrapUnavailable("ping", "", err)
	}
	return nil
}

func (c *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrapUnavailable("incr", key, err)
	}
	return n, nil
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return wrapUnavailable("expire", key, err)
	}
	return nil
}

func (c *RedisClient) SAdd(ctx context.Context, key string, member string) error {
	if err := c.rdb.SAdd(ctx, key, member).Err(); err != nil {
		return wrapUnavailable("sadd", key, err)
	}
	return nil
}

func (c *RedisClient) SCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, wrapUnavailable("scard", key, err)
	}
	return n, nil
}

// Close releases the underlying connection pool.
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}
