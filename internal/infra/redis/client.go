package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the bridge's fast-path replay guard and
// the sweeper lock. Storage remains authoritative; redis only short-circuits
// obvious replays before a round trip to the database.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks connectivity.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func idemKey(key string) string {
	return fmt.Sprintf("bridge:idem:%s", key)
}

func receiptKey(channelID string, sequence uint64) string {
	return fmt.Sprintf("bridge:receipt:%s:%d", channelID, sequence)
}

func sweepLockKey() string {
	return "bridge:sweeper:lock"
}

// ReserveIdempotencyKey marks an idempotency key as seen. Returns false when
// the key was already reserved.
func (c *Client) ReserveIdempotencyKey(
	ctx context.Context,
	key string,
	ttl time.Duration,
) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, idemKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseIdempotencyKey frees a reserved key so the request may retry, used
// when the transfer behind the reservation never persisted.
func (c *Client) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idemKey(key)).Err()
}

// MarkReceipt records a processed (channel, sequence) pair. Returns false
// when the receipt already existed.
func (c *Client) MarkReceipt(
	ctx context.Context,
	channelID string,
	sequence uint64,
	ttl time.Duration,
) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, receiptKey(channelID, sequence), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// AcquireSweepLock attempts to take the timeout sweeper's processing lock so
// only one node sweeps at a time.
func (c *Client) AcquireSweepLock(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, sweepLockKey(), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseSweepLock releases the sweeper lock.
func (c *Client) ReleaseSweepLock(ctx context.Context) error {
	return c.rdb.Del(ctx, sweepLockKey()).Err()
}
