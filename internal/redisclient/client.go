// Package redisclient provides a Redis client wrapper for the coordination
// keys the engine uses: per-execution processing locks and the dispatcher
// singleton lease. Redis is optional: all callers tolerate a nil client and
// fall back to in-process guarantees only.
package redisclient

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"dispatch-engine-go/internal/config"
)

// Client wraps redis.Client with application-specific operations
type Client struct {
	client *redis.Client
}

// NewClient creates a new Redis client from the configured URL
func NewClient(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Client{client: redis.NewClient(opt)}, nil
}

// Ping performs a health check on the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// GetRedis returns the underlying redis.Client for direct access
func (c *Client) GetRedis() *redis.Client {
	return c.client
}
