package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/speedlayer/internal/config"
)

// ErrMiss is returned by GetJSON when the key does not exist
var ErrMiss = errors.New("redis: key not found")

// scanBatch is the COUNT hint used while iterating keys
const scanBatch = 200

// Client wraps the Redis client with additional functionality
type Client struct {
	*redis.Client
	prefix string
	logger *logrus.Logger
}

// Initialize creates and configures the Redis client
func Initialize(ctx context.Context, cfg config.RedisConfig, logger *logrus.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: 10,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	client := New(rdb, cfg.KeyPrefix, logger)
	client.logger.WithField("addr", rdb.Options().Addr).Info("Redis client initialized successfully")
	return client, nil
}

// New wraps an existing go-redis client
func New(rdb *redis.Client, prefix string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{Client: rdb, prefix: prefix, logger: logger}
}

// Key applies the configured namespace prefix
func (c *Client) Key(key string) string {
	return c.prefix + key
}

// Prefix returns the namespace prefix
func (c *Client) Prefix() string {
	return c.prefix
}

// SetJSON stores a JSON-encoded value with expiration
func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, expiration).Err()
}

// GetJSON retrieves and JSON-decodes a value
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(val, dest)
}

// DeleteKeys deletes multiple keys and returns how many existed
func (c *Client) DeleteKeys(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return c.Del(ctx, keys...).Result()
}

// DeleteMatching removes every key matching the glob pattern using SCAN so
// the server is never blocked by KEYS
func (c *Client) DeleteMatching(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := c.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return removed, err
		}
		n, err := c.DeleteKeys(ctx, keys...)
		if err != nil {
			return removed, err
		}
		removed += n
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Health checks the Redis connection health
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.Client.Close()
}
