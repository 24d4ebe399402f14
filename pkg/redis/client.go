// Package redis provides a thin wrapper around go-redis/v9 with connection
// pooling and batched pattern-based key deletion.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jhgg/jeev-jiracache/pkg/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Universal exposes the client for packages that build their own
// pipelines and WATCH transactions.
func (c *Client) Universal() redis.UniversalClient {
	return c.rdb
}

// DeleteByPattern scans for keys matching pattern and deletes them in
// batches of batchSize. The cost is proportional to the total number of keys
// in the database, not to the number of matches.
func DeleteByPattern(ctx context.Context, rdb redis.Cmdable, pattern string, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var deleted int64
	batch := make([]string, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := rdb.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("deleting %d keys: %w", len(batch), err)
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	iter := rdb.Scan(ctx, 0, pattern, int64(batchSize)).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scanning pattern %s: %w", pattern, err)
	}
	if err := flush(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// IsNilError reports whether err is a Redis nil (key-not-found) error.
func IsNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
