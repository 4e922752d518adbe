package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache implements ports.Cache using Redis
type Cache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewCache creates a new Redis dependency cache
func NewCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Get retrieves a cache entry
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, getCacheKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return data, nil
}

// Put stores a cache entry with the configured TTL
func (c *Cache) Put(ctx context.Context, key string, data []byte) error {
	if err := c.client.Set(ctx, getCacheKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}

	c.logger.Debug("cache entry saved",
		zap.String("key", key),
		zap.Int("bytes", len(data)))

	return nil
}

// getCacheKey returns the Redis key for a cache entry
func getCacheKey(key string) string {
	return fmt.Sprintf("dagci:cache:%s", key)
}
