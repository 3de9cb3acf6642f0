package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ctxd:emb:"

// RedisCache stores embedding vectors in Redis with a TTL, letting
// multiple daemons share one cache. Backend failures degrade to cache
// misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache connects to Redis at addr and verifies the connection.
func NewRedisCache(addr string, ttl time.Duration, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		MaxRetries:   3,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	return &RedisCache{client: client, ttl: ttl, logger: logger}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("redis cache get failed", "err", err)
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.Warn("redis cache entry corrupt", "key", key, "err", err)
		return nil, false
	}
	return vec, true
}

func (c *RedisCache) Set(ctx context.Context, key string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		c.logger.Warn("marshalling embedding for cache", "err", err)
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis cache set failed", "err", err)
	}
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
