package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/core"
	"github.com/raaihank/phi-sentinel/internal/logger"
)

// Redis is a Store backed by a Redis server. Keys are namespaced with the
// configured prefix.
type Redis struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	logger     *logger.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedis connects and pings the server
func NewRedis(cfg Config, log *logger.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, core.ConfigurationErr("failed to parse Redis URL", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	r := &Redis{
		client:     redis.NewClient(opts),
		prefix:     cfg.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
		logger:     log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Redis store initialized",
		zap.String("redis_url", maskRedisURL(cfg.RedisURL)),
		zap.Int("pool_size", opts.PoolSize),
		zap.Duration("default_ttl", cfg.DefaultTTL))

	return r, nil
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error("Cache lookup failed", zap.Error(err))
		return nil, fmt.Errorf("redis get: %w", err)
	}
	r.hits.Add(1)
	return data, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = r.defaultTTL
	}
	if ttl < 0 {
		ttl = 0 // no expiry
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		r.logger.Error("Failed to store cache entry", zap.Error(err))
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Stats returns hit/miss counters and the number of keys under the prefix.
func (r *Redis) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Hits: r.hits.Load(), Misses: r.misses.Load()}
	stats.computeHitRate()

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		stats.TotalKeys++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan cache keys: %w", err)
	}
	return stats, nil
}

// Clear removes every key under the prefix
func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := r.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	r.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// maskRedisURL hides the password in a Redis URL for logging
func maskRedisURL(url string) string {
	scheme, rest := "", url
	if i := strings.Index(url, "://"); i >= 0 {
		scheme, rest = url[:i+3], url[i+3:]
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return url
	}
	user := "***"
	if colon := strings.Index(rest[:at], ":"); colon >= 0 {
		user = rest[:colon+1] + "***"
	}
	return scheme + user + rest[at:]
}
