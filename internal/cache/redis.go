// ABOUTME: Redis-backed Cache so several agent instances can share resolved channel IDs
// ABOUTME: Keys are prefixed per deployment; Redis TTLs provide the lazy expiry

package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on a Redis server. Backend failures are logged
// and reported as misses so resolution falls through to the network.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedis connects to redisURL (redis://host:port/db) and verifies the
// connection. prefix namespaces every key, e.g. "hiamp:stefan:".
func NewRedis(ctx context.Context, redisURL, prefix string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return NewRedisWithClient(client, prefix, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "cache"),
	}
}

// Sub returns a view over the same client whose keys live under
// prefix+name+":". Clear on the view leaves sibling namespaces alone.
func (r *Redis) Sub(name string) *Redis {
	return &Redis{client: r.client, prefix: r.prefix + name + ":", logger: r.logger}
}

// Get returns the live value for key.
func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		r.logger.Warn("redis get failed", "key", key, "error", err)
		return "", false
	}
	return val, true
}

// Set stores value under key for ttl.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		r.logger.Warn("redis set failed", "key", key, "error", err)
	}
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		r.logger.Warn("redis delete failed", "key", key, "error", err)
	}
}

// Clear removes every key under the prefix.
func (r *Redis) Clear(ctx context.Context) {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn("redis scan failed", "prefix", r.prefix, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.logger.Warn("redis clear failed", "prefix", r.prefix, "error", err)
	}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
