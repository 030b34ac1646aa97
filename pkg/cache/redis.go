// Package cache provides processed-message markers that let a consumer skip
// the stores for messages it has already written.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// MarkerTTL is how long a processed marker is kept. It should comfortably
	// exceed the queue's redelivery window.
	MarkerTTL time.Duration
	KeyPrefix string
}

// RedisMarker records processed message keys in Redis so that every consumer
// instance sees the same markers.
type RedisMarker struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
}

// NewRedisMarker creates and connects a RedisMarker. It pings the server to
// ensure connectivity before returning.
func NewRedisMarker(
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisMarker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return NewRedisMarkerFromClient(rdb, cfg, logger), nil
}

// NewRedisMarkerFromClient wraps an existing client. The marker takes
// ownership of the client and closes it in Close.
func NewRedisMarkerFromClient(rdb *redis.Client, cfg *RedisConfig, logger zerolog.Logger) *RedisMarker {
	ttl := cfg.MarkerTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "processed:"
	}
	return &RedisMarker{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisMarker").Logger(),
		ttl:         ttl,
		prefix:      prefix,
	}
}

// IsProcessed reports whether key has been marked.
func (m *RedisMarker) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := m.redisClient.Exists(ctx, m.prefix+key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis exists failed for key %s: %w", key, err)
	}
	return n > 0, nil
}

// MarkProcessed stores a marker for key with the configured TTL.
func (m *RedisMarker) MarkProcessed(ctx context.Context, key string) error {
	if err := m.redisClient.Set(ctx, m.prefix+key, time.Now().UTC().Format(time.RFC3339), m.ttl).Err(); err != nil {
		m.logger.Error().Err(err).Str("key", key).Msg("Failed to set processed marker.")
		return fmt.Errorf("failed to set marker in redis: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (m *RedisMarker) Close() error {
	if m.redisClient != nil {
		m.logger.Info().Msg("Closing Redis client connection...")
		return m.redisClient.Close()
	}
	return nil
}
