package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// clearBatchSize bounds both the SCAN page size and each DEL call.
const clearBatchSize = 100

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	// EntryTTL is applied to every write. Zero keeps entries until they are
	// overwritten or cleared.
	EntryTTL time.Duration `yaml:"entry_ttl" env:"ENTRY_TTL"`
}

// RedisStore is an EntryStore backed by Redis. Entries are stored as JSON.
type RedisStore struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
}

// NewRedisStore creates and connects a new RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
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

	return &RedisStore{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
		ttl:         cfg.EntryTTL,
	}, nil
}

// Fetch retrieves and unmarshals an entry from Redis.
func (s *RedisStore) Fetch(ctx context.Context, key string) (Entry, error) {
	cached, err := s.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, fmt.Errorf("key '%s': %w", key, ErrNotFound)
		}
		return Entry{}, fmt.Errorf("redis get failed for key %s: %w", key, err)
	}

	entry, err := decodeEntry(cached)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached entry.")
		return Entry{}, fmt.Errorf("failed to unmarshal entry for key %s: %w", key, err)
	}
	return entry, nil
}

// Set marshals the entry to JSON and stores it with the configured TTL.
func (s *RedisStore) Set(ctx context.Context, key string, entry Entry) error {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry for key %s: %w", key, err)
	}
	if err := s.redisClient.Set(ctx, key, jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis for key %s: %w", key, err)
	}
	s.logger.Debug().Str("key", key).Msg("Stored entry in Redis.")
	return nil
}

// Delete removes a key from Redis.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", key, err)
	}
	return nil
}

// Clear scans for keys with the prefix and deletes them in batches.
func (s *RedisStore) Clear(ctx context.Context, prefix string) (int, error) {
	pattern := escapeGlob(prefix) + "*"
	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.redisClient.Scan(ctx, cursor, pattern, clearBatchSize).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan failed for prefix %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			n, err := s.redisClient.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis del failed during clear: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	s.logger.Info().Str("prefix", prefix).Int("removed", removed).Msg("Cleared Redis entries.")
	return removed, nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}

// escapeGlob quotes the characters Redis MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
