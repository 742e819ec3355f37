// Package redis wraps the Redis client used for conversation history
// persistence. The service is constructed explicitly and injected;
// a nil *Service means Redis is not configured and callers fall back
// to in-memory storage.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/seemantic/engine/internal/config"
)

type Service struct {
	client *redis.Client
}

// NewService connects to Redis when REDIS_URL is configured. Returns
// nil when unconfigured or unreachable; history then stays in memory.
func NewService() *Service {
	url := config.GetRedisURL()
	if url == "" {
		log.Info().Msg("Redis not configured - conversation history will not survive restarts")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: config.GetRedisPassword(),
		DB:       0,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Error().
			Err(err).
			Str("addr", url).
			Msg("Failed to establish Redis connection")
		return nil
	}

	return &Service{client: client}
}

// Set stores a value with an optional expiration
func (s *Service) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := s.client.Set(ctx, key, value, expiration).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Redis SET failed")
		return err
	}
	return nil
}

// Get retrieves a value; redis.Nil is passed through for missing keys
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		log.Error().Err(err).Str("key", key).Msg("Redis GET failed")
		return "", err
	}
	return val, err
}

// HSet stores a field in a hash
func (s *Service) HSet(ctx context.Context, key, field string, value interface{}) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Str("field", field).Msg("Redis HSET failed")
		return err
	}
	return nil
}

// HGet retrieves a hash field; redis.Nil passes through when missing
func (s *Service) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if err != nil && err != redis.Nil {
		log.Error().Err(err).Str("key", key).Str("field", field).Msg("Redis HGET failed")
		return "", err
	}
	return val, err
}

// HGetAll retrieves all fields of a hash
func (s *Service) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Redis HGETALL failed")
		return nil, err
	}
	return vals, nil
}

// HDel removes a field from a hash
func (s *Service) HDel(ctx context.Context, key, field string) error {
	return s.client.HDel(ctx, key, field).Err()
}

// Ping checks if Redis is accessible
func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *Service) Close() error {
	return s.client.Close()
}

// IsNotFound reports whether err marks a missing key or field.
func IsNotFound(err error) bool {
	return err == redis.Nil
}
