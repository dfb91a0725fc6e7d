// Package ephemeral wraps the Redis primitives the Rate Limiter, Inbound
// Processor and handoff service use for counters, queues and short-lived
// session state — nothing here is durable. Counters and markers carry a
// TTL; the list-backed queues (LPush/RPush) do not.
package ephemeral

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the capability surface the core depends on, not *redis.Client
// directly, so tests can swap in a miniredis-backed client.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// IncrWithTTL atomically increments key and, only on the first
	// increment (value == 1), sets its TTL — so a counter started at
	// time T always expires ttl after T regardless of how many
	// concurrent callers raced to create it.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
}

type redisStore struct {
	client *redis.Client
}

// New builds a Store from a redis:// connection URL.
func New(url string) (Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisStore{client: redis.NewClient(opts)}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ephemeral get %s: %w", key, err)
	}
	return v, nil
}

func (s *redisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("ephemeral set %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ephemeral incr %s: %w", key, err)
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("ephemeral expire %s: %w", key, err)
		}
	}
	return n, nil
}

func (s *redisStore) Decr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ephemeral decr %s: %w", key, err)
	}
	return n, nil
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("ephemeral expire %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("ephemeral lpush %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("ephemeral rpush %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) LPop(ctx context.Context, key string) (string, error) {
	v, err := s.client.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ephemeral lpop %s: %w", key, err)
	}
	return v, nil
}

func (s *redisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("ephemeral lrange %s: %w", key, err)
	}
	return vals, nil
}

func (s *redisStore) LRem(ctx context.Context, key string, count int64, value string) error {
	if err := s.client.LRem(ctx, key, count, value).Err(); err != nil {
		return fmt.Errorf("ephemeral lrem %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ephemeral scan %s: %w", pattern, err)
	}
	return keys, nil
}
