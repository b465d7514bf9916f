package rate

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared-deployment [CounterStore]: one Redis keyspace
// serves every replica of the security layer.
type RedisStore struct {
	redis redis.UniversalClient
}

// NewRedisStore creates a [RedisStore] backed by the given Redis client.
func NewRedisStore(redisClient redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: redisClient}
}

// Incr atomically increments key, arming the TTL on the first hit in the
// window.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	if count == 1 && ttl > 0 {
		if err := s.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, err
		}
	}

	return count, nil
}

// Get returns the counter value, treating a missing key as zero.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	count, err := s.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// Put overwrites the counter value with a fresh TTL.
func (s *RedisStore) Put(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return s.redis.Set(ctx, key, value, ttl).Err()
}

// Del removes a counter.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.redis.Del(ctx, key).Err()
}
