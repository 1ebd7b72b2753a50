package store

import (
	"context"
	"errors"

	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each key as a plain string value under prefix+key with no
// TTL; expiry is decided by the session manager, not by Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store. Prefix may be empty.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "navien:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Client exposes the connection for other Redis users such as the shared
// rate limiter.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

// Init checks the connection.
func (r *RedisStore) Init(ctx context.Context) error {
	return apperrors.Wrapf(r.client.Ping(ctx).Err(), "redis ping")
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.ErrNotFound
	}
	return b, err
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.key(key), value, 0).Err()
}

// Clear removes every key under the prefix.
func (r *RedisStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
