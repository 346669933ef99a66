package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/songzhibin97/steward/pkg/store"
)

// RedisStore implements the store.AtomicStore interface using Redis. The
// work-stealing coordinator keeps cross-router demand counters here so every
// router in the cluster sees the same numbers.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a new Redis store instance.
func New(config *store.Config) (store.AtomicStore, error) {
	if config == nil {
		config = store.DefaultConfig()
	}
	if config.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opts := &redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.Database,
	}
	if config.Timeout > 0 {
		opts.DialTimeout = config.Timeout
		opts.ReadTimeout = config.Timeout
		opts.WriteTimeout = config.Timeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

func (rs *RedisStore) getKey(key string) string {
	if rs.keyPrefix == "" {
		return key
	}
	return rs.keyPrefix + ":" + key
}

// IncrBy atomically increments the value of a key by the given amount.
func (rs *RedisStore) IncrBy(ctx context.Context, key string, value int64) (int64, error) {
	result, err := rs.client.IncrBy(ctx, rs.getKey(key), value).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment key %s: %w", key, err)
	}
	return result, nil
}

// Set stores a value by key with optional TTL.
func (rs *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := rs.client.Set(ctx, rs.getKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Get retrieves a value by key.
func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := rs.client.Get(ctx, rs.getKey(key)).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return result, nil
}

// Delete removes a key from storage.
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, rs.getKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Exists checks if a key exists in storage.
func (rs *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := rs.client.Exists(ctx, rs.getKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

// List returns all key/value pairs under prefix.
func (rs *RedisStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	pattern := rs.getKey(prefix) + "*"
	out := make(map[string][]byte)

	iter := rs.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		value, err := rs.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get key %s: %w", key, err)
		}
		// Strip the driver prefix so callers see their own keys.
		logical := key
		if rs.keyPrefix != "" {
			logical = key[len(rs.keyPrefix)+1:]
		}
		out[logical] = value
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan prefix %s: %w", prefix, err)
	}
	return out, nil
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
