// Package persistence provides the best-effort key-value mirror behind the
// engine. The in-memory queue store stays authoritative; these writes exist
// for observability and post-restart inspection, never for correctness.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatmatch/internal/config"
	"chatmatch/pkg/interfaces"
)

// RedisStore implements interfaces.Store on a Redis backend. Values are
// stored as JSON strings; Push appends to a list under the path.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to Redis per cfg and verifies the connection.
func NewRedisStore(ctx context.Context, cfg *config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client, prefix: "chatmatch:"}, nil
}

// NewRedisStoreWithClient wraps an existing client; tests use it with a mock.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "chatmatch:"}
}

func (r *RedisStore) key(path string) string {
	return r.prefix + path
}

// Get returns the raw JSON stored at path.
func (r *RedisStore) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(path)).Bytes()
	if err == redis.Nil {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", path, err)
	}
	return data, nil
}

// Set stores the JSON encoding of value at path.
func (r *RedisStore) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", path, err)
	}
	if err := r.client.Set(ctx, r.key(path), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", path, err)
	}
	return nil
}

// Push appends value to the list at path and returns the generated entry key.
func (r *RedisStore) Push(ctx context.Context, path string, value any) (string, error) {
	entryKey := uuid.New().String()
	wrapped := map[string]any{"key": entryKey, "value": value}

	data, err := json.Marshal(wrapped)
	if err != nil {
		return "", fmt.Errorf("failed to encode value for %s: %w", path, err)
	}
	if err := r.client.RPush(ctx, r.key(path), data).Err(); err != nil {
		return "", fmt.Errorf("redis push %s: %w", path, err)
	}
	return entryKey, nil
}

// Delete removes the value at path. Absent paths are a no-op.
func (r *RedisStore) Delete(ctx context.Context, path string) error {
	if err := r.client.Del(ctx, r.key(path)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", path, err)
	}
	return nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
