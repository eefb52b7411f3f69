package kv

import (
	"context"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/edgegate/edgegate/config"
)

// redisPrefix namespaces all gateway keys in a shared redis instance.
const redisPrefix = "edge:"

// RedisStore is a Store backed by redis. Tuple keys are joined with "/"
// under the "edge:" namespace.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a redis-backed store from config.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client (used in tests).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping checks connectivity to the backend.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the value for key and whether it exists.
func (s *RedisStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, redisPrefix+key.String()).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores a value for key.
func (s *RedisStore) Set(ctx context.Context, key Key, value []byte) error {
	return s.client.Set(ctx, redisPrefix+key.String(), value, 0).Err()
}

// Delete removes key and reports whether it existed.
func (s *RedisStore) Delete(ctx context.Context, key Key) (bool, error) {
	n, err := s.client.Del(ctx, redisPrefix+key.String()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns all entries under prefix in key order. SCAN gives no ordering
// guarantee, so results are sorted before values are fetched.
func (s *RedisStore) List(ctx context.Context, prefix Key) ([]Entry, error) {
	pattern := redisPrefix + prefix.String() + "/*"

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)

	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		v, err := s.client.Get(ctx, k).Bytes()
		if err == redis.Nil {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Key:   parseKey(strings.TrimPrefix(k, redisPrefix)),
			Value: v,
		})
	}
	return entries, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
