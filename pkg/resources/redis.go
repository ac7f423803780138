package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisStore
type RedisConfig struct {
	// Client is required
	Client redis.UniversalClient
	// KeyPrefix namespaces every key. Default: "mcp:resources:"
	KeyPrefix string
	// Capacity bounds the number of entries; zero or less is unbounded
	Capacity int
}

// RedisStore is a Store shared through Redis. Entries are stored as JSON
// with a Redis TTL matching their expiry, and a sorted set scored by update
// time tracks eviction order.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
}

// NewRedisStore creates a store backed by cfg.Client
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mcp:resources:"
	}
	return &RedisStore{client: cfg.Client, prefix: cfg.KeyPrefix, capacity: cfg.Capacity}, nil
}

func (s *RedisStore) entryKey(key string) string { return s.prefix + "entry:" + key }
func (s *RedisStore) indexKey() string           { return s.prefix + "index" }

// Get returns the entry for key
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.client.ZRem(ctx, s.indexKey(), key)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cache entry %s: %w", key, err)
	}
	return &entry, true, nil
}

// Set stores entry and trims the index to capacity
func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	ttl := time.Until(entry.Expiry)
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(key), data, ttl)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(entry.UpdatedAt.UnixNano()), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set cache entry %s: %w", key, err)
	}
	return s.evict(ctx)
}

func (s *RedisStore) evict(ctx context.Context) error {
	if s.capacity <= 0 {
		return nil
	}
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to count cache entries: %w", err)
	}
	excess := n - int64(s.capacity)
	if excess <= 0 {
		return nil
	}
	oldest, err := s.client.ZRange(ctx, s.indexKey(), 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}
	return s.remove(ctx, oldest)
}

func (s *RedisStore) remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	entryKeys := make([]string, len(keys))
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		entryKeys[i] = s.entryKey(k)
		members[i] = k
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entryKeys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return nil
}

// Delete removes key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.remove(ctx, []string{key})
}

// DeletePrefix removes every key starting with prefix
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) error {
	all, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}
	var match []string
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			match = append(match, k)
		}
	}
	return s.remove(ctx, match)
}

// Clear removes every entry of this store
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.DeletePrefix(ctx, "")
}

// Len returns the number of indexed entries. Entries that expired in Redis
// are counted until a Get notices them.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return int(n), nil
}
