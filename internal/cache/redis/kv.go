package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
)

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 500

// KVStore implements domain.KVStore and domain.KVLister with plain Redis
// strings. Keys are used verbatim; the repository already namespaces them.
type KVStore struct {
	rdb *redis.Client
}

// NewKVStore creates a KVStore backed by the given Client.
func NewKVStore(c *Client) *KVStore {
	return &KVStore{rdb: c.Underlying()}
}

// Get returns the value at key, or domain.ErrNotFound.
func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redis: get %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("redis: get %s: %w", key, err)
	}
	return v, nil
}

// Set stores value at key without expiry.
func (s *KVStore) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *KVStore) Remove(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: del %s: %w", key, err)
	}
	return nil
}

// Keys returns every key starting with prefix, sorted. It walks the keyspace
// with SCAN so it never blocks the server.
func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]bool)
	iter := s.rdb.Scan(ctx, 0, escapeGlob(prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		seen[iter.Val()] = true
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan %s*: %w", prefix, err)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func escapeGlob(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b = append(b, '\\')
		}
		b = append(b, s[i])
	}
	return string(b)
}

// Compile-time interface checks.
var (
	_ domain.KVStore  = (*KVStore)(nil)
	_ domain.KVLister = (*KVStore)(nil)
)
