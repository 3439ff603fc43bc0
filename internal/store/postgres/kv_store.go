package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
)

// KVStore implements domain.KVStore and domain.KVLister on the engine_kv
// table.
type KVStore struct {
	pool *pgxpool.Pool
}

// NewKVStore creates a KVStore backed by the given connection pool.
func NewKVStore(pool *pgxpool.Pool) *KVStore {
	return &KVStore{pool: pool}
}

// Get returns the value stored at key, or domain.ErrNotFound.
func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM engine_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("postgres: get %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts value at key.
func (s *KVStore) Set(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO engine_kv (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value      = EXCLUDED.value,
			updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("postgres: set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *KVStore) Remove(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM engine_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres: remove %s: %w", key, err)
	}
	return nil
}

// Keys returns every key starting with prefix in ascending order.
func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM engine_kv WHERE key LIKE $1 ESCAPE '\' ORDER BY key`,
		likePrefix(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: keys %s: %w", prefix, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: keys %s: %w", prefix, err)
	}
	return keys, nil
}

// likePrefix escapes LIKE metacharacters in prefix and appends the wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// Compile-time interface checks.
var (
	_ domain.KVStore  = (*KVStore)(nil)
	_ domain.KVLister = (*KVStore)(nil)
)
