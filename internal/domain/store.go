package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// Event filters audit entries by event name.
	Event string
}

// KVStore is the persistence backend for engine snapshots. Get returns
// ErrNotFound when key is absent.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// KVLister is implemented by backends that can enumerate keys by prefix.
type KVLister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// ChangeKind names the entity family a change notification refers to.
type ChangeKind string

const (
	ChangeVault    ChangeKind = "vault"
	ChangeMarket   ChangeKind = "market"
	ChangeProphecy ChangeKind = "prophecy"
	ChangeApplied  ChangeKind = "applied"
)

// ChangeEvent announces that an entity was persisted by some process.
type ChangeEvent struct {
	Origin       string     `json:"origin"`
	Kind         ChangeKind `json:"kind"`
	ID           string     `json:"id"`
	UpdatedPulse Pulse      `json:"updatedPulse"`
}
