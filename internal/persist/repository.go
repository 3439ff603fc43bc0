package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
)

// Options configures a Repository.
type Options struct {
	// Prefix namespaces every key, e.g. "pulsemarket".
	Prefix string
	// Origin identifies this process in change notifications.
	Origin string
	// Debounce is the write coalescing window.
	Debounce time.Duration
	// Bus carries change notifications. Nil disables them.
	Bus domain.SignalBus
	// Now stamps envelopes. Defaults to time.Now.
	Now func() time.Time
}

// Snapshot is everything loaded from the backend. Records that failed to
// decode are absent and counted in Skipped.
type Snapshot struct {
	Vaults     []domain.Vault
	Markets    []domain.Market
	Prophecies []domain.Prophecy
	Applied    []string
	Skipped    int
}

// Entry is one raw key/value pair, used for archiving.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

var kinds = []domain.ChangeKind{domain.ChangeVault, domain.ChangeMarket, domain.ChangeProphecy, domain.ChangeApplied}

// Repository maps engine records onto a KVStore.
type Repository struct {
	kv       domain.KVStore
	bus      domain.SignalBus
	prefix   string
	origin   string
	now      func() time.Time
	logger   *slog.Logger
	debounce *Debouncer

	mu    sync.Mutex
	index map[domain.ChangeKind]map[string]bool
}

// NewRepository creates a Repository over kv.
func NewRepository(kv domain.KVStore, opts Options, logger *slog.Logger) *Repository {
	if opts.Prefix == "" {
		opts.Prefix = "pulsemarket"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Repository{
		kv:       kv,
		bus:      opts.Bus,
		prefix:   opts.Prefix,
		origin:   opts.Origin,
		now:      opts.Now,
		logger:   logger.With(slog.String("component", "persist")),
		debounce: NewDebouncer(opts.Debounce, logger),
		index:    make(map[domain.ChangeKind]map[string]bool),
	}
}

// Origin returns the process identity stamped on change notifications.
func (r *Repository) Origin() string { return r.origin }

// Key returns the storage key of one record.
func (r *Repository) Key(kind domain.ChangeKind, id string) string {
	return r.prefix + ":" + string(kind) + ":" + id
}

// IndexKey returns the key holding the id list of kind.
func (r *Repository) IndexKey(kind domain.ChangeKind) string {
	return r.prefix + ":index:" + string(kind)
}

// ChangesChannel is the SignalBus channel for change notifications.
func (r *Repository) ChangesChannel() string { return r.prefix + ":changes" }

// SaveVault schedules a write of v.
func (r *Repository) SaveVault(v domain.Vault) {
	r.schedule(domain.ChangeVault, v.ID, v.UpdatedPulse, v.Clone())
}

// SaveMarket schedules a write of m.
func (r *Repository) SaveMarket(m domain.Market) {
	r.schedule(domain.ChangeMarket, m.Def.ID, m.State.LastUpdatedPulse, m.Clone())
}

// SaveProphecy schedules a write of p.
func (r *Repository) SaveProphecy(p domain.Prophecy) {
	r.schedule(domain.ChangeProphecy, p.ID, p.UpdatedPulse, p.Clone())
}

// SaveApplied schedules a write of an applied resolution key.
func (r *Repository) SaveApplied(key string) {
	r.schedule(domain.ChangeApplied, key, 0, key)
}

// RemoveVault schedules the removal of a vault record.
func (r *Repository) RemoveVault(id string) {
	key := r.Key(domain.ChangeVault, id)
	r.debounce.Schedule(key, func(ctx context.Context) error {
		if err := r.kv.Remove(ctx, key); err != nil {
			return fmt.Errorf("persist: remove %s: %w", key, err)
		}
		if err := r.updateIndex(ctx, domain.ChangeVault, id, false); err != nil {
			return err
		}
		r.publish(ctx, domain.ChangeEvent{Origin: r.origin, Kind: domain.ChangeVault, ID: id})
		return nil
	})
}

func (r *Repository) schedule(kind domain.ChangeKind, id string, pulse domain.Pulse, value any) {
	key := r.Key(kind, id)
	r.debounce.Schedule(key, func(ctx context.Context) error {
		raw, err := Encode(value, r.now())
		if err != nil {
			return err
		}
		if err := r.kv.Set(ctx, key, raw); err != nil {
			return fmt.Errorf("persist: set %s: %w", key, err)
		}
		if err := r.updateIndex(ctx, kind, id, true); err != nil {
			return err
		}
		r.publish(ctx, domain.ChangeEvent{Origin: r.origin, Kind: kind, ID: id, UpdatedPulse: pulse})
		return nil
	})
}

// Flush writes every pending record now.
func (r *Repository) Flush(ctx context.Context) int { return r.debounce.Flush(ctx) }

// Close flushes pending writes and stops accepting new ones.
func (r *Repository) Close(ctx context.Context) int { return r.debounce.Close(ctx) }

// Pending returns the number of queued writes.
func (r *Repository) Pending() int { return r.debounce.Pending() }

func (r *Repository) publish(ctx context.Context, ev domain.ChangeEvent) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, r.ChangesChannel(), payload); err != nil {
		r.logger.WarnContext(ctx, "change notification failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
}

// updateIndex merges the stored id list with the local one, applies the
// change and writes the result back.
func (r *Repository) updateIndex(ctx context.Context, kind domain.ChangeKind, id string, present bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.readIndex(ctx, kind)
	if err != nil {
		return err
	}
	set := r.index[kind]
	if set == nil {
		set = make(map[string]bool)
		r.index[kind] = set
	}
	for _, s := range stored {
		set[s] = true
	}
	if present {
		set[id] = true
	} else {
		delete(set, id)
	}

	ids := make([]string, 0, len(set))
	for s := range set {
		ids = append(ids, s)
	}
	sort.Strings(ids)
	raw, err := Encode(ids, r.now())
	if err != nil {
		return err
	}
	if err := r.kv.Set(ctx, r.IndexKey(kind), raw); err != nil {
		return fmt.Errorf("persist: set index %s: %w", kind, err)
	}
	return nil
}

// readIndex returns the stored id list of kind. A missing or undecodable
// index is empty.
func (r *Repository) readIndex(ctx context.Context, kind domain.ChangeKind) ([]string, error) {
	raw, err := r.kv.Get(ctx, r.IndexKey(kind))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: get index %s: %w", kind, err)
	}
	var ids []string
	if _, err := Open(raw, &ids); err != nil {
		r.logger.Warn("index unreadable, treating as empty",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return ids, nil
}

// ids returns the union of the index and, when the backend can list keys,
// the keys found under the kind prefix.
func (r *Repository) ids(ctx context.Context, kind domain.ChangeKind) ([]string, error) {
	ids, err := r.readIndex(ctx, kind)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	if lister, ok := r.kv.(domain.KVLister); ok {
		prefix := r.prefix + ":" + string(kind) + ":"
		keys, err := lister.Keys(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("persist: list %s: %w", kind, err)
		}
		for _, k := range keys {
			set[strings.TrimPrefix(k, prefix)] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// get reads one record; absent records return ("", false, nil).
func (r *Repository) get(ctx context.Context, kind domain.ChangeKind, id string) (string, bool, error) {
	raw, err := r.kv.Get(ctx, r.Key(kind, id))
	if errors.Is(err, domain.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("persist: get %s %s: %w", kind, id, err)
	}
	return raw, true, nil
}

func (r *Repository) skip(kind domain.ChangeKind, id string, err error) {
	r.logger.Warn("stored record unreadable, treating as absent",
		slog.String("kind", string(kind)),
		slog.String("id", id),
		slog.String("error", err.Error()),
	)
}

// Load reads every record. Decode failures are logged and skipped; only
// backend errors are returned.
func (r *Repository) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	for _, kind := range kinds {
		ids, err := r.ids(ctx, kind)
		if err != nil {
			return Snapshot{}, err
		}
		r.mu.Lock()
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		r.index[kind] = set
		r.mu.Unlock()

		for _, id := range ids {
			raw, ok, err := r.get(ctx, kind, id)
			if err != nil {
				return Snapshot{}, err
			}
			if !ok {
				continue
			}
			if err := snap.add(kind, raw); err != nil {
				r.skip(kind, id, err)
				snap.Skipped++
			}
		}
	}
	return snap, nil
}

func (s *Snapshot) add(kind domain.ChangeKind, raw string) error {
	switch kind {
	case domain.ChangeVault:
		v, err := DecodeVault(raw)
		if err != nil {
			return err
		}
		s.Vaults = append(s.Vaults, v)
	case domain.ChangeMarket:
		m, err := DecodeMarket(raw)
		if err != nil {
			return err
		}
		s.Markets = append(s.Markets, m)
	case domain.ChangeProphecy:
		p, err := DecodeProphecy(raw)
		if err != nil {
			return err
		}
		s.Prophecies = append(s.Prophecies, p)
	case domain.ChangeApplied:
		k, err := DecodeApplied(raw)
		if err != nil {
			return err
		}
		s.Applied = append(s.Applied, k)
	}
	return nil
}

// LoadOne reads a single record into a one-entry Snapshot. An absent or
// undecodable record yields an empty Snapshot.
func (r *Repository) LoadOne(ctx context.Context, kind domain.ChangeKind, id string) (Snapshot, error) {
	var snap Snapshot
	raw, ok, err := r.get(ctx, kind, id)
	if err != nil || !ok {
		return snap, err
	}
	if err := snap.add(kind, raw); err != nil {
		r.skip(kind, id, err)
		snap.Skipped++
	}
	return snap, nil
}

// Entries returns every stored record and index as raw pairs.
func (r *Repository) Entries(ctx context.Context) ([]Entry, error) {
	var out []Entry
	for _, kind := range kinds {
		ids, err := r.ids(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			raw, ok, err := r.get(ctx, kind, id)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, Entry{Key: r.Key(kind, id), Value: raw})
			}
		}
		raw, err := r.kv.Get(ctx, r.IndexKey(kind))
		switch {
		case err == nil:
			out = append(out, Entry{Key: r.IndexKey(kind), Value: raw})
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("persist: get index %s: %w", kind, err)
		}
	}
	return out, nil
}

// Restore writes raw entries back. Keys outside this repository's prefix
// are ignored. It returns the number of entries written.
func (r *Repository) Restore(ctx context.Context, entries []Entry) (int, error) {
	n := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, r.prefix+":") {
			continue
		}
		if err := r.kv.Set(ctx, e.Key, e.Value); err != nil {
			return n, fmt.Errorf("persist: restore %s: %w", e.Key, err)
		}
		n++
	}
	r.mu.Lock()
	r.index = make(map[domain.ChangeKind]map[string]bool)
	r.mu.Unlock()
	return n, nil
}

// Empty reports whether the backend holds no record of any kind.
func (r *Repository) Empty(ctx context.Context) (bool, error) {
	for _, kind := range kinds {
		ids, err := r.ids(ctx, kind)
		if err != nil {
			return false, err
		}
		if len(ids) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Changes subscribes to change notifications from other processes. Events
// stamped with this repository's origin and malformed payloads are dropped.
func (r *Repository) Changes(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	if r.bus == nil {
		return nil, fmt.Errorf("persist: no change bus configured: %w", domain.ErrInvalidInput)
	}
	raw, err := r.bus.Subscribe(ctx, r.ChangesChannel())
	if err != nil {
		return nil, fmt.Errorf("persist: subscribe: %w", err)
	}
	out := make(chan domain.ChangeEvent, 64)
	go func() {
		defer close(out)
		for payload := range raw {
			var ev domain.ChangeEvent
			if err := json.Unmarshal(payload, &ev); err != nil || ev.ID == "" {
				continue
			}
			if ev.Origin == r.origin {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
