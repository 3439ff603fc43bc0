package vault

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

// LockRef addresses a lock inside a vault.
type LockRef struct {
	VaultID string
	Lock    domain.VaultLock
}

// Ledger owns the vault map and the active vault id. Every mutation runs the
// matching pure transition under one mutex and swaps the result in whole, so
// readers never observe a partially applied change. Change hooks run after
// the mutex is released.
type Ledger struct {
	mu     sync.RWMutex
	vaults map[string]domain.Vault
	active string
	hooks  []func(domain.Vault)
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{vaults: make(map[string]domain.Vault)}
}

// OnChange registers fn to receive every vault after a successful mutation.
func (l *Ledger) OnChange(fn func(domain.Vault)) {
	l.mu.Lock()
	l.hooks = append(l.hooks, fn)
	l.mu.Unlock()
}

func (l *Ledger) notify(v domain.Vault) {
	l.mu.RLock()
	hooks := append([]func(domain.Vault){}, l.hooks...)
	l.mu.RUnlock()
	for _, h := range hooks {
		h(v.Clone())
	}
}

// Get returns a copy of the vault.
func (l *Ledger) Get(id string) (domain.Vault, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.vaults[id]
	if !ok {
		return domain.Vault{}, fmt.Errorf("vault %s: %w", id, domain.ErrNotFound)
	}
	return v.Clone(), nil
}

// List returns copies of all vaults ordered by id.
func (l *Ledger) List() []domain.Vault {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Vault, 0, len(l.vaults))
	for _, v := range l.vaults {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns the currently active vault id, or "".
func (l *Ledger) Active() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// CreateOrActivate creates the vault when absent, otherwise merges the owner
// into it and marks it active. Either way it becomes the active vault.
func (l *Ledger) CreateOrActivate(id string, owner domain.Owner, initial micro.Amount, at domain.Pulse) (domain.Vault, error) {
	l.mu.Lock()
	var (
		v   domain.Vault
		err error
	)
	if cur, ok := l.vaults[id]; ok {
		v = Activate(cur, owner, at)
	} else {
		v, err = Create(id, owner, initial, at)
	}
	if err != nil {
		l.mu.Unlock()
		return domain.Vault{}, err
	}
	l.vaults[id] = v
	l.active = id
	l.mu.Unlock()

	l.notify(v)
	return v.Clone(), nil
}

// apply runs fn against vault id and stores the result on success.
func (l *Ledger) apply(id string, fn func(domain.Vault) (domain.Vault, error)) (domain.Vault, error) {
	l.mu.Lock()
	cur, ok := l.vaults[id]
	if !ok {
		l.mu.Unlock()
		return domain.Vault{}, fmt.Errorf("vault %s: %w", id, domain.ErrNotFound)
	}
	next, err := fn(cur)
	if err != nil {
		l.mu.Unlock()
		return domain.Vault{}, err
	}
	l.vaults[id] = next
	l.mu.Unlock()

	l.notify(next)
	return next.Clone(), nil
}

// MoveValue deposits or withdraws.
func (l *Ledger) MoveValue(id string, kind domain.ValueMove, amount micro.Amount, at domain.Pulse) (domain.Vault, error) {
	return l.apply(id, func(v domain.Vault) (domain.Vault, error) {
		return MoveValue(v, kind, amount, at)
	})
}

// OpenLock escrows value under a new lock.
func (l *Ledger) OpenLock(id string, req OpenLockRequest) (domain.Vault, error) {
	return l.apply(id, func(v domain.Vault) (domain.Vault, error) {
		return OpenLock(v, req)
	})
}

// TransitionLock moves a lock to a terminal status.
func (l *Ledger) TransitionLock(id string, req TransitionRequest) (domain.Vault, error) {
	return l.apply(id, func(v domain.Vault) (domain.Vault, error) {
		return TransitionLock(v, req)
	})
}

// Settle transitions a lock and credits the vault atomically.
func (l *Ledger) Settle(id string, req TransitionRequest, credit micro.Amount) (domain.Vault, error) {
	return l.apply(id, func(v domain.Vault) (domain.Vault, error) {
		return Settle(v, req, credit)
	})
}

// ApplyOutcomeStats records a settled outcome.
func (l *Ledger) ApplyOutcomeStats(id string, outcome domain.OutcomeKind, at domain.Pulse) (domain.Vault, error) {
	return l.apply(id, func(v domain.Vault) (domain.Vault, error) {
		return ApplyOutcomeStats(v, outcome, at)
	})
}

// SetStatus freezes or re-activates a vault.
func (l *Ledger) SetStatus(id string, status domain.VaultStatus, at domain.Pulse) (domain.Vault, error) {
	return l.apply(id, func(v domain.Vault) (domain.Vault, error) {
		return SetStatus(v, status, at)
	})
}

// Remove deletes a vault. It is the only way a vault leaves the ledger.
func (l *Ledger) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.vaults[id]; !ok {
		return fmt.Errorf("vault %s: %w", id, domain.ErrNotFound)
	}
	delete(l.vaults, id)
	if l.active == id {
		l.active = ""
	}
	return nil
}

// Reconcile installs v when it is unknown locally or carries a strictly
// higher UpdatedPulse. It reports whether v was taken. Hooks do not fire.
func (l *Ledger) Reconcile(v domain.Vault) (bool, error) {
	if err := Validate(v); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.vaults[v.ID]; ok && cur.UpdatedPulse >= v.UpdatedPulse {
		return false, nil
	}
	l.vaults[v.ID] = v.Clone()
	return true, nil
}

// SetActive marks id as the active vault without mutating it.
func (l *Ledger) SetActive(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.vaults[id]; !ok && id != "" {
		return fmt.Errorf("vault %s: %w", id, domain.ErrNotFound)
	}
	l.active = id
	return nil
}

// LocksForMarket returns the locks that reference marketID and are in one of
// statuses, ordered by vault id then lock order. No statuses means locked
// only.
func (l *Ledger) LocksForMarket(marketID string, statuses ...domain.LockStatus) []LockRef {
	if len(statuses) == 0 {
		statuses = []domain.LockStatus{domain.LockLocked}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []LockRef
	for _, v := range l.vaults {
		for _, lock := range v.Locks {
			if lock.MarketID == marketID && slices.Contains(statuses, lock.Status) {
				out = append(out, LockRef{VaultID: v.ID, Lock: lock})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].VaultID < out[j].VaultID })
	return out
}
