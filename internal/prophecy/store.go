// Package prophecy keeps the prediction records sealed alongside positions
// and marks them once their market resolves.
package prophecy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
)

// Store is an in-process prediction record store.
type Store struct {
	mu      sync.RWMutex
	records map[string]domain.Prophecy
	hooks   []func(domain.Prophecy)
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]domain.Prophecy)}
}

// OnChange registers fn to receive records after Add and resolution.
func (s *Store) OnChange(fn func(domain.Prophecy)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *Store) notify(ps ...domain.Prophecy) {
	s.mu.RLock()
	hooks := append([]func(domain.Prophecy){}, s.hooks...)
	s.mu.RUnlock()
	for _, p := range ps {
		for _, h := range hooks {
			h(p.Clone())
		}
	}
}

// Add stores a new pending record.
func (s *Store) Add(p domain.Prophecy) (domain.Prophecy, error) {
	if p.ID == "" || p.MarketID == "" || p.VaultID == "" {
		return domain.Prophecy{}, fmt.Errorf("prophecy: id, market and vault are required: %w", domain.ErrInvalidInput)
	}
	if !p.Side.Valid() {
		return domain.Prophecy{}, fmt.Errorf("prophecy %s: side %q: %w", p.ID, p.Side, domain.ErrInvalidInput)
	}
	p.Status = domain.ProphecyPending
	p.ResolvedPulse = nil
	p.EvidenceHashes = nil
	if p.UpdatedPulse < p.CreatedPulse {
		p.UpdatedPulse = p.CreatedPulse
	}

	s.mu.Lock()
	if _, ok := s.records[p.ID]; ok {
		s.mu.Unlock()
		return domain.Prophecy{}, fmt.Errorf("prophecy %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	s.records[p.ID] = p
	s.mu.Unlock()

	s.notify(p)
	return p.Clone(), nil
}

// Get returns a record by id.
func (s *Store) Get(id string) (domain.Prophecy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.records[id]
	if !ok {
		return domain.Prophecy{}, fmt.Errorf("prophecy %s: %w", id, domain.ErrNotFound)
	}
	return p.Clone(), nil
}

// List returns every record ordered by id.
func (s *Store) List() []domain.Prophecy {
	return s.filter(func(domain.Prophecy) bool { return true })
}

// ListByMarket returns the records for a market ordered by id.
func (s *Store) ListByMarket(marketID string) []domain.Prophecy {
	return s.filter(func(p domain.Prophecy) bool { return p.MarketID == marketID })
}

// ListByVault returns the records made from a vault ordered by id.
func (s *Store) ListByVault(vaultID string) []domain.Prophecy {
	return s.filter(func(p domain.Prophecy) bool { return p.VaultID == vaultID })
}

func (s *Store) filter(keep func(domain.Prophecy) bool) []domain.Prophecy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Prophecy
	for _, p := range s.records {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyResolutionToProphecies marks every pending record of marketID as
// fulfilled, missed or void. Records already marked are left alone, so a
// repeated call changes nothing. It returns the number of records marked.
func (s *Store) ApplyResolutionToProphecies(marketID string, outcome domain.Outcome, resolvedPulse domain.Pulse, evidenceHashes []string) (int, error) {
	if !outcome.Valid() {
		return 0, fmt.Errorf("prophecy: outcome %q: %w", outcome, domain.ErrInvalidInput)
	}
	var marked []domain.Prophecy

	s.mu.Lock()
	for id, p := range s.records {
		if p.MarketID != marketID || p.Status != domain.ProphecyPending {
			continue
		}
		switch {
		case outcome == domain.OutcomeVoid:
			p.Status = domain.ProphecyVoid
		case outcome.Wins(p.Side):
			p.Status = domain.ProphecyFulfilled
		default:
			p.Status = domain.ProphecyMissed
		}
		rp := resolvedPulse
		p.ResolvedPulse = &rp
		p.EvidenceHashes = append([]string(nil), evidenceHashes...)
		p.UpdatedPulse = domain.MaxPulse(p.UpdatedPulse, resolvedPulse)
		s.records[id] = p
		marked = append(marked, p)
	}
	s.mu.Unlock()

	sort.Slice(marked, func(i, j int) bool { return marked[i].ID < marked[j].ID })
	s.notify(marked...)
	return len(marked), nil
}

// Reconcile installs p when unknown locally or newer by UpdatedPulse. A
// record that already left pending is never moved back to pending.
func (s *Store) Reconcile(p domain.Prophecy) (bool, error) {
	if p.ID == "" || !p.Status.Valid() || !p.Side.Valid() {
		return false, fmt.Errorf("prophecy %q: malformed record: %w", p.ID, domain.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[p.ID]; ok {
		if cur.UpdatedPulse >= p.UpdatedPulse {
			return false, nil
		}
		if cur.Status != domain.ProphecyPending && p.Status == domain.ProphecyPending {
			return false, nil
		}
	}
	s.records[p.ID] = p.Clone()
	return true, nil
}
