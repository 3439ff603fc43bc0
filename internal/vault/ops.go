// Package vault implements the escrow ledger. The functions in this file are
// pure copy-on-write transitions: they take a vault by value and return the
// new vault or an error, never touching the input. Ledger serializes them.
package vault

import (
	"fmt"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

// OpenLockRequest describes a new lock.
type OpenLockRequest struct {
	LockID       string
	Amount       micro.Amount
	Reason       string
	CreatedAt    domain.Moment
	UpdatedPulse domain.Pulse
	MarketID     string
	PositionID   string
	Side         domain.Side
	Shares       micro.Amount
	Note         string
}

// TransitionRequest moves a lock out of the locked status.
type TransitionRequest struct {
	LockID       string
	To           domain.LockStatus
	Reason       string
	UpdatedPulse domain.Pulse
	Note         string
}

// Create returns a new active vault.
func Create(id string, owner domain.Owner, initial micro.Amount, created domain.Pulse) (domain.Vault, error) {
	if id == "" {
		return domain.Vault{}, fmt.Errorf("vault: create: empty id: %w", domain.ErrInvalidInput)
	}
	return domain.Vault{
		ID:           id,
		Owner:        owner,
		Status:       domain.VaultActive,
		Spendable:    initial,
		Locks:        []domain.VaultLock{},
		CreatedPulse: created,
		UpdatedPulse: created,
	}, nil
}

// Activate merges the non-empty owner fields into v and marks it active.
func Activate(v domain.Vault, owner domain.Owner, at domain.Pulse) domain.Vault {
	out := v.Clone()
	if owner.IdentityKey != "" {
		out.Owner.IdentityKey = owner.IdentityKey
	}
	if owner.Signature != "" {
		out.Owner.Signature = owner.Signature
	}
	if owner.IdentitySigil != "" {
		out.Owner.IdentitySigil = owner.IdentitySigil
	}
	out.Status = domain.VaultActive
	out.UpdatedPulse = domain.MaxPulse(out.UpdatedPulse, at)
	return out
}

// MoveValue deposits into or withdraws from spendable.
func MoveValue(v domain.Vault, kind domain.ValueMove, amount micro.Amount, at domain.Pulse) (domain.Vault, error) {
	if v.Status == domain.VaultFrozen {
		return domain.Vault{}, fmt.Errorf("vault %s: %s: %w", v.ID, kind, domain.ErrFrozen)
	}
	if amount.IsZero() {
		return domain.Vault{}, fmt.Errorf("vault %s: %s: amount must be positive: %w", v.ID, kind, domain.ErrInvalidInput)
	}
	out := v.Clone()
	var err error
	switch kind {
	case domain.MoveDeposit:
		out.Spendable, err = v.Spendable.Add(amount)
		if err != nil {
			return domain.Vault{}, fmt.Errorf("vault %s: deposit %s: %v: %w", v.ID, amount, err, domain.ErrInvalidInput)
		}
	case domain.MoveWithdraw:
		if v.Spendable.LT(amount) {
			return domain.Vault{}, fmt.Errorf("vault %s: withdraw %s of %s: %w", v.ID, amount, v.Spendable, domain.ErrInsufficientFunds)
		}
		out.Spendable, _ = v.Spendable.Sub(amount)
	default:
		return domain.Vault{}, fmt.Errorf("vault %s: unknown move %q: %w", v.ID, kind, domain.ErrInvalidInput)
	}
	out.UpdatedPulse = domain.MaxPulse(v.UpdatedPulse, at)
	return out, nil
}

// OpenLock escrows req.Amount out of spendable under a new lock id.
func OpenLock(v domain.Vault, req OpenLockRequest) (domain.Vault, error) {
	if v.Status == domain.VaultFrozen {
		return domain.Vault{}, fmt.Errorf("vault %s: open lock: %w", v.ID, domain.ErrFrozen)
	}
	if req.LockID == "" {
		return domain.Vault{}, fmt.Errorf("vault %s: open lock: empty lock id: %w", v.ID, domain.ErrInvalidInput)
	}
	if req.Amount.IsZero() {
		return domain.Vault{}, fmt.Errorf("vault %s: open lock %s: amount must be positive: %w", v.ID, req.LockID, domain.ErrInvalidInput)
	}
	if req.Side != "" && !req.Side.Valid() {
		return domain.Vault{}, fmt.Errorf("vault %s: open lock %s: side %q: %w", v.ID, req.LockID, req.Side, domain.ErrInvalidInput)
	}
	if v.FindLock(req.LockID) >= 0 {
		return domain.Vault{}, fmt.Errorf("vault %s: open lock %s: duplicate lock id: %w", v.ID, req.LockID, domain.ErrInvalidInput)
	}
	if v.Spendable.LT(req.Amount) {
		return domain.Vault{}, fmt.Errorf("vault %s: open lock %s: need %s have %s: %w", v.ID, req.LockID, req.Amount, v.Spendable, domain.ErrInsufficientFunds)
	}

	out := v.Clone()
	out.Spendable, _ = v.Spendable.Sub(req.Amount)
	out.Locks = append(out.Locks, domain.VaultLock{
		LockID:       req.LockID,
		Status:       domain.LockLocked,
		Reason:       req.Reason,
		Amount:       req.Amount,
		CreatedAt:    req.CreatedAt,
		UpdatedPulse: req.UpdatedPulse,
		MarketID:     req.MarketID,
		PositionID:   req.PositionID,
		Side:         req.Side,
		Shares:       req.Shares,
		Note:         req.Note,
	})
	out.UpdatedPulse = domain.MaxPulse(v.UpdatedPulse, req.UpdatedPulse)
	return recompute(out)
}

// TransitionLock moves a locked lock to a terminal status. Only released
// returns the amount to spendable; the settlement statuses leave spendable
// alone (see Settle). A lock that already left locked is never transitioned
// again.
func TransitionLock(v domain.Vault, req TransitionRequest) (domain.Vault, error) {
	return transition(v, req, micro.Zero())
}

// Settle applies a settlement transition (paid, burned or refunded) and
// credits credit to spendable in the same step.
func Settle(v domain.Vault, req TransitionRequest, credit micro.Amount) (domain.Vault, error) {
	if req.To == domain.LockReleased {
		return domain.Vault{}, fmt.Errorf("vault %s: settle %s: released is not a settlement status: %w", v.ID, req.LockID, domain.ErrInvalidInput)
	}
	return transition(v, req, credit)
}

func transition(v domain.Vault, req TransitionRequest, credit micro.Amount) (domain.Vault, error) {
	if !req.To.IsTerminal() {
		return domain.Vault{}, fmt.Errorf("vault %s: transition %s to %q: %w", v.ID, req.LockID, req.To, domain.ErrInvalidInput)
	}
	i := v.FindLock(req.LockID)
	if i < 0 {
		return domain.Vault{}, fmt.Errorf("vault %s: lock %s: %w", v.ID, req.LockID, domain.ErrNotFound)
	}
	lock := v.Locks[i]
	if lock.Status != domain.LockLocked {
		return domain.Vault{}, fmt.Errorf("vault %s: lock %s already %s: %w", v.ID, req.LockID, lock.Status, domain.ErrInvalidInput)
	}

	out := v.Clone()
	if req.To == domain.LockReleased {
		credit = lock.Amount
	}
	var err error
	if out.Spendable, err = out.Spendable.Add(credit); err != nil {
		return domain.Vault{}, fmt.Errorf("vault %s: credit %s: %v: %w", v.ID, credit, err, domain.ErrInvalidInput)
	}
	lock.Status = req.To
	if req.Reason != "" {
		lock.Reason = req.Reason
	}
	if req.Note != "" {
		lock.Note = req.Note
	}
	lock.UpdatedPulse = domain.MaxPulse(lock.UpdatedPulse, req.UpdatedPulse)
	out.Locks[i] = lock
	out.UpdatedPulse = domain.MaxPulse(v.UpdatedPulse, req.UpdatedPulse)
	return recompute(out)
}

// ApplyOutcomeStats records one settled lock outcome.
func ApplyOutcomeStats(v domain.Vault, outcome domain.OutcomeKind, at domain.Pulse) (domain.Vault, error) {
	out := v.Clone()
	s := &out.Stats
	switch outcome {
	case domain.OutcomeWin:
		s.Wins++
		s.WinStreak++
		s.LossStreak = 0
		if s.WinStreak > s.BestWinStreak {
			s.BestWinStreak = s.WinStreak
		}
	case domain.OutcomeLoss:
		s.Losses++
		s.LossStreak++
		s.WinStreak = 0
	case domain.OutcomeRefund:
		s.Refunds++
	default:
		return domain.Vault{}, fmt.Errorf("vault %s: outcome %q: %w", v.ID, outcome, domain.ErrInvalidInput)
	}
	s.LastOutcomePulse = domain.MaxPulse(s.LastOutcomePulse, at)
	out.UpdatedPulse = domain.MaxPulse(v.UpdatedPulse, at)
	return out, nil
}

// SetStatus freezes or re-activates v.
func SetStatus(v domain.Vault, status domain.VaultStatus, at domain.Pulse) (domain.Vault, error) {
	if !status.Valid() {
		return domain.Vault{}, fmt.Errorf("vault %s: status %q: %w", v.ID, status, domain.ErrInvalidInput)
	}
	out := v.Clone()
	out.Status = status
	out.UpdatedPulse = domain.MaxPulse(v.UpdatedPulse, at)
	return out, nil
}

// LockedSum returns the sum of amounts over locks in the locked status.
func LockedSum(locks []domain.VaultLock) (micro.Amount, error) {
	var sum micro.Amount
	for _, l := range locks {
		if l.Status != domain.LockLocked {
			continue
		}
		var err error
		if sum, err = sum.Add(l.Amount); err != nil {
			return micro.Amount{}, err
		}
	}
	return sum, nil
}

// recompute derives Locked from scratch.
func recompute(v domain.Vault) (domain.Vault, error) {
	sum, err := LockedSum(v.Locks)
	if err != nil {
		return domain.Vault{}, fmt.Errorf("vault %s: locked total: %v: %w", v.ID, err, domain.ErrInvalidInput)
	}
	v.Locked = sum
	return v, nil
}

// Validate checks the structural invariants of a vault read from outside the
// ledger.
func Validate(v domain.Vault) error {
	if v.ID == "" {
		return fmt.Errorf("vault: empty id: %w", domain.ErrInvalidInput)
	}
	if !v.Status.Valid() {
		return fmt.Errorf("vault %s: status %q: %w", v.ID, v.Status, domain.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(v.Locks))
	for _, l := range v.Locks {
		if l.LockID == "" || seen[l.LockID] {
			return fmt.Errorf("vault %s: lock id %q empty or duplicated: %w", v.ID, l.LockID, domain.ErrInvalidInput)
		}
		seen[l.LockID] = true
		if !l.Status.Valid() {
			return fmt.Errorf("vault %s: lock %s status %q: %w", v.ID, l.LockID, l.Status, domain.ErrInvalidInput)
		}
		if l.Side != "" && !l.Side.Valid() {
			return fmt.Errorf("vault %s: lock %s side %q: %w", v.ID, l.LockID, l.Side, domain.ErrInvalidInput)
		}
	}
	sum, err := LockedSum(v.Locks)
	if err != nil {
		return fmt.Errorf("vault %s: locked total: %v: %w", v.ID, err, domain.ErrInvalidInput)
	}
	if !sum.EQ(v.Locked) {
		return fmt.Errorf("vault %s: locked %s but locks sum to %s: %w", v.ID, v.Locked, sum, domain.ErrInvalidInput)
	}
	return nil
}
