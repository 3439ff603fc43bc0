package domain

import "github.com/alanyoungcy/pulsemarket/internal/micro"

// VaultStatus is the activation state of a vault.
type VaultStatus string

const (
	VaultActive VaultStatus = "active"
	VaultFrozen VaultStatus = "frozen"
)

// Valid reports whether s is a known status.
func (s VaultStatus) Valid() bool { return s == VaultActive || s == VaultFrozen }

// LockStatus is the lifecycle state of a vault lock. Locks move one way, from
// locked to exactly one terminal status.
type LockStatus string

const (
	LockLocked   LockStatus = "locked"
	LockReleased LockStatus = "released"
	LockBurned   LockStatus = "burned"
	LockPaid     LockStatus = "paid"
	LockRefunded LockStatus = "refunded"
)

// Valid reports whether s is a known status.
func (s LockStatus) Valid() bool {
	switch s {
	case LockLocked, LockReleased, LockBurned, LockPaid, LockRefunded:
		return true
	}
	return false
}

// IsTerminal reports whether s is a terminal status.
func (s LockStatus) IsTerminal() bool { return s.Valid() && s != LockLocked }

// Owner is the identity bound to a vault. The engine treats every field as
// opaque.
type Owner struct {
	IdentityKey   string `json:"identityKey"`
	Signature     string `json:"signature"`
	IdentitySigil string `json:"identitySigil,omitempty"`
}

// VaultStats tracks settled outcomes for a vault.
type VaultStats struct {
	Wins             uint64 `json:"wins"`
	Losses           uint64 `json:"losses"`
	Refunds          uint64 `json:"refunds"`
	WinStreak        uint64 `json:"winStreak"`
	LossStreak       uint64 `json:"lossStreak"`
	BestWinStreak    uint64 `json:"bestWinStreak"`
	LastOutcomePulse Pulse  `json:"lastOutcomePulse"`
}

// VaultLock escrows part of a vault against a position or hold.
type VaultLock struct {
	LockID       string       `json:"lockId"`
	Status       LockStatus   `json:"status"`
	Reason       string       `json:"reason"`
	Amount       micro.Amount `json:"amountMicro"`
	CreatedAt    Moment       `json:"createdAt"`
	UpdatedPulse Pulse        `json:"updatedPulse"`
	MarketID     string       `json:"marketId,omitempty"`
	PositionID   string       `json:"positionId,omitempty"`
	Side         Side         `json:"side,omitempty"`
	Shares       micro.Amount `json:"sharesMicro"`
	Note         string       `json:"note,omitempty"`
}

// Vault is a per-identity escrow account.
type Vault struct {
	ID           string       `json:"vaultId"`
	Owner        Owner        `json:"owner"`
	Status       VaultStatus  `json:"status"`
	Spendable    micro.Amount `json:"spendableMicro"`
	Locked       micro.Amount `json:"lockedMicro"`
	Locks        []VaultLock  `json:"locks"`
	Stats        VaultStats   `json:"stats"`
	CreatedPulse Pulse        `json:"createdPulse"`
	UpdatedPulse Pulse        `json:"updatedPulse"`
}

// Clone returns a deep copy of v.
func (v Vault) Clone() Vault {
	out := v
	out.Locks = make([]VaultLock, len(v.Locks))
	copy(out.Locks, v.Locks)
	return out
}

// FindLock returns the index of the lock with id, or -1.
func (v Vault) FindLock(id string) int {
	for i := range v.Locks {
		if v.Locks[i].LockID == id {
			return i
		}
	}
	return -1
}

// Total returns spendable plus locked value.
func (v Vault) Total() (micro.Amount, error) {
	return v.Spendable.Add(v.Locked)
}

// ValueMove is the direction of a balance move.
type ValueMove string

const (
	MoveDeposit  ValueMove = "deposit"
	MoveWithdraw ValueMove = "withdraw"
)

// OutcomeKind is the per-lock result recorded in vault stats.
type OutcomeKind string

const (
	OutcomeWin    OutcomeKind = "win"
	OutcomeLoss   OutcomeKind = "loss"
	OutcomeRefund OutcomeKind = "refund"
)
