package domain

import "github.com/alanyoungcy/pulsemarket/internal/micro"

// ProphecyStatus is the state of a prediction record.
type ProphecyStatus string

const (
	ProphecyPending   ProphecyStatus = "pending"
	ProphecyFulfilled ProphecyStatus = "fulfilled"
	ProphecyMissed    ProphecyStatus = "missed"
	ProphecyVoid      ProphecyStatus = "void"
)

// Valid reports whether s is a known status.
func (s ProphecyStatus) Valid() bool {
	switch s {
	case ProphecyPending, ProphecyFulfilled, ProphecyMissed, ProphecyVoid:
		return true
	}
	return false
}

// Prophecy is a sealed prediction made alongside a position.
type Prophecy struct {
	ID             string         `json:"id"`
	VaultID        string         `json:"vaultId"`
	MarketID       string         `json:"marketId"`
	Side           Side           `json:"side"`
	Stake          micro.Amount   `json:"stakeMicro"`
	LockID         string         `json:"lockId,omitempty"`
	Status         ProphecyStatus `json:"status"`
	CreatedPulse   Pulse          `json:"createdPulse"`
	UpdatedPulse   Pulse          `json:"updatedPulse"`
	ResolvedPulse  *Pulse         `json:"resolvedPulse,omitempty"`
	EvidenceHashes []string       `json:"evidenceHashes,omitempty"`
}

// Clone returns a deep copy of p.
func (p Prophecy) Clone() Prophecy {
	out := p
	out.EvidenceHashes = append([]string(nil), p.EvidenceHashes...)
	if p.ResolvedPulse != nil {
		r := *p.ResolvedPulse
		out.ResolvedPulse = &r
	}
	return out
}
