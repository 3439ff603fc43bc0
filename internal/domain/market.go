package domain

import "github.com/alanyoungcy/pulsemarket/internal/micro"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketOpen      MarketStatus = "open"
	MarketClosed    MarketStatus = "closed"
	MarketResolving MarketStatus = "resolving"
	MarketResolved  MarketStatus = "resolved"
	MarketVoided    MarketStatus = "voided"
	MarketCanceled  MarketStatus = "canceled"
)

// Valid reports whether s is a known status.
func (s MarketStatus) Valid() bool {
	switch s {
	case MarketOpen, MarketClosed, MarketResolving, MarketResolved, MarketVoided, MarketCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s MarketStatus) IsTerminal() bool {
	return s == MarketResolved || s == MarketVoided || s == MarketCanceled
}

// Side is the binary side a position is taken on.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Outcome is the resolved result of a binary market.
type Outcome string

const (
	OutcomeYes  Outcome = "YES"
	OutcomeNo   Outcome = "NO"
	OutcomeVoid Outcome = "VOID"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool { return o == OutcomeYes || o == OutcomeNo || o == OutcomeVoid }

// Wins reports whether a position on side s wins under o.
func (o Outcome) Wins(s Side) bool { return o != OutcomeVoid && string(o) == string(s) }

// FeeTiming selects whether a fee is taken from the input or the output.
type FeeTiming string

const (
	FeeAtEntry FeeTiming = "entry"
	FeeAtExit  FeeTiming = "exit"
)

// Valid reports whether t is a known timing.
func (t FeeTiming) Valid() bool { return t == FeeAtEntry || t == FeeAtExit }

// RefundMode selects how a VOID resolution returns escrowed value.
type RefundMode string

const (
	RefundStake        RefundMode = "refund-stake"
	RefundStakeLessFee RefundMode = "refund-less-fee"
	RefundNone         RefundMode = "no-refund"
)

// Valid reports whether m is a known mode.
func (m RefundMode) Valid() bool {
	return m == RefundStake || m == RefundStakeLessFee || m == RefundNone
}

// MarketTiming holds the pulse boundaries of a market.
type MarketTiming struct {
	CreatedPulse         Pulse  `json:"createdPulse"`
	OpenPulse            Pulse  `json:"openPulse"`
	ClosePulse           Pulse  `json:"closePulse"`
	ResolveEarliestPulse *Pulse `json:"resolveEarliestPulse,omitempty"`
	ResolveByPulse       *Pulse `json:"resolveByPulse,omitempty"`
}

// ResolutionPulse is the first pulse at which the market may resolve:
// max(close, resolveEarliest, resolveBy), with absent values read as 0.
func (t MarketTiming) ResolutionPulse() Pulse {
	p := t.ClosePulse
	if t.ResolveEarliestPulse != nil {
		p = MaxPulse(p, *t.ResolveEarliestPulse)
	}
	if t.ResolveByPulse != nil {
		p = MaxPulse(p, *t.ResolveByPulse)
	}
	return p
}

// Malformed reports timing that can never be resolved safely.
func (t MarketTiming) Malformed() bool {
	if t.OpenPulse < t.CreatedPulse || t.ClosePulse < t.OpenPulse {
		return true
	}
	if t.ResolveByPulse != nil && *t.ResolveByPulse < t.CreatedPulse {
		return true
	}
	if t.ResolveEarliestPulse != nil && *t.ResolveEarliestPulse < t.CreatedPulse {
		return true
	}
	if t.ResolveEarliestPulse != nil && t.ResolveByPulse != nil && *t.ResolveEarliestPulse > *t.ResolveByPulse {
		return true
	}
	return false
}

// OracleRef names the party that decides a market.
type OracleRef struct {
	Provider            string  `json:"provider"`
	OracleID            string  `json:"oracleId,omitempty"`
	DisputeWindowPulses *uint64 `json:"disputeWindowPulses,omitempty"`
}

// SettlementRules govern payouts for winning positions.
type SettlementRules struct {
	RedeemPerShare micro.Amount `json:"redeemPerShareMicro"`
	FeeBps         uint32       `json:"feeBps"`
	FeeTiming      FeeTiming    `json:"feeTiming"`
}

// VoidPolicy governs refunds for a VOID resolution.
type VoidPolicy struct {
	RefundMode RefundMode `json:"refundMode"`
}

// MarketRules describe how a market decides and settles.
type MarketRules struct {
	YesCondition string          `json:"yesCondition"`
	Oracle       OracleRef       `json:"oracle"`
	Settlement   SettlementRules `json:"settlement"`
	VoidPolicy   VoidPolicy      `json:"voidPolicy"`
}

// MarketKindBinary is the only supported market kind.
const MarketKindBinary = "binary"

// MarketDef is the immutable definition of a market.
type MarketDef struct {
	ID       string       `json:"id"`
	Kind     string       `json:"kind"`
	Question string       `json:"question,omitempty"`
	Timing   MarketTiming `json:"timing"`
	Rules    MarketRules  `json:"rules"`
}

// Prices holds the current YES and NO prices, each in [0, 1_000_000].
type Prices struct {
	Yes micro.Amount `json:"yes"`
	No  micro.Amount `json:"no"`
}

// MarketState is the mutable part of a market.
type MarketState struct {
	Status           MarketStatus      `json:"status"`
	Venue            VenueState        `json:"venueState"`
	Prices           Prices            `json:"pricesMicro"`
	Resolution       *MarketResolution `json:"resolution,omitempty"`
	LastUpdatedPulse Pulse             `json:"lastUpdatedPulse"`
	// EvaluatedPulse is the last pulse the controller evaluated this market at.
	EvaluatedPulse *Pulse `json:"evaluatedPulse,omitempty"`
	TimingReported bool   `json:"timingReported,omitempty"`
}

// Market is a binary prediction market.
type Market struct {
	Def   MarketDef   `json:"def"`
	State MarketState `json:"state"`
}

// Clone returns a deep copy of m.
func (m Market) Clone() Market {
	out := m
	out.State.Venue = m.State.Venue.Clone()
	if m.State.Resolution != nil {
		r := m.State.Resolution.Clone()
		out.State.Resolution = &r
	}
	if m.State.EvaluatedPulse != nil {
		p := *m.State.EvaluatedPulse
		out.State.EvaluatedPulse = &p
	}
	return out
}
