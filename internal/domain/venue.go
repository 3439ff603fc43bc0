package domain

import "github.com/alanyoungcy/pulsemarket/internal/micro"

// VenueKind tags the VenueState union.
type VenueKind string

const (
	VenueAMM        VenueKind = "amm"
	VenueParimutuel VenueKind = "parimutuel"
	VenueCLOB       VenueKind = "clob"
)

// Curve selects the AMM pricing curve.
type Curve string

const (
	CurveCPMM Curve = "cpmm"
	CurveLMSR Curve = "lmsr"
)

// AmmState is the inventory of an automated market maker.
type AmmState struct {
	Curve        Curve         `json:"curve"`
	YesInventory micro.Amount  `json:"yesInventoryMicro"`
	NoInventory  micro.Amount  `json:"noInventoryMicro"`
	FeeBps       uint32        `json:"feeBps"`
	FeeTiming    FeeTiming     `json:"feeTiming"`
	Param        *micro.Amount `json:"paramMicro,omitempty"`
}

// ParimutuelState is a pooled-stake venue.
type ParimutuelState struct {
	YesPool micro.Amount `json:"yesPoolMicro"`
	NoPool  micro.Amount `json:"noPoolMicro"`
	FeeBps  uint32       `json:"feeBps"`
}

// Pool returns the pool for side s.
func (p ParimutuelState) Pool(s Side) micro.Amount {
	if s == SideYes {
		return p.YesPool
	}
	return p.NoPool
}

// BookLevel is one price level of an order book. Price is micro per share and
// Size is shares in micro-units.
type BookLevel struct {
	Price micro.Amount `json:"priceMicro"`
	Size  micro.Amount `json:"sizeMicro"`
}

// BookSide holds the resting orders for one outcome token.
type BookSide struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// ClobState is a central limit order book per side.
type ClobState struct {
	Yes    BookSide `json:"yes"`
	No     BookSide `json:"no"`
	Depth  int      `json:"depth"`
	FeeBps uint32   `json:"feeBps"`
}

// Book returns the book for side s.
func (c ClobState) Book(s Side) BookSide {
	if s == SideYes {
		return c.Yes
	}
	return c.No
}

// VenueState is a tagged union over the three venue kinds. Exactly the member
// named by Kind is non-nil.
type VenueState struct {
	Kind       VenueKind        `json:"kind"`
	AMM        *AmmState        `json:"amm,omitempty"`
	Parimutuel *ParimutuelState `json:"parimutuel,omitempty"`
	CLOB       *ClobState       `json:"clob,omitempty"`
}

// FeeBps returns the venue fee.
func (v VenueState) FeeBps() uint32 {
	switch {
	case v.AMM != nil:
		return v.AMM.FeeBps
	case v.Parimutuel != nil:
		return v.Parimutuel.FeeBps
	case v.CLOB != nil:
		return v.CLOB.FeeBps
	}
	return 0
}

// Clone returns a deep copy of v.
func (v VenueState) Clone() VenueState {
	out := VenueState{Kind: v.Kind}
	if v.AMM != nil {
		a := *v.AMM
		if v.AMM.Param != nil {
			p := *v.AMM.Param
			a.Param = &p
		}
		out.AMM = &a
	}
	if v.Parimutuel != nil {
		p := *v.Parimutuel
		out.Parimutuel = &p
	}
	if v.CLOB != nil {
		c := *v.CLOB
		c.Yes = cloneBook(v.CLOB.Yes)
		c.No = cloneBook(v.CLOB.No)
		out.CLOB = &c
	}
	return out
}

func cloneBook(b BookSide) BookSide {
	return BookSide{
		Bids: append([]BookLevel(nil), b.Bids...),
		Asks: append([]BookLevel(nil), b.Asks...),
	}
}
