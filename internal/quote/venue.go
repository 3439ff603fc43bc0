package quote

import (
	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

// VenuePrices derives the displayed YES/NO prices from any venue kind.
// Parimutuel pools price each side by its share of the total pool; an empty
// pool prices both sides at one half.
func VenuePrices(v domain.VenueState) (domain.Prices, error) {
	switch v.Kind {
	case domain.VenueAMM:
		if v.AMM == nil {
			return domain.Prices{}, invalid("amm venue without state")
		}
		return SpotPrices(ParamsFromState(*v.AMM))
	case domain.VenueParimutuel:
		if v.Parimutuel == nil {
			return domain.Prices{}, invalid("parimutuel venue without state")
		}
		return poolPrices(*v.Parimutuel)
	case domain.VenueCLOB:
		if v.CLOB == nil {
			return domain.Prices{}, invalid("clob venue without state")
		}
		return BookPrices(*v.CLOB), nil
	default:
		return domain.Prices{}, invalid("venue kind %q", v.Kind)
	}
}

func poolPrices(p domain.ParimutuelState) (domain.Prices, error) {
	total, err := p.YesPool.Add(p.NoPool)
	if err != nil {
		return domain.Prices{}, invalid("pool: %v", err)
	}
	if total.IsZero() {
		half := micro.New(micro.Scale / 2)
		return domain.Prices{Yes: half, No: half}, nil
	}
	py, _, err := micro.MulDiv(p.YesPool, scale, total)
	if err != nil {
		return domain.Prices{}, invalid("pool: %v", err)
	}
	pn, _, err := micro.MulDiv(p.NoPool, scale, total)
	if err != nil {
		return domain.Prices{}, invalid("pool: %v", err)
	}
	return domain.Prices{Yes: py, No: pn}, nil
}

// ValidateVenue checks that exactly the member named by Kind is set and that
// its parameters are in domain.
func ValidateVenue(v domain.VenueState) error {
	set := 0
	for _, present := range []bool{v.AMM != nil, v.Parimutuel != nil, v.CLOB != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return invalid("venue must carry exactly one state, has %d", set)
	}
	if err := checkBps(v.FeeBps()); err != nil {
		return err
	}
	switch v.Kind {
	case domain.VenueAMM:
		if v.AMM == nil {
			return invalid("venue kind amm without amm state")
		}
		a := v.AMM
		if a.FeeTiming != "" && !a.FeeTiming.Valid() {
			return invalid("fee timing %q", a.FeeTiming)
		}
		switch a.Curve {
		case domain.CurveCPMM:
			if a.YesInventory.IsZero() || a.NoInventory.IsZero() {
				return invalid("cpmm inventories must be positive")
			}
		case domain.CurveLMSR:
			if a.Param == nil || a.Param.IsZero() {
				return invalid("lmsr liquidity parameter must be positive")
			}
		default:
			return invalid("curve %q", a.Curve)
		}
	case domain.VenueParimutuel:
		if v.Parimutuel == nil {
			return invalid("venue kind parimutuel without pool")
		}
	case domain.VenueCLOB:
		if v.CLOB == nil {
			return invalid("venue kind clob without book")
		}
		for _, side := range []domain.BookSide{v.CLOB.Yes, v.CLOB.No} {
			for _, lvl := range append(append([]domain.BookLevel(nil), side.Bids...), side.Asks...) {
				if lvl.Price.IsZero() || lvl.Price.GT(scale) {
					return invalid("book price %s outside (0, %d]", lvl.Price, micro.Scale)
				}
			}
		}
	default:
		return invalid("venue kind %q", v.Kind)
	}
	return nil
}
