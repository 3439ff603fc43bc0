package quote

import (
	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

// AmmParams are the inputs of an AMM quote.
type AmmParams struct {
	Curve        domain.Curve
	YesInventory micro.Amount
	NoInventory  micro.Amount
	FeeBps       uint32
	FeeTiming    domain.FeeTiming
	// Param is the LMSR liquidity parameter b; unused by cpmm.
	Param *micro.Amount
}

// ParamsFromState reads AMM parameters off a venue.
func ParamsFromState(s domain.AmmState) AmmParams {
	return AmmParams{
		Curve:        s.Curve,
		YesInventory: s.YesInventory,
		NoInventory:  s.NoInventory,
		FeeBps:       s.FeeBps,
		FeeTiming:    s.FeeTiming,
		Param:        s.Param,
	}
}

// AmmQuote is the result of buying one side of an AMM.
type AmmQuote struct {
	SharesOut micro.Amount
	// Fee is in input units at entry timing and in shares at exit timing.
	Fee               micro.Amount
	PriceAfter        micro.Amount
	Prices            domain.Prices
	YesInventoryAfter micro.Amount
	NoInventoryAfter  micro.Amount
}

// Apply writes the post-trade inventories into s.
func (q AmmQuote) Apply(s domain.AmmState) domain.AmmState {
	s.YesInventory = q.YesInventoryAfter
	s.NoInventory = q.NoInventoryAfter
	return s
}

// QuoteAmmTrade prices a buy of amountIn micro-units of side.
func QuoteAmmTrade(p AmmParams, side domain.Side, amountIn micro.Amount) (AmmQuote, error) {
	if !side.Valid() {
		return AmmQuote{}, invalid("side %q", side)
	}
	if amountIn.IsZero() {
		return AmmQuote{}, invalid("amount must be positive")
	}
	if err := checkBps(p.FeeBps); err != nil {
		return AmmQuote{}, err
	}
	timing := p.FeeTiming
	if timing == "" {
		timing = domain.FeeAtEntry
	}
	if !timing.Valid() {
		return AmmQuote{}, invalid("fee timing %q", p.FeeTiming)
	}
	p.FeeTiming = timing

	switch p.Curve {
	case domain.CurveCPMM, "":
		return quoteCPMM(p, side, amountIn)
	case domain.CurveLMSR:
		return quoteLMSR(p, side, amountIn)
	default:
		return AmmQuote{}, invalid("curve %q", p.Curve)
	}
}

// SpotPrices returns the current YES/NO prices of an AMM without trading.
func SpotPrices(p AmmParams) (domain.Prices, error) {
	switch p.Curve {
	case domain.CurveCPMM, "":
		return cpmmPrices(p.YesInventory, p.NoInventory)
	case domain.CurveLMSR:
		if p.Param == nil || p.Param.IsZero() {
			return domain.Prices{}, invalid("lmsr liquidity parameter must be positive")
		}
		return lmsrPrices(p.YesInventory, p.NoInventory, *p.Param)
	default:
		return domain.Prices{}, invalid("curve %q", p.Curve)
	}
}

func finishQuote(side domain.Side, shares, fee, yesAfter, noAfter micro.Amount, prices domain.Prices) AmmQuote {
	q := AmmQuote{
		SharesOut:         shares,
		Fee:               fee,
		Prices:            prices,
		YesInventoryAfter: yesAfter,
		NoInventoryAfter:  noAfter,
	}
	if side == domain.SideYes {
		q.PriceAfter = prices.Yes
	} else {
		q.PriceAfter = prices.No
	}
	return q
}
