package quote

import (
	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

// quoteCPMM swaps into a constant-product pool. The input goes into the
// opposite reserve and the bought side's reserve is recomputed as
// ceil(k / opposite'), so yes*no never drops below k.
func quoteCPMM(p AmmParams, side domain.Side, amountIn micro.Amount) (AmmQuote, error) {
	yes, no := p.YesInventory, p.NoInventory
	if yes.IsZero() || no.IsZero() {
		return AmmQuote{}, invalid("cpmm inventories must be positive")
	}
	k, err := yes.Mul(no)
	if err != nil {
		return AmmQuote{}, invalid("cpmm invariant: %v", err)
	}

	in := amountIn
	var fee micro.Amount
	if p.FeeTiming == domain.FeeAtEntry {
		fee, in, err = splitFee(amountIn, p.FeeBps)
		if err != nil {
			return AmmQuote{}, err
		}
		if in.IsZero() {
			return AmmQuote{}, invalid("amount %s is consumed by fees", amountIn)
		}
	}

	out, opp := yes, no
	if side == domain.SideNo {
		out, opp = no, yes
	}
	newOpp, err := opp.Add(in)
	if err != nil {
		return AmmQuote{}, invalid("cpmm reserve: %v", err)
	}
	newOut, err := k.CeilDiv(newOpp)
	if err != nil {
		return AmmQuote{}, invalid("cpmm reserve: %v", err)
	}
	if newOut.IsZero() || newOut.GTE(out) {
		return AmmQuote{}, invalid("trade of %s yields no shares", amountIn)
	}
	shares, _ := out.Sub(newOut)

	if p.FeeTiming == domain.FeeAtExit {
		// fee shares stay in the pool
		fee, shares, err = splitFee(shares, p.FeeBps)
		if err != nil {
			return AmmQuote{}, err
		}
		if shares.IsZero() {
			return AmmQuote{}, invalid("trade of %s yields no shares after fees", amountIn)
		}
		if newOut, err = newOut.Add(fee); err != nil {
			return AmmQuote{}, invalid("cpmm reserve: %v", err)
		}
	}

	yesAfter, noAfter := newOut, newOpp
	if side == domain.SideNo {
		yesAfter, noAfter = newOpp, newOut
	}
	prices, err := cpmmPrices(yesAfter, noAfter)
	if err != nil {
		return AmmQuote{}, err
	}
	return finishQuote(side, shares, fee, yesAfter, noAfter, prices), nil
}

// cpmmPrices prices each side by the opposite reserve's share of the pool.
func cpmmPrices(yes, no micro.Amount) (domain.Prices, error) {
	total, err := yes.Add(no)
	if err != nil {
		return domain.Prices{}, invalid("cpmm prices: %v", err)
	}
	if total.IsZero() {
		return domain.Prices{}, invalid("cpmm inventories must be positive")
	}
	py, _, err := micro.MulDiv(no, scale, total)
	if err != nil {
		return domain.Prices{}, invalid("cpmm prices: %v", err)
	}
	pn, _, err := micro.MulDiv(yes, scale, total)
	if err != nil {
		return domain.Prices{}, invalid("cpmm prices: %v", err)
	}
	return domain.Prices{Yes: py, No: pn}, nil
}
