package quote

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

const (
	// lmsrPrecision is the number of decimal places carried through exp/ln.
	lmsrPrecision int32 = 30
	// lmsrMaxExponent bounds amountIn/b; larger trades are rejected.
	lmsrMaxExponent = 128
)

var (
	decOne   = decimal.NewFromInt(1)
	decScale = decimal.NewFromInt(int64(micro.Scale))
)

func toDec(a micro.Amount) decimal.Decimal { return decimal.NewFromBigInt(a.Big(), 0) }

// fromDecFloor converts a non-negative decimal to micro-units, rounding down.
func fromDecFloor(d decimal.Decimal) (micro.Amount, error) {
	if d.IsNegative() {
		return micro.Amount{}, nil
	}
	return micro.FromBig(d.Floor().BigInt())
}

// expSigned evaluates e^x for either sign of x. Exponents below
// -lmsrMaxExponent read as 0.
func expSigned(x decimal.Decimal) (decimal.Decimal, error) {
	x = x.Round(18)
	if x.LessThan(decimal.NewFromInt(-lmsrMaxExponent)) {
		return decimal.Zero, nil
	}
	if x.IsNegative() {
		e, err := x.Neg().ExpTaylor(lmsrPrecision)
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decOne.DivRound(e, lmsrPrecision), nil
	}
	return x.ExpTaylor(lmsrPrecision)
}

// lmsrWeights returns e^{qy/b-m} and e^{qn/b-m} with m = max(qy,qn)/b, plus m.
func lmsrWeights(qy, qn, b decimal.Decimal) (ey, en, m decimal.Decimal, err error) {
	y := qy.DivRound(b, lmsrPrecision)
	n := qn.DivRound(b, lmsrPrecision)
	m = decimal.Max(y, n)
	if ey, err = expSigned(y.Sub(m)); err != nil {
		return
	}
	en, err = expSigned(n.Sub(m))
	return
}

// quoteLMSR buys shares under the cost function C(q) = b·ln(e^{qy/b} + e^{qn/b}).
// The share count solves C(q + Δ) − C(q) = amount in closed form:
//
//	Δ = b·(m + ln(S·e^{a/b} − e^{qo/b−m})) − qx
//
// where S = e^{qy/b−m} + e^{qn/b−m}.
func quoteLMSR(p AmmParams, side domain.Side, amountIn micro.Amount) (AmmQuote, error) {
	if p.Param == nil || p.Param.IsZero() {
		return AmmQuote{}, invalid("lmsr liquidity parameter must be positive")
	}
	b := toDec(*p.Param)

	in := amountIn
	var fee micro.Amount
	var err error
	if p.FeeTiming == domain.FeeAtEntry {
		fee, in, err = splitFee(amountIn, p.FeeBps)
		if err != nil {
			return AmmQuote{}, err
		}
		if in.IsZero() {
			return AmmQuote{}, invalid("amount %s is consumed by fees", amountIn)
		}
	}

	a := toDec(in).DivRound(b, lmsrPrecision)
	if a.GreaterThan(decimal.NewFromInt(lmsrMaxExponent)) {
		return AmmQuote{}, invalid("trade of %s too large for liquidity %s", amountIn, p.Param)
	}

	qy, qn := toDec(p.YesInventory), toDec(p.NoInventory)
	ey, en, m, err := lmsrWeights(qy, qn, b)
	if err != nil {
		return AmmQuote{}, invalid("lmsr: %v", err)
	}
	ea, err := expSigned(a)
	if err != nil {
		return AmmQuote{}, invalid("lmsr: %v", err)
	}

	qx, eo := qy, en
	if side == domain.SideNo {
		qx, eo = qn, ey
	}
	inner := ey.Add(en).Mul(ea).Sub(eo)
	if !inner.IsPositive() {
		return AmmQuote{}, invalid("lmsr: degenerate cost")
	}
	ln, err := inner.Ln(lmsrPrecision)
	if err != nil {
		return AmmQuote{}, invalid("lmsr: %v", err)
	}
	shares, err := fromDecFloor(b.Mul(m.Add(ln)).Sub(qx))
	if err != nil {
		return AmmQuote{}, invalid("lmsr: %v", err)
	}
	if shares.IsZero() {
		return AmmQuote{}, invalid("trade of %s yields no shares", amountIn)
	}

	if p.FeeTiming == domain.FeeAtExit {
		fee, shares, err = splitFee(shares, p.FeeBps)
		if err != nil {
			return AmmQuote{}, err
		}
		if shares.IsZero() {
			return AmmQuote{}, invalid("trade of %s yields no shares after fees", amountIn)
		}
	}

	yesAfter, noAfter := p.YesInventory, p.NoInventory
	if side == domain.SideYes {
		yesAfter, err = yesAfter.Add(shares)
	} else {
		noAfter, err = noAfter.Add(shares)
	}
	if err != nil {
		return AmmQuote{}, invalid("lmsr inventory: %v", err)
	}

	prices, err := lmsrPrices(yesAfter, noAfter, *p.Param)
	if err != nil {
		return AmmQuote{}, err
	}
	return finishQuote(side, shares, fee, yesAfter, noAfter, prices), nil
}

// lmsrPrices returns the instantaneous prices e^{q_i/b} / Σ e^{q_j/b}.
func lmsrPrices(yes, no, param micro.Amount) (domain.Prices, error) {
	ey, en, _, err := lmsrWeights(toDec(yes), toDec(no), toDec(param))
	if err != nil {
		return domain.Prices{}, invalid("lmsr prices: %v", err)
	}
	sum := ey.Add(en)
	py, err := fromDecFloor(ey.Mul(decScale).DivRound(sum, lmsrPrecision))
	if err != nil {
		return domain.Prices{}, invalid("lmsr prices: %v", err)
	}
	pn, err := fromDecFloor(en.Mul(decScale).DivRound(sum, lmsrPrecision))
	if err != nil {
		return domain.Prices{}, invalid("lmsr prices: %v", err)
	}
	return domain.Prices{Yes: py, No: pn}, nil
}
