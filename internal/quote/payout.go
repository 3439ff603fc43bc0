package quote

import (
	"fmt"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

// PayoutForShares redeems shares at redeemPerShare micro-units per whole
// share. At exit timing the fee is taken from the gross payout; at entry
// timing it was already paid and the payout is gross. The result is
// non-decreasing in shares.
func PayoutForShares(shares, redeemPerShare micro.Amount, feeBps uint32, timing domain.FeeTiming) (micro.Amount, error) {
	if err := checkBps(feeBps); err != nil {
		return micro.Amount{}, err
	}
	gross, _, err := micro.MulDiv(shares, redeemPerShare, scale)
	if err != nil {
		return micro.Amount{}, invalid("payout: %v", err)
	}
	switch timing {
	case domain.FeeAtEntry, "":
		return gross, nil
	case domain.FeeAtExit:
		_, net, err := splitFee(gross, feeBps)
		return net, err
	default:
		return micro.Amount{}, invalid("fee timing %q", timing)
	}
}

// CheckSlippage rejects an execution whose price moved from the quote by more
// than maxBps, measured as |executed − quoted| · 10000 > maxBps · quoted.
// A move exactly at the bound is accepted.
func CheckSlippage(quoted, executed micro.Amount, maxBps uint32) error {
	if quoted.IsZero() {
		return invalid("quoted price must be positive")
	}
	if err := checkBps(maxBps); err != nil {
		return err
	}
	diff := executed.SaturatingSub(quoted)
	if quoted.GT(executed) {
		diff = quoted.SaturatingSub(executed)
	}
	lhs, err := diff.Mul(bpsDen)
	if err != nil {
		return invalid("slippage: %v", err)
	}
	rhs, err := quoted.Mul(micro.New(uint64(maxBps)))
	if err != nil {
		return invalid("slippage: %v", err)
	}
	if lhs.GT(rhs) {
		return fmt.Errorf("quote: quoted %s executed %s exceeds %d bps: %w", quoted, executed, maxBps, domain.ErrSlippageExceeded)
	}
	return nil
}
