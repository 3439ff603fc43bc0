// Package quote holds the pure fixed-point pricing functions for the three
// venue kinds: AMM (constant-product and LMSR), parimutuel pools and order
// book levels. Every function is side-effect free and reports out-of-domain
// input as an error wrapping domain.ErrInvalidInput.
package quote

import (
	"fmt"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

// MaxBps is 100% in basis points.
const MaxBps = uint32(micro.BpsDenominator)

var (
	scale  = micro.New(micro.Scale)
	bpsDen = micro.New(micro.BpsDenominator)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("quote: "+format+": %w", append(args, domain.ErrInvalidInput)...)
}

func checkBps(bps uint32) error {
	if bps > MaxBps {
		return invalid("fee %d bps outside [0, %d]", bps, MaxBps)
	}
	return nil
}

// FeeFromBps returns floor(amount * bps / 10000). The fee never exceeds the
// principal.
func FeeFromBps(amount micro.Amount, bps uint32) (micro.Amount, error) {
	if err := checkBps(bps); err != nil {
		return micro.Amount{}, err
	}
	fee, _, err := micro.MulDiv(amount, micro.New(uint64(bps)), bpsDen)
	if err != nil {
		return micro.Amount{}, invalid("fee: %v", err)
	}
	return fee, nil
}

// splitFee returns (fee, amount-fee).
func splitFee(amount micro.Amount, bps uint32) (micro.Amount, micro.Amount, error) {
	fee, err := FeeFromBps(amount, bps)
	if err != nil {
		return micro.Amount{}, micro.Amount{}, err
	}
	return fee, amount.SaturatingSub(fee), nil
}

// AvgPrice returns the executed price per share, floor(spent * 1e6 / shares).
func AvgPrice(spent, shares micro.Amount) (micro.Amount, error) {
	if shares.IsZero() {
		return micro.Amount{}, invalid("average price of zero shares")
	}
	p, _, err := micro.MulDiv(spent, scale, shares)
	if err != nil {
		return micro.Amount{}, invalid("average price: %v", err)
	}
	return p, nil
}
