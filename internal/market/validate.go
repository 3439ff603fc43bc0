package market

import (
	"fmt"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
	"github.com/alanyoungcy/pulsemarket/internal/quote"
)

// NormalizeDef fills defaults into def and rejects definitions that cannot be
// registered. Malformed timing is accepted here; the controller keeps such
// markets open and reports them.
func NormalizeDef(def domain.MarketDef) (domain.MarketDef, error) {
	if def.ID == "" {
		return def, fmt.Errorf("market: empty id: %w", domain.ErrInvalidInput)
	}
	if def.Kind == "" {
		def.Kind = domain.MarketKindBinary
	}
	if def.Kind != domain.MarketKindBinary {
		return def, fmt.Errorf("market %s: kind %q: %w", def.ID, def.Kind, domain.ErrInvalidInput)
	}
	s := &def.Rules.Settlement
	if s.RedeemPerShare.IsZero() {
		s.RedeemPerShare = micro.One()
	}
	if s.FeeTiming == "" {
		s.FeeTiming = domain.FeeAtEntry
	}
	if !s.FeeTiming.Valid() {
		return def, fmt.Errorf("market %s: fee timing %q: %w", def.ID, s.FeeTiming, domain.ErrInvalidInput)
	}
	if s.FeeBps > quote.MaxBps {
		return def, fmt.Errorf("market %s: settlement fee %d bps: %w", def.ID, s.FeeBps, domain.ErrInvalidInput)
	}
	if def.Rules.VoidPolicy.RefundMode == "" {
		def.Rules.VoidPolicy.RefundMode = domain.RefundStake
	}
	if !def.Rules.VoidPolicy.RefundMode.Valid() {
		return def, fmt.Errorf("market %s: refund mode %q: %w", def.ID, def.Rules.VoidPolicy.RefundMode, domain.ErrInvalidInput)
	}
	return def, nil
}

// Validate checks a whole market read from outside the controller.
func Validate(m domain.Market) error {
	if _, err := NormalizeDef(m.Def); err != nil {
		return err
	}
	if !m.State.Status.Valid() {
		return fmt.Errorf("market %s: status %q: %w", m.Def.ID, m.State.Status, domain.ErrInvalidInput)
	}
	if err := quote.ValidateVenue(m.State.Venue); err != nil {
		return fmt.Errorf("market %s: %w", m.Def.ID, err)
	}
	one := micro.One()
	if m.State.Prices.Yes.GT(one) || m.State.Prices.No.GT(one) {
		return fmt.Errorf("market %s: price above one unit: %w", m.Def.ID, domain.ErrInvalidInput)
	}
	if r := m.State.Resolution; r != nil {
		if r.MarketID != m.Def.ID || !r.Outcome.Valid() {
			return fmt.Errorf("market %s: resolution does not match market: %w", m.Def.ID, domain.ErrInvalidInput)
		}
	}
	return nil
}
