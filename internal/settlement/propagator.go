// Package settlement fans a market resolution out to the escrowed locks of
// every vault and to the prediction records of the market, exactly once per
// resolution key.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
	"github.com/alanyoungcy/pulsemarket/internal/quote"
	"github.com/alanyoungcy/pulsemarket/internal/vault"
)

// Ledger is the part of the vault ledger the propagator drives.
type Ledger interface {
	LocksForMarket(marketID string, statuses ...domain.LockStatus) []vault.LockRef
	Settle(vaultID string, req vault.TransitionRequest, credit micro.Amount) (domain.Vault, error)
	ApplyOutcomeStats(vaultID string, outcome domain.OutcomeKind, at domain.Pulse) (domain.Vault, error)
}

// Markets looks up market definitions and venue state.
type Markets interface {
	Get(id string) (domain.Market, error)
}

// Prophecies receives the resolution for prediction records.
type Prophecies interface {
	ApplyResolutionToProphecies(marketID string, outcome domain.Outcome, resolvedPulse domain.Pulse, evidenceHashes []string) (int, error)
}

// Result reports what one delivery changed.
type Result struct {
	// Updated counts settled locks plus marked prediction records. It is
	// zero for a repeated delivery.
	Updated    int `json:"updated"`
	Locks      int `json:"locks"`
	Prophecies int `json:"prophecies"`
	// Dust is the part of a parimutuel pool left unpaid by floor division.
	Dust micro.Amount `json:"dustMicro"`
}

// Propagator applies resolutions. Calls are serialized.
type Propagator struct {
	mu         sync.Mutex
	ledger     Ledger
	markets    Markets
	prophecies Prophecies
	logger     *slog.Logger

	applied map[string]bool
	hooks   []func(key string)
}

// New creates a Propagator.
func New(ledger Ledger, markets Markets, prophecies Prophecies, logger *slog.Logger) *Propagator {
	return &Propagator{
		ledger:     ledger,
		markets:    markets,
		prophecies: prophecies,
		logger:     logger.With(slog.String("component", "settlement")),
		applied:    make(map[string]bool),
	}
}

// OnApplied registers fn to receive each newly applied resolution key. fn
// runs under the propagator lock and must not call back into it.
func (p *Propagator) OnApplied(fn func(key string)) {
	p.mu.Lock()
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

// LoadApplied marks keys as already applied, typically from storage on start.
func (p *Propagator) LoadApplied(keys ...string) {
	p.mu.Lock()
	for _, k := range keys {
		p.applied[k] = true
	}
	p.mu.Unlock()
}

// Applied returns the applied keys in sorted order.
func (p *Propagator) Applied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.applied))
	for k := range p.applied {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsApplied reports whether key was already propagated.
func (p *Propagator) IsApplied(key domain.ResolutionKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied[key.String()]
}

// ApplyResolution settles every locked position of res.MarketID and marks
// its prediction records. A key that was already applied returns a zero
// Result and no error. Per-lock failures do not stop the remaining locks;
// they are joined into the returned error and the key stays unapplied so a
// later delivery retries the locks still open.
func (p *Propagator) ApplyResolution(ctx context.Context, res domain.MarketResolution, evidenceHashes []string) (Result, error) {
	if !res.Outcome.Valid() {
		return Result{}, fmt.Errorf("settlement: market %s: outcome %q: %w", res.MarketID, res.Outcome, domain.ErrInvalidInput)
	}
	key := res.Key().String()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applied[key] {
		p.logger.DebugContext(ctx, "resolution already applied", slog.String("key", key))
		return Result{}, nil
	}

	m, err := p.markets.Get(res.MarketID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: %w", err)
	}
	if cur := m.State.Resolution; cur != nil && cur.Key() != res.Key() {
		return Result{}, fmt.Errorf("settlement: market %s resolved as %s, not %s: %w", res.MarketID, cur.Key(), key, domain.ErrInvalidInput)
	}

	// Credits are computed over every position of the market, settled or not,
	// so a retry after a partial delivery splits the pool the same way.
	positions := p.ledger.LocksForMarket(res.MarketID, settledStatuses...)
	credits, dust, err := p.credits(m, res.Outcome, positions)
	if err != nil {
		return Result{}, err
	}
	var locks []vault.LockRef
	for _, ref := range positions {
		if ref.Lock.Status == domain.LockLocked {
			locks = append(locks, ref)
		}
	}

	var (
		result Result
		errs   []error
	)
	result.Dust = dust
	for _, ref := range locks {
		if err := p.settleLock(ref, res, credits[stakeID(ref)]); err != nil {
			p.logger.WarnContext(ctx, "lock settlement failed",
				slog.String("market_id", res.MarketID),
				slog.String("vault_id", ref.VaultID),
				slog.String("lock_id", ref.Lock.LockID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		result.Locks++
	}

	n, err := p.prophecies.ApplyResolutionToProphecies(res.MarketID, res.Outcome, res.ResolvedPulse, evidenceHashes)
	if err != nil {
		errs = append(errs, fmt.Errorf("settlement: prophecies of %s: %w", res.MarketID, err))
	}
	result.Prophecies = n
	result.Updated = result.Locks + result.Prophecies

	if len(errs) > 0 {
		return result, errors.Join(errs...)
	}

	p.applied[key] = true
	for _, h := range p.hooks {
		h(key)
	}
	p.logger.InfoContext(ctx, "resolution applied",
		slog.String("key", key),
		slog.Int("locks", result.Locks),
		slog.Int("prophecies", result.Prophecies),
		slog.String("dust", result.Dust.String()),
	)
	return result, nil
}

// settledStatuses are the lock statuses that take part in a market's payout.
// Released locks never entered the venue.
var settledStatuses = []domain.LockStatus{
	domain.LockLocked, domain.LockPaid, domain.LockBurned, domain.LockRefunded,
}

func stakeID(ref vault.LockRef) string { return ref.VaultID + "/" + ref.Lock.LockID }

// weight is the claim a lock carries: its recorded shares, or its escrowed
// amount when no shares were recorded.
func weight(l domain.VaultLock) micro.Amount {
	if l.Shares.IsZero() {
		return l.Amount
	}
	return l.Shares
}

// credits computes the spendable credit for every lock.
func (p *Propagator) credits(m domain.Market, outcome domain.Outcome, locks []vault.LockRef) (map[string]micro.Amount, micro.Amount, error) {
	out := make(map[string]micro.Amount, len(locks))
	rules := m.Def.Rules

	if outcome == domain.OutcomeVoid {
		for _, ref := range locks {
			c, err := refund(ref.Lock.Amount, rules.VoidPolicy.RefundMode, m.State.Venue.FeeBps())
			if err != nil {
				return nil, micro.Amount{}, fmt.Errorf("settlement: market %s: %w", m.Def.ID, err)
			}
			out[stakeID(ref)] = c
		}
		return out, micro.Zero(), nil
	}

	// The venue entry fee was already taken when each stake was placed; the
	// settlement fee applies again to the pool at payout.
	if pm := m.State.Venue.Parimutuel; pm != nil {
		var winners []quote.Stake
		for _, ref := range locks {
			if outcome.Wins(ref.Lock.Side) {
				winners = append(winners, quote.Stake{ID: stakeID(ref), Amount: weight(ref.Lock)})
			}
		}
		d, err := quote.ParimutuelPayouts(*pm, rules.Settlement.FeeBps, winners)
		if err != nil {
			return nil, micro.Amount{}, fmt.Errorf("settlement: market %s: %w", m.Def.ID, err)
		}
		for id, amt := range d.Payouts {
			out[id] = amt
		}
		return out, d.Dust, nil
	}

	for _, ref := range locks {
		if !outcome.Wins(ref.Lock.Side) {
			continue
		}
		amt, err := quote.PayoutForShares(weight(ref.Lock), rules.Settlement.RedeemPerShare, rules.Settlement.FeeBps, rules.Settlement.FeeTiming)
		if err != nil {
			return nil, micro.Amount{}, fmt.Errorf("settlement: market %s: %w", m.Def.ID, err)
		}
		out[stakeID(ref)] = amt
	}
	return out, micro.Zero(), nil
}

// refund returns what a VOID resolution gives back for a lock of amount.
func refund(amount micro.Amount, mode domain.RefundMode, venueFeeBps uint32) (micro.Amount, error) {
	switch mode {
	case domain.RefundStake, "":
		return amount, nil
	case domain.RefundStakeLessFee:
		fee, err := quote.FeeFromBps(amount, venueFeeBps)
		if err != nil {
			return micro.Amount{}, err
		}
		return amount.SaturatingSub(fee), nil
	case domain.RefundNone:
		return micro.Zero(), nil
	default:
		return micro.Amount{}, fmt.Errorf("refund mode %q: %w", mode, domain.ErrInvalidInput)
	}
}

func (p *Propagator) settleLock(ref vault.LockRef, res domain.MarketResolution, credit micro.Amount) error {
	to, stat := domain.LockBurned, domain.OutcomeLoss
	switch {
	case res.Outcome == domain.OutcomeVoid:
		to, stat = domain.LockRefunded, domain.OutcomeRefund
	case res.Outcome.Wins(ref.Lock.Side):
		to, stat = domain.LockPaid, domain.OutcomeWin
	default:
		credit = micro.Zero()
	}
	_, err := p.ledger.Settle(ref.VaultID, vault.TransitionRequest{
		LockID:       ref.Lock.LockID,
		To:           to,
		Reason:       "resolution",
		UpdatedPulse: res.ResolvedPulse,
		Note:         res.Key().String(),
	}, credit)
	if err != nil {
		return fmt.Errorf("settlement: %w", err)
	}
	if _, err := p.ledger.ApplyOutcomeStats(ref.VaultID, stat, res.ResolvedPulse); err != nil {
		return fmt.Errorf("settlement: stats: %w", err)
	}
	return nil
}
