package quote

import (
	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

// ParimutuelQuote is the result of staking into a pool.
type ParimutuelQuote struct {
	// ShareOfPool is the stake's fraction of its side pool after staking, in
	// micro-units of one whole.
	ShareOfPool micro.Amount
	Fee         micro.Amount
	NetStake    micro.Amount
	// Remainder is (net * 1e6) mod (pool + net), the part of the share the
	// floor division did not issue.
	Remainder micro.Amount
	PoolAfter domain.ParimutuelState
}

// QuoteParimutuelStake prices a stake: share = net / (pool[side] + net),
// where net is the stake after the entry fee.
func QuoteParimutuelStake(pool domain.ParimutuelState, feeBps uint32, side domain.Side, stake micro.Amount) (ParimutuelQuote, error) {
	if !side.Valid() {
		return ParimutuelQuote{}, invalid("side %q", side)
	}
	if stake.IsZero() {
		return ParimutuelQuote{}, invalid("stake must be positive")
	}
	fee, net, err := splitFee(stake, feeBps)
	if err != nil {
		return ParimutuelQuote{}, err
	}
	if net.IsZero() {
		return ParimutuelQuote{}, invalid("stake %s is consumed by fees", stake)
	}

	sidePool, err := pool.Pool(side).Add(net)
	if err != nil {
		return ParimutuelQuote{}, invalid("pool: %v", err)
	}
	share, rem, err := micro.MulDiv(net, scale, sidePool)
	if err != nil {
		return ParimutuelQuote{}, invalid("share: %v", err)
	}

	after := pool
	if side == domain.SideYes {
		after.YesPool = sidePool
	} else {
		after.NoPool = sidePool
	}
	return ParimutuelQuote{
		ShareOfPool: share,
		Fee:         fee,
		NetStake:    net,
		Remainder:   rem,
		PoolAfter:   after,
	}, nil
}

// Stake is one winning claim on a parimutuel pool.
type Stake struct {
	ID     string
	Amount micro.Amount
}

// Distribution is the pro-rata split of a settled pool.
type Distribution struct {
	Payouts map[string]micro.Amount
	NetPool micro.Amount
	Fee     micro.Amount
	// Dust is the part of NetPool left unpaid by floor division.
	Dust micro.Amount
}

// ParimutuelPayouts splits the total pool, net of feeBps, across the winning
// stakes in proportion to their amounts. Payouts are floored and the
// leftover is reported as Dust, so the payouts plus Dust always equal NetPool.
// With no winning stake the whole net pool is dust.
func ParimutuelPayouts(pool domain.ParimutuelState, feeBps uint32, winners []Stake) (Distribution, error) {
	total, err := pool.YesPool.Add(pool.NoPool)
	if err != nil {
		return Distribution{}, invalid("pool: %v", err)
	}
	fee, net, err := splitFee(total, feeBps)
	if err != nil {
		return Distribution{}, err
	}

	var winning micro.Amount
	for _, w := range winners {
		if winning, err = winning.Add(w.Amount); err != nil {
			return Distribution{}, invalid("winning stake: %v", err)
		}
	}

	d := Distribution{Payouts: make(map[string]micro.Amount, len(winners)), NetPool: net, Fee: fee}
	if winning.IsZero() {
		d.Dust = net
		return d, nil
	}

	var paid micro.Amount
	for _, w := range winners {
		amt, _, err := micro.MulDiv(w.Amount, net, winning)
		if err != nil {
			return Distribution{}, invalid("payout: %v", err)
		}
		prev := d.Payouts[w.ID]
		if d.Payouts[w.ID], err = prev.Add(amt); err != nil {
			return Distribution{}, invalid("payout: %v", err)
		}
		if paid, err = paid.Add(amt); err != nil {
			return Distribution{}, invalid("payout: %v", err)
		}
	}
	d.Dust, err = net.Sub(paid)
	if err != nil {
		return Distribution{}, invalid("payouts exceed pool: %v", err)
	}
	return d, nil
}
