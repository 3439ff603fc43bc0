package quote

import (
	"fmt"
	"sort"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

// BookQuote is the result of sweeping ask levels.
type BookQuote struct {
	SharesOut micro.Amount
	Spent     micro.Amount
	Fee       micro.Amount
	// Unspent is the part of the net input no level could absorb.
	Unspent  micro.Amount
	AvgPrice micro.Amount
	// AsksAfter is the ask ladder with filled size removed, best first.
	AsksAfter []domain.BookLevel
}

// QuoteOrderBook buys side by walking asks from the best price up. The entry
// fee is taken first; each level fills as many whole micro-shares as the
// remaining input affords at that level's price, rounding the cost up.
func QuoteOrderBook(asks []domain.BookLevel, feeBps uint32, amountIn micro.Amount) (BookQuote, error) {
	if amountIn.IsZero() {
		return BookQuote{}, invalid("amount must be positive")
	}
	fee, remaining, err := splitFee(amountIn, feeBps)
	if err != nil {
		return BookQuote{}, err
	}

	levels := append([]domain.BookLevel(nil), asks...)
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Price.LT(levels[j].Price) })

	q := BookQuote{Fee: fee}
	var after []domain.BookLevel
	for i, lvl := range levels {
		if lvl.Price.IsZero() || lvl.Price.GT(scale) {
			return BookQuote{}, invalid("ask price %s outside (0, %d]", lvl.Price, micro.Scale)
		}
		if remaining.IsZero() {
			after = append(after, levels[i:]...)
			break
		}
		affordable, _, err := micro.MulDiv(remaining, scale, lvl.Price)
		if err != nil {
			return BookQuote{}, invalid("book: %v", err)
		}
		take := micro.Min(affordable, lvl.Size)
		if take.IsZero() {
			after = append(after, levels[i:]...)
			break
		}
		cost, err := levelCost(take, lvl.Price)
		if err != nil {
			return BookQuote{}, err
		}
		remaining = remaining.SaturatingSub(cost)
		if q.Spent, err = q.Spent.Add(cost); err != nil {
			return BookQuote{}, invalid("book: %v", err)
		}
		if q.SharesOut, err = q.SharesOut.Add(take); err != nil {
			return BookQuote{}, invalid("book: %v", err)
		}
		if left := lvl.Size.SaturatingSub(take); !left.IsZero() {
			after = append(after, domain.BookLevel{Price: lvl.Price, Size: left})
		}
	}
	if q.SharesOut.IsZero() {
		return BookQuote{}, fmt.Errorf("quote: no ask liquidity for %s: %w", amountIn, domain.ErrInsufficientFunds)
	}
	q.Unspent = remaining
	q.AsksAfter = after
	if q.AvgPrice, err = AvgPrice(q.Spent, q.SharesOut); err != nil {
		return BookQuote{}, err
	}
	return q, nil
}

// levelCost is ceil(shares * price / 1e6).
func levelCost(shares, price micro.Amount) (micro.Amount, error) {
	c, r, err := micro.MulDiv(shares, price, scale)
	if err != nil {
		return micro.Amount{}, invalid("book cost: %v", err)
	}
	if !r.IsZero() {
		if c, err = c.Add(micro.New(1)); err != nil {
			return micro.Amount{}, invalid("book cost: %v", err)
		}
	}
	return c, nil
}

// BookPrices reads best-ask prices for both sides; a side without asks
// prices at its best bid, or 0.
func BookPrices(c domain.ClobState) domain.Prices {
	return domain.Prices{Yes: bestPrice(c.Yes), No: bestPrice(c.No)}
}

func bestPrice(b domain.BookSide) micro.Amount {
	var best micro.Amount
	for i, a := range b.Asks {
		if i == 0 || a.Price.LT(best) {
			best = a.Price
		}
	}
	if len(b.Asks) > 0 {
		return best
	}
	for _, bid := range b.Bids {
		best = micro.Max(best, bid.Price)
	}
	return best
}
