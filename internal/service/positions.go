package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
	"github.com/alanyoungcy/pulsemarket/internal/pulse"
	"github.com/alanyoungcy/pulsemarket/internal/quote"
	"github.com/alanyoungcy/pulsemarket/internal/vault"
)

// PositionRequest buys one side of a market with value from a vault.
type PositionRequest struct {
	VaultID  string
	MarketID string
	Side     domain.Side
	Amount   micro.Amount
	// QuotedPrice is the side price the caller saw. Zero uses the current
	// market price.
	QuotedPrice micro.Amount
	// MaxSlippageBps overrides the engine default when non-zero.
	MaxSlippageBps uint32
}

// TradeQuote previews a position without changing anything.
type TradeQuote struct {
	MarketID string           `json:"marketId"`
	Venue    domain.VenueKind `json:"venue"`
	Side     domain.Side      `json:"side"`
	Amount   micro.Amount     `json:"amountMicro"`
	Cost     micro.Amount     `json:"costMicro"`
	Shares   micro.Amount     `json:"sharesMicro"`
	Fee      micro.Amount     `json:"feeMicro"`
	Unspent  micro.Amount     `json:"unspentMicro"`
	Before   micro.Amount     `json:"priceBeforeMicro"`
	After    micro.Amount     `json:"priceAfterMicro"`
	Prices   domain.Prices    `json:"pricesAfterMicro"`

	venue domain.VenueState
}

// Receipt is the outcome of a placed position.
type Receipt struct {
	PositionID string        `json:"positionId"`
	LockID     string        `json:"lockId"`
	Quote      TradeQuote    `json:"quote"`
	Vault      domain.Vault  `json:"vault"`
	Market     domain.Market `json:"market"`
}

func sidePrice(p domain.Prices, s domain.Side) micro.Amount {
	if s == domain.SideYes {
		return p.Yes
	}
	return p.No
}

// quoteVenue prices a buy on m's venue. Cost is the amount escrowed: the full
// input for pools and AMMs, the filled cost plus fee for order books.
func quoteVenue(m domain.Market, side domain.Side, amount micro.Amount) (TradeQuote, error) {
	q := TradeQuote{
		MarketID: m.Def.ID,
		Venue:    m.State.Venue.Kind,
		Side:     side,
		Amount:   amount,
		Before:   sidePrice(m.State.Prices, side),
	}
	venue := m.State.Venue.Clone()

	switch venue.Kind {
	case domain.VenueAMM:
		aq, err := quote.QuoteAmmTrade(quote.ParamsFromState(*venue.AMM), side, amount)
		if err != nil {
			return TradeQuote{}, err
		}
		next := aq.Apply(*venue.AMM)
		venue.AMM = &next
		q.Cost, q.Shares, q.Fee = amount, aq.SharesOut, aq.Fee
	case domain.VenueParimutuel:
		pq, err := quote.QuoteParimutuelStake(*venue.Parimutuel, venue.Parimutuel.FeeBps, side, amount)
		if err != nil {
			return TradeQuote{}, err
		}
		next := pq.PoolAfter
		venue.Parimutuel = &next
		q.Cost, q.Shares, q.Fee = amount, pq.NetStake, pq.Fee
	case domain.VenueCLOB:
		book := venue.CLOB.Book(side)
		bq, err := quote.QuoteOrderBook(book.Asks, venue.CLOB.FeeBps, amount)
		if err != nil {
			return TradeQuote{}, err
		}
		if bq.SharesOut.IsZero() {
			return TradeQuote{}, fmt.Errorf("market %s: no %s liquidity for %s: %w", m.Def.ID, side, amount, domain.ErrInvalidInput)
		}
		cost, err := bq.Spent.Add(bq.Fee)
		if err != nil {
			return TradeQuote{}, err
		}
		book.Asks = bq.AsksAfter
		if side == domain.SideYes {
			venue.CLOB.Yes = book
		} else {
			venue.CLOB.No = book
		}
		q.Cost, q.Shares, q.Fee, q.Unspent = cost, bq.SharesOut, bq.Fee, bq.Unspent
	default:
		return TradeQuote{}, fmt.Errorf("market %s: venue kind %q: %w", m.Def.ID, venue.Kind, domain.ErrInvalidInput)
	}

	prices, err := quote.VenuePrices(venue)
	if err != nil {
		return TradeQuote{}, err
	}
	q.Prices = prices
	q.After = sidePrice(prices, side)
	q.venue = venue
	return q, nil
}

// Quote previews buying amount of side on market id.
func (e *Engine) Quote(id string, side domain.Side, amount micro.Amount) (TradeQuote, error) {
	m, err := e.markets.Get(id)
	if err != nil {
		return TradeQuote{}, fmt.Errorf("engine: quote: %w", err)
	}
	q, err := quoteVenue(m, side, amount)
	if err != nil {
		return TradeQuote{}, fmt.Errorf("engine: quote %s: %w", id, err)
	}
	return q, nil
}

// PlacePosition quotes the venue, checks slippage, escrows the cost in a new
// lock recording the shares bought, installs the new venue state and records
// a pending prediction. Nothing changes when any step fails.
func (e *Engine) PlacePosition(ctx context.Context, req PositionRequest) (Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.Now()

	if err := e.markets.Tradable(req.MarketID, now); err != nil {
		return Receipt{}, fmt.Errorf("engine: place: %w", err)
	}
	v, err := e.ledger.Get(req.VaultID)
	if err != nil {
		return Receipt{}, fmt.Errorf("engine: place: %w", err)
	}
	if v.Status == domain.VaultFrozen {
		return Receipt{}, fmt.Errorf("engine: place: vault %s: %w", v.ID, domain.ErrFrozen)
	}
	if v.Spendable.LT(req.Amount) {
		return Receipt{}, fmt.Errorf("engine: place: vault %s: need %s have %s: %w", v.ID, req.Amount, v.Spendable, domain.ErrInsufficientFunds)
	}

	m, err := e.markets.Get(req.MarketID)
	if err != nil {
		return Receipt{}, fmt.Errorf("engine: place: %w", err)
	}
	q, err := quoteVenue(m, req.Side, req.Amount)
	if err != nil {
		return Receipt{}, fmt.Errorf("engine: place %s: %w", req.MarketID, err)
	}

	quoted := req.QuotedPrice
	if quoted.IsZero() {
		quoted = q.Before
	}
	maxBps := req.MaxSlippageBps
	if maxBps == 0 {
		maxBps = e.maxSlippageBps
	}
	// A parimutuel share is fixed at resolution, not at entry, so the pool
	// price move of a stake is not slippage.
	if !quoted.IsZero() && q.Venue != domain.VenueParimutuel {
		if err := quote.CheckSlippage(quoted, q.After, maxBps); err != nil {
			return Receipt{}, fmt.Errorf("engine: place %s: %w", req.MarketID, err)
		}
	}

	positionID := e.newID()
	lockID := e.newID()
	v, err = e.ledger.OpenLock(req.VaultID, vault.OpenLockRequest{
		LockID:       lockID,
		Amount:       q.Cost,
		Reason:       "position",
		CreatedAt:    pulse.MomentAt(now),
		UpdatedPulse: now,
		MarketID:     req.MarketID,
		PositionID:   positionID,
		Side:         req.Side,
		Shares:       q.Shares,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("engine: place: %w", err)
	}

	m, err = e.markets.ApplyFill(req.MarketID, q.venue, now)
	if err != nil {
		if _, rerr := e.ledger.TransitionLock(req.VaultID, vault.TransitionRequest{
			LockID:       lockID,
			To:           domain.LockReleased,
			Reason:       "fill_failed",
			UpdatedPulse: now,
		}); rerr != nil {
			e.logger.ErrorContext(ctx, "release after failed fill",
				slog.String("vault_id", req.VaultID),
				slog.String("lock_id", lockID),
				slog.String("error", rerr.Error()),
			)
		}
		return Receipt{}, fmt.Errorf("engine: place %s: %w", req.MarketID, err)
	}

	if _, err := e.prophecies.Add(domain.Prophecy{
		ID:           positionID,
		VaultID:      req.VaultID,
		MarketID:     req.MarketID,
		Side:         req.Side,
		Stake:        q.Cost,
		LockID:       lockID,
		CreatedPulse: now,
		UpdatedPulse: now,
	}); err != nil {
		e.logger.WarnContext(ctx, "prediction record not stored",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}

	e.recorder.PositionPlaced(q.Venue, req.Side)
	e.auditLog(ctx, "position_placed", map[string]any{
		"position_id": positionID,
		"vault_id":    req.VaultID,
		"market_id":   req.MarketID,
		"side":        string(req.Side),
		"cost":        q.Cost.String(),
		"shares":      q.Shares.String(),
	})
	e.logger.InfoContext(ctx, "position placed",
		slog.String("position_id", positionID),
		slog.String("market_id", req.MarketID),
		slog.String("side", string(req.Side)),
		slog.String("cost", q.Cost.String()),
		slog.String("shares", q.Shares.String()),
	)
	return Receipt{PositionID: positionID, LockID: lockID, Quote: q, Vault: v, Market: m}, nil
}
