package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
	"github.com/alanyoungcy/pulsemarket/internal/service"
	"github.com/alanyoungcy/pulsemarket/internal/settlement"
)

// MarketService defines the methods that the market handler requires from the
// engine. It is declared locally so the handler can be tested with fakes.
type MarketService interface {
	CreateMarket(ctx context.Context, def domain.MarketDef, venue domain.VenueState) (domain.Market, error)
	Market(id string) (domain.Market, error)
	Markets() []domain.Market
	Quote(id string, side domain.Side, amount micro.Amount) (service.TradeQuote, error)
	PlacePosition(ctx context.Context, req service.PositionRequest) (service.Receipt, error)
	SubmitResolution(ctx context.Context, res domain.MarketResolution) (settlement.Result, error)
	CancelMarket(ctx context.Context, id string) (settlement.Result, error)
	ActiveVault() string
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "markets"),
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns markets, optionally filtered by status.
// GET /api/markets?status=open&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	status := domain.MarketStatus(strings.ToLower(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	all := h.markets.Markets()
	markets := make([]domain.Market, 0, len(all))
	for _, m := range all {
		if status == "" || m.State.Status == status {
			markets = append(markets, m)
		}
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: page(markets, opts),
		Total:   len(markets),
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

type createMarketRequest struct {
	Def   domain.MarketDef  `json:"def"`
	Venue domain.VenueState `json:"venueState"`
}

// CreateMarket registers a market at the current pulse.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.Reason(err))
		return
	}
	m, err := h.markets.CreateMarket(r.Context(), req.Def, req.Venue)
	if err != nil {
		writeDomainError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.Market(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func parseSide(s string) (domain.Side, error) {
	side := domain.Side(strings.ToUpper(strings.TrimSpace(s)))
	if !side.Valid() {
		return "", fmt.Errorf("side %q: %w", s, domain.ErrInvalidInput)
	}
	return side, nil
}

// Quote previews buying a side without changing anything.
// GET /api/markets/{id}/quote?side=YES&amount=10000
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	side, err := parseSide(q.Get("side"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "side must be YES or NO")
		return
	}
	amount, err := micro.Parse(q.Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal micro-unit string")
		return
	}
	tq, err := h.markets.Quote(pathParam(r, "id"), side, amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, tq)
}

type positionRequest struct {
	VaultID        string       `json:"vaultId"`
	Side           string       `json:"side"`
	Amount         micro.Amount `json:"amountMicro"`
	QuotedPrice    micro.Amount `json:"quotedPriceMicro"`
	MaxSlippageBps uint32       `json:"maxSlippageBps"`
}

// PlacePosition buys one side of a market from a vault. A missing vaultId
// uses the active vault.
// POST /api/markets/{id}/positions
func (h *MarketHandler) PlacePosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.Reason(err))
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, "side must be YES or NO")
		return
	}
	vaultID := req.VaultID
	if vaultID == "" {
		vaultID = h.markets.ActiveVault()
	}
	if vaultID == "" {
		writeError(w, http.StatusBadRequest, "vaultId is required when no vault is active")
		return
	}

	receipt, err := h.markets.PlacePosition(r.Context(), service.PositionRequest{
		VaultID:        vaultID,
		MarketID:       pathParam(r, "id"),
		Side:           side,
		Amount:         req.Amount,
		QuotedPrice:    req.QuotedPrice,
		MaxSlippageBps: req.MaxSlippageBps,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "place position", err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// SubmitResolution attaches an externally decided outcome and settles the
// market. The market id in the path wins over the body.
// POST /api/markets/{id}/resolution
func (h *MarketHandler) SubmitResolution(w http.ResponseWriter, r *http.Request) {
	var res domain.MarketResolution
	if err := decodeBody(w, r, &res); err != nil {
		writeError(w, http.StatusBadRequest, domain.Reason(err))
		return
	}
	res.MarketID = pathParam(r, "id")
	res.Outcome = domain.Outcome(strings.ToUpper(string(res.Outcome)))
	result, err := h.markets.SubmitResolution(r.Context(), res)
	if err != nil {
		writeDomainError(w, r, h.logger, "submit resolution", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CancelMarket cancels a market and refunds its positions.
// POST /api/markets/{id}/cancel
func (h *MarketHandler) CancelMarket(w http.ResponseWriter, r *http.Request) {
	result, err := h.markets.CancelMarket(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel market", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
