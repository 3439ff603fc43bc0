package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/oracle"
)

// Signer attests resolutions served to remote engines.
type Signer interface {
	Sign(res domain.MarketResolution) (string, error)
}

// MarketReader returns a market snapshot.
type MarketReader interface {
	Market(id string) (domain.Market, error)
}

// OracleHandler serves attached resolutions in the oracle wire format so one
// engine can act as the resolution source of another.
type OracleHandler struct {
	markets MarketReader
	signer  Signer
	logger  *slog.Logger
}

// NewOracleHandler creates an OracleHandler. signer may be nil, in which case
// responses carry no attestation.
func NewOracleHandler(markets MarketReader, signer Signer, logger *slog.Logger) *OracleHandler {
	return &OracleHandler{markets: markets, signer: signer, logger: logHandler(logger, "oracle")}
}

// GetResolution returns the resolution attached to a market. Undecided
// markets are 404 so remote engines keep polling.
// GET /api/oracle/resolutions/{id}
func (h *OracleHandler) GetResolution(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.Market(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "oracle lookup", err)
		return
	}
	if m.State.Resolution == nil {
		writeError(w, http.StatusNotFound, "not resolved")
		return
	}
	res := *m.State.Resolution
	q := r.URL.Query()
	if id := q.Get("oracleId"); id != "" && res.Oracle.OracleID != "" && id != res.Oracle.OracleID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if v := q.Get("pulse"); v != "" {
		at, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "pulse must be an unsigned integer")
			return
		}
		if domain.Pulse(at) < res.ResolvedPulse {
			writeError(w, http.StatusNotFound, "not resolved")
			return
		}
	}

	var sig string
	if h.signer != nil {
		sig, err = h.signer.Sign(res)
		if err != nil {
			writeDomainError(w, r, h.logger, "oracle sign", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, oracle.ToWire(res, sig))
}
