package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/service"
)

// ProphecyService lists prediction records.
type ProphecyService interface {
	Prophecies(marketID, vaultID string) []domain.Prophecy
	Prophecy(id string) (domain.Prophecy, error)
}

// StateService exposes whole-engine views.
type StateService interface {
	State() service.State
}

// ProphecyHandler serves prediction-record, state and audit endpoints.
type ProphecyHandler struct {
	prophecies ProphecyService
	state      StateService
	audit      domain.AuditStore
	logger     *slog.Logger
}

// NewProphecyHandler creates a ProphecyHandler. audit may be nil.
func NewProphecyHandler(prophecies ProphecyService, state StateService, audit domain.AuditStore, logger *slog.Logger) *ProphecyHandler {
	return &ProphecyHandler{
		prophecies: prophecies,
		state:      state,
		audit:      audit,
		logger:     logHandler(logger, "prophecies"),
	}
}

type listPropheciesResponse struct {
	Prophecies []domain.Prophecy `json:"prophecies"`
	Total      int               `json:"total"`
}

// ListProphecies returns prediction records.
// GET /api/prophecies?market_id=...&vault_id=...&limit=50&offset=0
func (h *ProphecyHandler) ListProphecies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	all := h.prophecies.Prophecies(q.Get("market_id"), q.Get("vault_id"))
	if all == nil {
		all = []domain.Prophecy{}
	}
	writeJSON(w, http.StatusOK, listPropheciesResponse{
		Prophecies: page(all, parseListOpts(r)),
		Total:      len(all),
	})
}

// GetProphecy returns one prediction record.
// GET /api/prophecies/{id}
func (h *ProphecyHandler) GetProphecy(w http.ResponseWriter, r *http.Request) {
	p, err := h.prophecies.Prophecy(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get prophecy", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// State returns a consistent view of the whole engine.
// GET /api/state
func (h *ProphecyHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.State())
}

type listAuditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// ListAudit returns recent audit entries.
// GET /api/audit?event=position_placed&limit=50&offset=0
func (h *ProphecyHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusOK, listAuditResponse{Entries: []domain.AuditEntry{}})
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{Entries: entries})
}
