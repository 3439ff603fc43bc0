package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

// VaultService defines the vault operations the handler requires from the
// engine.
type VaultService interface {
	CreateVault(ctx context.Context, id string, owner domain.Owner, initial micro.Amount) (domain.Vault, error)
	MoveValue(ctx context.Context, id string, kind domain.ValueMove, amount micro.Amount) (domain.Vault, error)
	SetVaultStatus(ctx context.Context, id string, status domain.VaultStatus) (domain.Vault, error)
	HoldValue(ctx context.Context, id string, amount micro.Amount, note string) (domain.Vault, string, error)
	ReleaseLock(ctx context.Context, id, lockID string) (domain.Vault, error)
	RemoveVault(ctx context.Context, id string) error
	Vault(id string) (domain.Vault, error)
	Vaults() []domain.Vault
	ActiveVault() string
	SetActiveVault(id string) error
}

// VaultHandler serves vault endpoints.
type VaultHandler struct {
	vaults VaultService
	logger *slog.Logger
}

// NewVaultHandler creates a VaultHandler.
func NewVaultHandler(vaults VaultService, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{vaults: vaults, logger: logHandler(logger, "vaults")}
}

type listVaultsResponse struct {
	Vaults []domain.Vault `json:"vaults"`
	Active string         `json:"activeVaultId,omitempty"`
}

// ListVaults returns every vault.
// GET /api/vaults?limit=50&offset=0
func (h *VaultHandler) ListVaults(w http.ResponseWriter, r *http.Request) {
	vaults := page(h.vaults.Vaults(), parseListOpts(r))
	writeJSON(w, http.StatusOK, listVaultsResponse{Vaults: vaults, Active: h.vaults.ActiveVault()})
}

type createVaultRequest struct {
	VaultID string       `json:"vaultId"`
	Owner   domain.Owner `json:"owner"`
	Initial micro.Amount `json:"initialMicro"`
}

// CreateVault creates a vault, or re-activates an existing one for the same
// owner. A missing vaultId is generated.
// POST /api/vaults
func (h *VaultHandler) CreateVault(w http.ResponseWriter, r *http.Request) {
	var req createVaultRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.Reason(err))
		return
	}
	if req.Owner.IdentityKey == "" {
		writeError(w, http.StatusBadRequest, "owner.identityKey is required")
		return
	}
	if req.VaultID == "" {
		req.VaultID = uuid.NewString()
	}
	v, err := h.vaults.CreateVault(r.Context(), req.VaultID, req.Owner, req.Initial)
	if err != nil {
		writeDomainError(w, r, h.logger, "create vault", err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// GetVault returns one vault.
// GET /api/vaults/{id}
func (h *VaultHandler) GetVault(w http.ResponseWriter, r *http.Request) {
	v, err := h.vaults.Vault(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get vault", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// RemoveVault deletes a vault with no locked value.
// DELETE /api/vaults/{id}
func (h *VaultHandler) RemoveVault(w http.ResponseWriter, r *http.Request) {
	if err := h.vaults.RemoveVault(r.Context(), pathParam(r, "id")); err != nil {
		writeDomainError(w, r, h.logger, "remove vault", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type amountRequest struct {
	Amount micro.Amount `json:"amountMicro"`
	Note   string       `json:"note,omitempty"`
}

func (h *VaultHandler) move(kind domain.ValueMove) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req amountRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, domain.Reason(err))
			return
		}
		v, err := h.vaults.MoveValue(r.Context(), pathParam(r, "id"), kind, req.Amount)
		if err != nil {
			writeDomainError(w, r, h.logger, string(kind), err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// Deposit credits spendable value.
// POST /api/vaults/{id}/deposit
func (h *VaultHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.move(domain.MoveDeposit)(w, r)
}

// Withdraw debits spendable value.
// POST /api/vaults/{id}/withdraw
func (h *VaultHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.move(domain.MoveWithdraw)(w, r)
}

type statusRequest struct {
	Status domain.VaultStatus `json:"status"`
}

// SetStatus freezes or re-activates a vault.
// PUT /api/vaults/{id}/status
func (h *VaultHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.Reason(err))
		return
	}
	v, err := h.vaults.SetVaultStatus(r.Context(), pathParam(r, "id"), req.Status)
	if err != nil {
		writeDomainError(w, r, h.logger, "set vault status", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type holdResponse struct {
	LockID string       `json:"lockId"`
	Vault  domain.Vault `json:"vault"`
}

// Hold escrows value under a lock not tied to any market.
// POST /api/vaults/{id}/holds
func (h *VaultHandler) Hold(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.Reason(err))
		return
	}
	v, lockID, err := h.vaults.HoldValue(r.Context(), pathParam(r, "id"), req.Amount, req.Note)
	if err != nil {
		writeDomainError(w, r, h.logger, "hold", err)
		return
	}
	writeJSON(w, http.StatusCreated, holdResponse{LockID: lockID, Vault: v})
}

// ReleaseLock returns a held amount to spendable.
// DELETE /api/vaults/{id}/locks/{lockId}
func (h *VaultHandler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	v, err := h.vaults.ReleaseLock(r.Context(), pathParam(r, "id"), pathParam(r, "lockId"))
	if err != nil {
		writeDomainError(w, r, h.logger, "release lock", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type activeRequest struct {
	VaultID string `json:"vaultId"`
}

// GetActive returns the active vault.
// GET /api/vaults/active
func (h *VaultHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	id := h.vaults.ActiveVault()
	if id == "" {
		writeError(w, http.StatusNotFound, "no active vault")
		return
	}
	h.getByID(w, r, id)
}

// SetActive selects the active vault.
// PUT /api/vaults/active
func (h *VaultHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.Reason(err))
		return
	}
	if err := h.vaults.SetActiveVault(req.VaultID); err != nil {
		writeDomainError(w, r, h.logger, "set active vault", err)
		return
	}
	h.getByID(w, r, req.VaultID)
}

func (h *VaultHandler) getByID(w http.ResponseWriter, r *http.Request, id string) {
	v, err := h.vaults.Vault(id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get vault", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
