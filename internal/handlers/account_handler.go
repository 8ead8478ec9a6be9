package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/mediaforge/backend/internal/auth"
	"github.com/mediaforge/backend/internal/ledger"
	"github.com/mediaforge/backend/internal/models"
)

type LedgerAccess interface {
	ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	Credit(ctx context.Context, req ledger.CreditRequest) (int, error)
}

type HistoryReader interface {
	List(ctx context.Context, userID uuid.UUID) ([]*models.Generation, error)
}

type UserRemover interface {
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// AccountHandler serves the user's ledger and history, plus admin grants.
type AccountHandler struct {
	Ledger  LedgerAccess
	History HistoryReader
	Users   UserRemover
	Errors
}

// LedgerEntries handles GET /api/v1/me/ledger.
func (h *AccountHandler) LedgerEntries(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromCtx(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	entries, err := h.Ledger.ListEntries(r.Context(), user.ID, queryLimit(r, 100, 500))
	if err != nil {
		h.internal(w, r, "failed to list ledger", err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Generations handles GET /api/v1/me/generations.
func (h *AccountHandler) Generations(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromCtx(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	gens, err := h.History.List(r.Context(), user.ID)
	if err != nil {
		h.internal(w, r, "failed to list generations", err)
		return
	}
	if gens == nil {
		gens = []*models.Generation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": gens})
}

type grantRequest struct {
	Amount int    `json:"amount"`
	Note   string `json:"note"`
}

// GrantCredits handles POST /api/v1/admin/users/{id}/credits.
func (h *AccountHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	admin := auth.UserFromCtx(r.Context())
	if admin == nil || !admin.IsAdmin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	userID, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "amount must be positive")
		return
	}

	balance, err := h.Ledger.Credit(r.Context(), ledger.CreditRequest{
		UserID:  userID,
		Amount:  req.Amount,
		Reason:  models.ReasonAdminGift,
		AdminID: &admin.ID,
		Note:    req.Note,
	})
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusUnprocessableEntity, "amount must be positive")
		return
	case err != nil:
		h.internal(w, r, "failed to grant credits", err)
		return
	}
	h.log().Info("credits granted", "user_id", userID, "admin_id", admin.ID, "amount", req.Amount)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

// DeleteUser handles DELETE /api/v1/admin/users/{id}. The row stays; the
// user can no longer authenticate.
func (h *AccountHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	admin := auth.UserFromCtx(r.Context())
	if admin == nil || !admin.IsAdmin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	userID, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if userID == admin.ID {
		writeError(w, http.StatusConflict, "cannot delete yourself")
		return
	}
	if err := h.Users.SoftDelete(r.Context(), userID); err != nil {
		h.internal(w, r, "failed to delete user", err)
		return
	}
	h.log().Info("user deleted", "user_id", userID, "admin_id", admin.ID)
	w.WriteHeader(http.StatusNoContent)
}
