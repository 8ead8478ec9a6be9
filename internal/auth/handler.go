package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mediaforge/backend/internal/models"
)

type contextKey string

const ctxUserKey contextKey = "user"

// ProfileResponse is the authenticated user's own view of their account.
type ProfileResponse struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Plan        string    `json:"plan"`
	IsAdmin     bool      `json:"is_admin"`
	Balance     int       `json:"balance"`
	CreatedAt   time.Time `json:"created_at"`
}

type Handler struct {
	users BalanceReader
	log   *slog.Logger
}

// BalanceReader re-reads the user so the profile shows a current balance.
type BalanceReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

func NewHandler(users BalanceReader, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{users: users, log: log}
}

// Me handles GET /api/v1/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u := UserFromCtx(r.Context())
	if u == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	fresh, err := h.users.GetByID(r.Context(), u.ID)
	if err != nil {
		h.log.Error("load profile failed", "user_id", u.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load profile"})
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{
		ID:          fresh.ID,
		Email:       fresh.Email,
		DisplayName: fresh.DisplayName,
		Plan:        fresh.Plan,
		IsAdmin:     fresh.IsAdmin,
		Balance:     fresh.CreditBalance,
		CreatedAt:   fresh.CreatedAt,
	})
}

// UserFromCtx returns the authenticated user or nil.
func UserFromCtx(ctx context.Context) *models.User {
	u, _ := ctx.Value(ctxUserKey).(*models.User)
	return u
}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, ctxUserKey, u)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
