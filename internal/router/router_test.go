package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/mediaforge/backend/internal/assets"
	"github.com/mediaforge/backend/internal/auth"
	"github.com/mediaforge/backend/internal/catalog"
	"github.com/mediaforge/backend/internal/handlers"
	"github.com/mediaforge/backend/internal/middleware"
	"github.com/mediaforge/backend/internal/models"
)

type fakeAuth struct{ users map[string]*models.User }

func (f fakeAuth) Authenticate(_ context.Context, token string) (*models.User, error) {
	u, ok := f.users[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return u, nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func newTestRouter(limiter *middleware.RateLimiter) http.Handler {
	return newTestRouterWithAssets(limiter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, r.URL.Path) }))
}

func newTestRouterWithAssets(limiter *middleware.RateLimiter, assetsHandler http.Handler) http.Handler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := map[string]*models.User{
		"user-token":  {ID: uuid.New(), Email: "u@example.com"},
		"admin-token": {ID: uuid.New(), Email: "a@example.com", IsAdmin: true},
	}
	errs := handlers.Errors{Logger: log}
	return New(Handlers{
		Auth:     auth.NewHandler(nil, log),
		Jobs:     &handlers.JobHandler{Catalog: catalog.Default(), Errors: errs},
		Events:   &handlers.EventsHandler{Errors: errs},
		Account:  &handlers.AccountHandler{Errors: errs},
		Webhooks: &handlers.WebhookHandler{Secret: []byte("s"), Errors: errs},
		Catalog:  catalog.Default(),
		Health:   map[string]handlers.Pinger{"db": okPinger{}},
		Assets:   assetsHandler,
	}, Options{Authenticator: fakeAuth{users: users}, JobLimiter: limiter, Logger: log})
}

func do(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_PublicEndpoints(t *testing.T) {
	h := newTestRouter(nil)

	if rec := do(h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/api/v1/modules", "", ""); rec.Code != http.StatusOK {
		t.Errorf("modules = %d", rec.Code)
	}
	rec := do(h, http.MethodGet, "/assets/u/j/0.png", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "u/j/0.png" {
		t.Errorf("assets = %d %q", rec.Code, rec.Body.String())
	}
	// Webhooks authenticate by signature, not bearer token.
	if rec := do(h, http.MethodPost, "/webhooks/queue/"+uuid.NewString(), "", `{}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("unsigned webhook = %d, want 401", rec.Code)
	}
}

func TestRoutes_RequireBearer(t *testing.T) {
	h := newTestRouter(nil)
	paths := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/me"},
		{http.MethodGet, "/api/v1/me/ledger"},
		{http.MethodGet, "/api/v1/me/generations"},
		{http.MethodPost, "/api/v1/jobs"},
		{http.MethodGet, "/api/v1/jobs"},
		{http.MethodGet, "/api/v1/jobs/" + uuid.NewString()},
		{http.MethodGet, "/api/v1/jobs/" + uuid.NewString() + "/events"},
		{http.MethodPost, "/api/v1/jobs/" + uuid.NewString() + "/cancel"},
		{http.MethodPost, "/api/v1/jobs/" + uuid.NewString() + "/retry"},
		{http.MethodPost, "/api/v1/admin/users/" + uuid.NewString() + "/credits"},
		{http.MethodDelete, "/api/v1/admin/users/" + uuid.NewString()},
	}
	for _, p := range paths {
		if rec := do(h, p.method, p.path, "", ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d, want 401", p.method, p.path, rec.Code)
		}
		if rec := do(h, p.method, p.path, "forged", ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s with bad token = %d, want 401", p.method, p.path, rec.Code)
		}
	}
}

func TestRoutes_AdminOnly(t *testing.T) {
	h := newTestRouter(nil)
	path := "/api/v1/admin/users/" + uuid.NewString() + "/credits"

	if rec := do(h, http.MethodPost, path, "user-token", `{"amount":5}`); rec.Code != http.StatusForbidden {
		t.Errorf("non-admin = %d, want 403", rec.Code)
	}
	// Admin passes the gate; the handler then rejects the amount.
	if rec := do(h, http.MethodPost, path, "admin-token", `{"amount":0}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("admin = %d, want 422", rec.Code)
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	h := newTestRouter(nil)
	if rec := do(h, http.MethodDelete, "/api/v1/jobs", "user-token", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /jobs = %d, want 405", rec.Code)
	}
}

func TestRoutes_JobCreationRateLimited(t *testing.T) {
	h := newTestRouter(middleware.NewRateLimiter(60, 1))

	// Malformed bodies are rejected by the handler after the limiter admits them.
	if rec := do(h, http.MethodPost, "/api/v1/jobs", "user-token", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("first = %d, want 400", rec.Code)
	}
	rec := do(h, http.MethodPost, "/api/v1/jobs", "user-token", `{`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	// Reads are not limited.
	if rec := do(h, http.MethodGet, "/api/v1/jobs/not-a-uuid", "user-token", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("get = %d, want 400", rec.Code)
	}
}

func TestRoutes_AssetsDoNotListDirectories(t *testing.T) {
	root := t.TempDir()
	userID, jobID := uuid.New(), uuid.New()
	key := assets.JobKey(userID, jobID, 0, ".png")
	if err := os.MkdirAll(filepath.Join(root, filepath.Dir(key)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, key), []byte("PNGDATA"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newTestRouterWithAssets(nil, assets.FileServer(root))

	rec := do(h, http.MethodGet, "/assets/"+key, "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "PNGDATA" {
		t.Fatalf("asset = %d %q", rec.Code, rec.Body.String())
	}
	for _, dir := range []string{
		"/assets/",
		"/assets/users/",
		"/assets/users",
		"/assets/users/" + userID.String() + "/jobs/",
		"/assets/users/" + userID.String() + "/jobs/" + jobID.String(),
	} {
		rec := do(h, http.MethodGet, dir, "", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s = %d, want 404", dir, rec.Code)
		}
		if strings.Contains(rec.Body.String(), userID.String()) || strings.Contains(rec.Body.String(), jobID.String()) {
			t.Errorf("%s leaked ids: %q", dir, rec.Body.String())
		}
	}
}
