package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mediaforge/backend/internal/auth"
	"github.com/mediaforge/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubAuthenticator struct {
	user *models.User
	err  error
	got  string
}

func (s *stubAuthenticator) Authenticate(_ context.Context, token string) (*models.User, error) {
	s.got = token
	return s.user, s.err
}

// okHandler writes 200 and the user email (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if u := auth.UserFromCtx(r.Context()); u != nil {
		w.Write([]byte(u.Email))
	}
})

func withUser(r *http.Request, u *models.User) *http.Request {
	return r.WithContext(auth.WithUser(r.Context(), u))
}

// ---------------------------------------------------------------------------
// RequireUser / RequireAdmin
// ---------------------------------------------------------------------------

func TestRequireUser(t *testing.T) {
	user := &models.User{ID: uuid.New(), Email: "a@example.com"}
	tests := []struct {
		name   string
		header string
		stub   *stubAuthenticator
		want   int
	}{
		{"valid", "Bearer tok-1", &stubAuthenticator{user: user}, http.StatusOK},
		{"lowercase scheme", "bearer tok-1", &stubAuthenticator{user: user}, http.StatusOK},
		{"missing header", "", &stubAuthenticator{user: user}, http.StatusUnauthorized},
		{"basic auth", "Basic abc", &stubAuthenticator{user: user}, http.StatusUnauthorized},
		{"invalid token", "Bearer bad", &stubAuthenticator{err: auth.ErrInvalidToken}, http.StatusUnauthorized},
		{"deleted", "Bearer tok-1", &stubAuthenticator{err: auth.ErrUserDeleted}, http.StatusForbidden},
		{"store down", "Bearer tok-1", &stubAuthenticator{err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			RequireUser(tt.stub, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(okHandler).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusOK {
				if rec.Body.String() != user.Email {
					t.Errorf("user not in context, body %q", rec.Body.String())
				}
				if tt.stub.got != "tok-1" {
					t.Errorf("token passed = %q", tt.stub.got)
				}
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	h := RequireAdmin(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no user: expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withUser(httptest.NewRequest(http.MethodPost, "/", nil), &models.User{ID: uuid.New()}))
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-admin: expected 403, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withUser(httptest.NewRequest(http.MethodPost, "/", nil), &models.User{ID: uuid.New(), IsAdmin: true}))
	if rec.Code != http.StatusOK {
		t.Errorf("admin: expected 200, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// RateLimiter
// ---------------------------------------------------------------------------

func TestRateLimiter_PerUser(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }
	h := rl.Middleware(okHandler)

	alice := &models.User{ID: uuid.New()}
	bob := &models.User{ID: uuid.New()}
	do := func(u *models.User) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withUser(httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil), u))
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do(alice); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := do(alice)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
	if rec := do(bob); rec.Code != http.StatusOK {
		t.Fatalf("other user should not be limited, got %d", rec.Code)
	}

	clock = clock.Add(time.Second)
	if rec := do(alice); rec.Code != http.StatusOK {
		t.Fatalf("token should refill after a second, got %d", rec.Code)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }
	rl.get(uuid.New())
	clock = clock.Add(limiterIdleTTL + time.Second)
	rl.get(uuid.New())
	rl.Cleanup()
	if len(rl.limiters) != 1 {
		t.Fatalf("expected idle limiter dropped, %d left", len(rl.limiters))
	}
}

// ---------------------------------------------------------------------------
// RequestLogger
// ---------------------------------------------------------------------------

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	h := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	out := buf.String()
	if !strings.Contains(out, "status=418") || !strings.Contains(out, "path=/healthz") {
		t.Fatalf("unexpected log line %q", out)
	}
}
