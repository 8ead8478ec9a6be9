package router

import (
	"log/slog"
	"net/http"

	"github.com/mediaforge/backend/internal/auth"
	"github.com/mediaforge/backend/internal/handlers"
	"github.com/mediaforge/backend/internal/middleware"
)

// Handlers is everything the route table mounts. Assets may be nil.
type Handlers struct {
	Auth     *auth.Handler
	Jobs     *handlers.JobHandler
	Events   *handlers.EventsHandler
	Account  *handlers.AccountHandler
	Webhooks *handlers.WebhookHandler
	Catalog  handlers.Catalog
	Health   map[string]handlers.Pinger
	Assets   http.Handler
}

type Options struct {
	Authenticator middleware.Authenticator
	// JobLimiter throttles job creation per user. Nil disables it.
	JobLimiter *middleware.RateLimiter
	Logger     *slog.Logger
}

// New returns an http.Handler that serves the API under /api/v1, provider
// webhooks under /webhooks and stored assets under /assets.
func New(h Handlers, opts Options) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	user := middleware.RequireUser(opts.Authenticator, opts.Logger)
	authed := func(fn http.HandlerFunc) http.Handler { return user(fn) }
	limited := func(fn http.HandlerFunc) http.Handler {
		if opts.JobLimiter == nil {
			return user(fn)
		}
		return user(opts.JobLimiter.Middleware(fn))
	}
	admin := func(fn http.HandlerFunc) http.Handler { return user(middleware.RequireAdmin(fn)) }

	mux.Handle("GET /healthz", handlers.Health(h.Health))
	mux.Handle("GET "+base+"/modules", handlers.Modules(h.Catalog))
	mux.HandleFunc("POST /webhooks/{provider}/{jobId}", h.Webhooks.Handle)
	if h.Assets != nil {
		mux.Handle("GET /assets/", http.StripPrefix("/assets/", h.Assets))
	}

	mux.Handle("GET "+base+"/me", authed(h.Auth.Me))
	mux.Handle("GET "+base+"/me/ledger", authed(h.Account.LedgerEntries))
	mux.Handle("GET "+base+"/me/generations", authed(h.Account.Generations))

	mux.Handle("POST "+base+"/jobs", limited(h.Jobs.Create))
	mux.Handle("GET "+base+"/jobs", authed(h.Jobs.List))
	mux.Handle("GET "+base+"/jobs/{id}", authed(h.Jobs.Get))
	mux.Handle("GET "+base+"/jobs/{id}/events", authed(h.Events.Stream))
	mux.Handle("POST "+base+"/jobs/{id}/cancel", authed(h.Jobs.Cancel))
	mux.Handle("POST "+base+"/jobs/{id}/retry", limited(h.Jobs.Retry))

	mux.Handle("POST "+base+"/admin/users/{id}/credits", admin(h.Account.GrantCredits))
	mux.Handle("DELETE "+base+"/admin/users/{id}", admin(h.Account.DeleteUser))

	return middleware.RequestLogger(opts.Logger)(mux)
}
