package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mediaforge/backend/internal/assets"
	"github.com/mediaforge/backend/internal/auth"
	"github.com/mediaforge/backend/internal/database"
	"github.com/mediaforge/backend/internal/handlers"
	"github.com/mediaforge/backend/internal/middleware"
	"github.com/mediaforge/backend/internal/router"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background workers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	logger.Info("Connected to PostgreSQL database")

	if err := database.Migrate(ctx, a.pool, logger); err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.JobRatePerMinute, cfg.JobRateBurst)
	errs := handlers.Errors{Logger: logger, Debug: cfg.Debug}
	health := map[string]handlers.Pinger{"database": a.pool}
	if p, ok := a.bus.(handlers.Pinger); ok {
		health["redis"] = p
	}

	api := router.New(router.Handlers{
		Auth: auth.NewHandler(a.users, logger),
		Jobs: &handlers.JobHandler{
			Ledger:    a.ledger,
			Jobs:      a.jobs,
			Control:   a.orch,
			Catalog:   a.catalog,
			Validator: a.validator,
			Errors:    errs,
		},
		Events:  &handlers.EventsHandler{Jobs: a.jobs, Events: a.bus, Errors: errs},
		Account: &handlers.AccountHandler{Ledger: a.ledger, History: a.history, Users: a.users, Errors: errs},
		Webhooks: &handlers.WebhookHandler{
			Secret:    []byte(cfg.WebhookSecret),
			Providers: a.registry,
			Receiver:  a.orch,
			Errors:    errs,
		},
		Catalog: a.catalog,
		Health:  health,
		Assets:  assets.FileServer(a.store.Root()),
	}, router.Options{Authenticator: a.auth, JobLimiter: limiter, Logger: logger})

	corsHandler := withCORS(api, cfg.CORSOrigins)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// River stops on its own schedule below, not when gctx ends.
		if err := a.river.Start(context.WithoutCancel(gctx)); err != nil {
			return err
		}
		logger.Info("River client started")
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.river.Stop(stopCtx)
	})
	g.Go(func() error {
		limiter.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		logger.Info("Starting HTTP server", "addr", srv.Addr, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// withCORS admits browser calls from origins for every method the router serves.
func withCORS(h http.Handler, origins []string) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}).Handler(h)
}
