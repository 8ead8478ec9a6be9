package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/mediaforge/backend/internal/assets"
	"github.com/mediaforge/backend/internal/auth"
	"github.com/mediaforge/backend/internal/catalog"
	"github.com/mediaforge/backend/internal/config"
	"github.com/mediaforge/backend/internal/database"
	"github.com/mediaforge/backend/internal/events"
	"github.com/mediaforge/backend/internal/execution"
	"github.com/mediaforge/backend/internal/history"
	"github.com/mediaforge/backend/internal/ledger"
	"github.com/mediaforge/backend/internal/orchestrator"
	"github.com/mediaforge/backend/internal/provider"
	"github.com/mediaforge/backend/internal/repository"
	"github.com/mediaforge/backend/internal/services"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool      *pgxpool.Pool
	bus       events.Bus
	catalog   *catalog.Catalog
	validator *services.Validator
	registry  *provider.Registry
	store     *assets.FileStore

	users *repository.UserRepo
	jobs  *repository.JobRepo

	ledger  *ledger.Service
	history *history.Service
	orch    *orchestrator.Orchestrator
	auth    *auth.Service
	river   *river.Client[pgx.Tx]
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	pool, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, pool: pool}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg, logger := a.cfg, a.logger

	a.catalog = catalog.Default()
	if cfg.ModulesFile != "" {
		cat, err := catalog.Load(cfg.ModulesFile)
		if err != nil {
			return err
		}
		a.catalog = cat
	}

	schemas := services.DefaultSchemas()
	if st, err := os.Stat(cfg.SchemaDir); err == nil && st.IsDir() {
		schemas = os.DirFS(cfg.SchemaDir)
	}
	validator, err := services.NewValidator(schemas)
	if err != nil {
		return fmt.Errorf("load params schemas: %w", err)
	}
	a.validator = validator

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		return err
	}
	a.registry, err = provider.NewRegistryFromCatalog(a.catalog.List(), adapters)
	if err != nil {
		return err
	}

	a.store, err = assets.NewFileStore(cfg.AssetDir, cfg.AssetBaseURL)
	if err != nil {
		return err
	}

	if cfg.RedisURL != "" {
		bus, err := events.NewRedisBus(cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		a.bus = bus
	} else {
		logger.Warn("REDIS_URL not set; job events are only delivered within this process")
		a.bus = events.NewMemoryBus()
	}

	a.users = repository.NewUserRepo(a.pool)
	a.jobs = repository.NewJobRepo(a.pool)
	entries := repository.NewCreditRepo(a.pool)

	scheduler := execution.NewScheduler()

	a.ledger = ledger.NewService(a.pool, a.users, entries, a.jobs, logger)
	a.ledger.EnqueueTx = scheduler.EnqueueTx

	a.history = history.NewService(a.pool, repository.NewGenerationRepo(a.pool), repository.NewDeletionRepo(a.pool), a.store, logger)

	a.orch = orchestrator.New(orchestrator.Deps{
		Jobs:           a.jobs,
		Ledger:         a.ledger,
		Adapters:       a.registry,
		Catalog:        a.catalog,
		History:        a.history,
		Assets:         a.store,
		Fetcher:        assets.NewFetcher(&http.Client{Timeout: 5 * time.Minute}),
		Events:         a.bus,
		Scheduler:      scheduler,
		Logger:         logger,
		WebhookBaseURL: cfg.PublicBaseURL,
	})

	workers := river.NewWorkers()
	execution.Register(workers, a.orch, a.history)
	a.river, err = river.NewClient(riverpgxv5.New(a.pool), &river.Config{
		Queues:       execution.Queues(cfg.RiverWorkers),
		Workers:      workers,
		PeriodicJobs: execution.PeriodicJobs(cfg.SweepInterval),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	scheduler.Bind(a.river)

	a.auth, err = auth.NewService(a.pool, a.users, a.ledger, auth.Options{
		Secret:        cfg.JWTSecret,
		Issuer:        cfg.JWTIssuer,
		SignupCredits: cfg.SignupCredits,
		Logger:        logger,
	})
	return err
}

// buildAdapters returns the provider adapters by name. Unconfigured upstreams
// fall back to the in-process mock so development works offline.
func buildAdapters(cfg *config.Config, logger *slog.Logger) (map[string]provider.Adapter, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	adapters := make(map[string]provider.Adapter, 2)

	if cfg.ProviderBaseURL != "" {
		q, err := provider.NewQueueAdapter(provider.QueueOptions{
			Name:       "queue",
			BaseURL:    cfg.ProviderBaseURL,
			APIKey:     cfg.ProviderAPIKey,
			HTTPClient: client,
		})
		if err != nil {
			return nil, err
		}
		adapters["queue"] = q
	} else {
		if cfg.Production() {
			return nil, fmt.Errorf("PROVIDER_BASE_URL is required when APP_ENV=production")
		}
		logger.Warn("PROVIDER_BASE_URL not set; using mock media provider")
		adapters["queue"] = provider.NewMockAdapter("queue")
	}

	if cfg.OpenAIAPIKey != "" {
		c, err := provider.NewChatAdapter(provider.ChatOptions{
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.OpenAIModel,
			BaseURL:    cfg.OpenAIBaseURL,
			HTTPClient: client,
		})
		if err != nil {
			return nil, err
		}
		adapters["openai"] = c
	} else {
		logger.Warn("OPENAI_API_KEY not set; using mock chat provider")
		mock := provider.NewMockAdapter("openai")
		mock.Text = "This is a mock chat response."
		adapters["openai"] = mock
	}
	return adapters, nil
}

func (a *app) Close() {
	if closer, ok := a.bus.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("close event bus", "error", err)
		}
	}
	a.pool.Close()
}
