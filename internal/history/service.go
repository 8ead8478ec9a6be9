// Package history keeps each user's most recent generations and cleans up the
// assets of evicted ones.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mediaforge/backend/internal/assets"
	"github.com/mediaforge/backend/internal/models"
)

const (
	// MaxDeletionAttempts bounds asset cleanup; the entry is dropped after this many failures.
	MaxDeletionAttempts = 5
	sweepBatch          = 50
)

var deletionBackoff = []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute, 15 * time.Minute}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type GenerationRepo interface {
	LockUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	InsertTx(ctx context.Context, tx pgx.Tx, g *models.Generation) (bool, error)
	EvictBeyondTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, keep int) ([]*models.Generation, error)
	ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.Generation, error)
}

type DeletionRepo interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, e *models.DeletionQueueEntry) (bool, error)
	ClaimDueTx(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]*models.DeletionQueueEntry, error)
	DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	RescheduleTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, retryCount int, next time.Time, lastErr string) error
}

type Service struct {
	Pool        TxBeginner
	Generations GenerationRepo
	Deletions   DeletionRepo
	Assets      assets.Store
	Window      int
	Logger      *slog.Logger

	now func() time.Time
}

func NewService(pool TxBeginner, gens GenerationRepo, dels DeletionRepo, store assets.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Pool:        pool,
		Generations: gens,
		Deletions:   dels,
		Assets:      store,
		Window:      models.HistoryWindow,
		Logger:      logger,
		now:         time.Now,
	}
}

// Record appends the completed job to its owner's history and queues every
// generation beyond the window for deletion, all in one transaction. Recording
// the same job twice is a no-op.
func (s *Service) Record(ctx context.Context, job *models.Job, sizeBytes int64) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.Generations.LockUserTx(ctx, tx, job.UserID); err != nil {
		return fmt.Errorf("lock user history: %w", err)
	}
	gen := &models.Generation{
		ID:         uuid.New(),
		UserID:     job.UserID,
		JobID:      job.ID,
		Type:       job.Module,
		PreviewURL: job.PreviewURL,
		FinalURLs:  job.FinalURLs,
		SizeBytes:  sizeBytes,
	}
	inserted, err := s.Generations.InsertTx(ctx, tx, gen)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	if !inserted {
		return nil
	}

	evicted, err := s.Generations.EvictBeyondTx(ctx, tx, job.UserID, s.Window)
	if err != nil {
		return fmt.Errorf("evict generations: %w", err)
	}
	now := s.now()
	for _, g := range evicted {
		urls := append([]string{}, g.FinalURLs...)
		if g.PreviewURL != nil && *g.PreviewURL != "" {
			urls = append(urls, *g.PreviewURL)
		}
		if _, err := s.Deletions.EnqueueTx(ctx, tx, &models.DeletionQueueEntry{
			ID:            uuid.New(),
			GenerationID:  g.ID,
			UserID:        g.UserID,
			AssetURLs:     urls,
			NextAttemptAt: now,
		}); err != nil {
			return fmt.Errorf("enqueue deletion: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if len(evicted) > 0 {
		s.Logger.Info("history evicted", "user_id", job.UserID, "count", len(evicted))
	}
	return nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]*models.Generation, error) {
	return s.Generations.ListByUserID(ctx, userID)
}

// SweepResult summarises one deletion sweep.
type SweepResult struct {
	Deleted     int
	Rescheduled int
	Dropped     int
}

// SweepDeletions removes the assets of due deletion-queue entries. Rows are
// claimed with SKIP LOCKED, so concurrent sweepers never process the same entry.
func (s *Service) SweepDeletions(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	due, err := s.Deletions.ClaimDueTx(ctx, tx, now, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("claim deletions: %w", err)
	}
	for _, e := range due {
		delErr := s.deleteAssets(ctx, e)
		if delErr == nil {
			if err := s.Deletions.DeleteTx(ctx, tx, e.ID); err != nil {
				return res, fmt.Errorf("remove deletion entry: %w", err)
			}
			res.Deleted++
			continue
		}

		attempts := e.RetryCount + 1
		if attempts >= MaxDeletionAttempts {
			s.Logger.Error("giving up on asset deletion",
				"generation_id", e.GenerationID, "user_id", e.UserID, "attempts", attempts, "error", delErr)
			if err := s.Deletions.DeleteTx(ctx, tx, e.ID); err != nil {
				return res, fmt.Errorf("remove deletion entry: %w", err)
			}
			res.Dropped++
			continue
		}
		next := now.Add(deletionBackoff[min(attempts-1, len(deletionBackoff)-1)])
		if err := s.Deletions.RescheduleTx(ctx, tx, e.ID, attempts, next, delErr.Error()); err != nil {
			return res, fmt.Errorf("reschedule deletion: %w", err)
		}
		s.Logger.Warn("asset deletion failed, rescheduled",
			"generation_id", e.GenerationID, "attempts", attempts, "next_attempt_at", next, "error", delErr)
		res.Rescheduled++
	}

	if err := tx.Commit(ctx); err != nil {
		return SweepResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// deleteAssets removes every asset the store owns. URLs it does not own (provider
// fallbacks) are left alone.
func (s *Service) deleteAssets(ctx context.Context, e *models.DeletionQueueEntry) error {
	var errs []error
	for _, u := range e.AssetURLs {
		key, ok := s.Assets.KeyForURL(u)
		if !ok {
			continue
		}
		if err := s.Assets.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
