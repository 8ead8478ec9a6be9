package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediaforge/backend/internal/models"
)

type DeletionRepo struct {
	pool *pgxpool.Pool
}

func NewDeletionRepo(pool *pgxpool.Pool) *DeletionRepo {
	return &DeletionRepo{pool: pool}
}

// EnqueueTx queues a generation for cleanup. A generation is queued at most once.
func (r *DeletionRepo) EnqueueTx(ctx context.Context, tx pgx.Tx, e *models.DeletionQueueEntry) (bool, error) {
	if e.AssetURLs == nil {
		e.AssetURLs = []string{}
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO deletion_queue (id, generation_id, user_id, asset_urls, retry_count, next_attempt_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (generation_id) DO NOTHING
	`, e.ID, e.GenerationID, e.UserID, e.AssetURLs, e.NextAttemptAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimDueTx locks up to limit entries whose next attempt is due. Rows locked by
// another sweeper are skipped.
func (r *DeletionRepo) ClaimDueTx(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]*models.DeletionQueueEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, generation_id, user_id, asset_urls, retry_count, next_attempt_at, last_error, created_at
		FROM deletion_queue
		WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.DeletionQueueEntry
	for rows.Next() {
		var e models.DeletionQueueEntry
		if err := rows.Scan(&e.ID, &e.GenerationID, &e.UserID, &e.AssetURLs, &e.RetryCount, &e.NextAttemptAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

func (r *DeletionRepo) DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM deletion_queue WHERE id = $1`, id)
	return err
}

func (r *DeletionRepo) RescheduleTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, retryCount int, next time.Time, lastErr string) error {
	_, err := tx.Exec(ctx, `
		UPDATE deletion_queue SET retry_count = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1
	`, id, retryCount, next, lastErr)
	return err
}
