package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediaforge/backend/internal/models"
)

const generationColumns = `id, user_id, job_id, type, preview_url, final_urls, size_bytes, created_at`

type GenerationRepo struct {
	pool *pgxpool.Pool
}

func NewGenerationRepo(pool *pgxpool.Pool) *GenerationRepo {
	return &GenerationRepo{pool: pool}
}

func scanGenerations(rows pgx.Rows) ([]*models.Generation, error) {
	defer rows.Close()
	var list []*models.Generation
	for rows.Next() {
		var g models.Generation
		if err := rows.Scan(&g.ID, &g.UserID, &g.JobID, &g.Type, &g.PreviewURL, &g.FinalURLs, &g.SizeBytes, &g.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &g)
	}
	return list, rows.Err()
}

// LockUserTx serialises history writes for one user until the transaction ends.
func (r *GenerationRepo) LockUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "generations:"+userID.String())
	return err
}

// InsertTx adds a generation; a second insert for the same job is ignored.
func (r *GenerationRepo) InsertTx(ctx context.Context, tx pgx.Tx, g *models.Generation) (bool, error) {
	if g.FinalURLs == nil {
		g.FinalURLs = []string{}
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO generations (id, user_id, job_id, type, preview_url, final_urls, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO NOTHING
	`, g.ID, g.UserID, g.JobID, string(g.Type), g.PreviewURL, g.FinalURLs, g.SizeBytes)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// EvictBeyondTx deletes every generation of the user past the newest keep rows
// and returns the deleted rows.
func (r *GenerationRepo) EvictBeyondTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, keep int) ([]*models.Generation, error) {
	rows, err := tx.Query(ctx, `
		DELETE FROM generations WHERE id IN (
			SELECT id FROM generations WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			OFFSET $2
		)
		RETURNING `+generationColumns, userID, keep)
	if err != nil {
		return nil, err
	}
	return scanGenerations(rows)
}

func (r *GenerationRepo) ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.Generation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+generationColumns+` FROM generations WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	return scanGenerations(rows)
}
