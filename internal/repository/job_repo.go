package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediaforge/backend/internal/models"
)

const jobColumns = `id, idempotency_key, user_id, module, params, cost, status, preview_url, final_urls, output_text,
	provider, provider_request_id, model, retry_count, max_retries, poll_attempts, error_message, deadline_at, next_attempt_at,
	queued_at, processing_started_at, preview_ready_at, completed_at, failed_at, cancelled_at, timed_out_at, created_at, updated_at`

// JobRepo is the durable job store. Every status change is a conditional update
// on the current status so terminal rows never regress.
type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.IdempotencyKey, &j.UserID, &j.Module, &j.Params, &j.Cost, &j.Status, &j.PreviewURL, &j.FinalURLs, &j.OutputText,
		&j.Provider, &j.ProviderRequestID, &j.Model, &j.RetryCount, &j.MaxRetries, &j.PollAttempts, &j.ErrorMessage, &j.DeadlineAt, &j.NextAttemptAt,
		&j.QueuedAt, &j.ProcessingStartedAt, &j.PreviewReadyAt, &j.CompletedAt, &j.FailedAt, &j.CancelledAt, &j.TimedOutAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// scanOptionalJob maps pgx.ErrNoRows to (nil, nil): the condition did not match.
func scanOptionalJob(row pgx.Row) (*models.Job, error) {
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// CreateTx inserts a job inside the given transaction.
func (r *JobRepo) CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	if j.FinalURLs == nil {
		j.FinalURLs = []string{}
	}
	return tx.QueryRow(ctx, `
		INSERT INTO jobs (id, idempotency_key, user_id, module, params, cost, status, final_urls, provider, model, max_retries, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		RETURNING queued_at, created_at, updated_at
	`, j.ID, j.IdempotencyKey, j.UserID, string(j.Module), j.Params, j.Cost, string(j.Status), j.FinalURLs, j.Provider, j.Model, j.MaxRetries).Scan(&j.QueuedAt, &j.CreatedAt, &j.UpdatedAt)
}

// GetByIdempotencyKeyTx returns the job with the key, or (nil, nil) if none exists.
func (r *JobRepo) GetByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (*models.Job, error) {
	return scanOptionalJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key))
}

func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// GetByIDForUpdateTx locks the job row for the rest of the transaction.
func (r *JobRepo) GetByIDForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error) {
	return scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
}

func (r *JobRepo) ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// ResetQueued re-arms a job that has never been submitted: retry counter reset, queued now.
func (r *JobRepo) ResetQueued(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET retry_count = 0, poll_attempts = 0, error_message = NULL, next_attempt_at = NULL, queued_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'queued' AND provider_request_id IS NULL
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProcessing moves queued → processing and stores the completion deadline.
func (r *JobRepo) MarkProcessing(ctx context.Context, id uuid.UUID, deadline time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'processing', deadline_at = $2, next_attempt_at = NULL,
			processing_started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'queued'
	`, id, deadline)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetProviderRequest records the provider's request id on a processing job.
func (r *JobRepo) SetProviderRequest(ctx context.Context, id uuid.UUID, provider, requestID, model string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET provider = $2, provider_request_id = $3, model = COALESCE(NULLIF($4, ''), model), updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, provider, requestID, model)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPreviewReady moves processing → preview_ready with the intermediate artifact URL.
func (r *JobRepo) MarkPreviewReady(ctx context.Context, id uuid.UUID, previewURL string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'preview_ready', preview_url = $2, preview_ready_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, previewURL)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimFinalizing moves processing|preview_ready → generating_final with a new
// deadline and returns the job, or nil if another completion path already claimed it.
func (r *JobRepo) ClaimFinalizing(ctx context.Context, id uuid.UUID, deadline time.Time) (*models.Job, error) {
	return scanOptionalJob(r.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'generating_final', deadline_at = $2, updated_at = now()
		WHERE id = $1 AND status IN ('processing', 'preview_ready')
		RETURNING `+jobColumns, id, deadline))
}

// MarkCompleted moves generating_final → completed with the durable URLs.
func (r *JobRepo) MarkCompleted(ctx context.Context, id uuid.UUID, finalURLs []string, outputText *string) (bool, error) {
	if finalURLs == nil {
		finalURLs = []string{}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'completed', final_urls = $2, output_text = $3, deadline_at = NULL,
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'generating_final'
	`, id, finalURLs, outputText)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRequeued puts an unsubmitted job back to queued for a scheduled retry.
func (r *JobRepo) MarkRequeued(ctx context.Context, id uuid.UUID, retryCount int, errMsg string, nextAttempt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'queued', retry_count = $2, error_message = $3, next_attempt_at = $4,
			deadline_at = NULL, queued_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'processing') AND provider_request_id IS NULL
	`, id, retryCount, errMsg, nextAttempt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetPollAttempts records how many polls have been made for the job.
func (r *JobRepo) SetPollAttempts(ctx context.Context, id uuid.UUID, attempts int) error {
	_, err := r.pool.Exec(ctx, `UPDATE jobs SET poll_attempts = $2, updated_at = now() WHERE id = $1`, id, attempts)
	return err
}

// TerminateTx moves the job from one of the given statuses to a terminal status and
// returns it, or nil when the job was not in any of them.
func (r *JobRepo) TerminateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from []models.JobStatus, to models.JobStatus, errMsg *string) (*models.Job, error) {
	return scanOptionalJob(tx.QueryRow(ctx, `
		UPDATE jobs SET status = $3, error_message = COALESCE($4, error_message), deadline_at = NULL, next_attempt_at = NULL,
			failed_at    = CASE WHEN $3 = 'failed'    THEN now() ELSE failed_at END,
			cancelled_at = CASE WHEN $3 = 'cancelled' THEN now() ELSE cancelled_at END,
			timed_out_at = CASE WHEN $3 = 'timeout'   THEN now() ELSE timed_out_at END,
			updated_at = now()
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+jobColumns, id, statusStrings(from), string(to), errMsg))
}

// RequeueFailedTx moves failed → queued for an explicit user retry, clearing the
// previous attempt's provider state.
func (r *JobRepo) RequeueFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error) {
	return scanOptionalJob(tx.QueryRow(ctx, `
		UPDATE jobs SET status = 'queued', retry_count = 0, poll_attempts = 0, error_message = NULL,
			provider_request_id = NULL, preview_url = NULL, preview_ready_at = NULL, processing_started_at = NULL,
			failed_at = NULL, queued_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'failed'
		RETURNING `+jobColumns, id))
}

// ListExpired returns in-flight jobs whose deadline has passed.
func (r *JobRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ANY($1) AND deadline_at IS NOT NULL AND deadline_at < $2
		ORDER BY deadline_at LIMIT $3
	`, statusStrings(models.InFlightStatuses), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// ListStalledQueued returns queued jobs whose dispatch should have run before
// the given time. A lost scheduler insert leaves a job here.
func (r *JobRepo) ListStalledQueued(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'queued' AND provider_request_id IS NULL
			AND COALESCE(next_attempt_at, queued_at, created_at) < $1
		ORDER BY COALESCE(next_attempt_at, queued_at, created_at) LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}
