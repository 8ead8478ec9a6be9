package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediaforge/backend/internal/models"
)

const userColumns = `id, external_id, email, display_name, is_admin, plan, credit_balance, deleted_at, created_at, updated_at`

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.DisplayName, &u.IsAdmin, &u.Plan, &u.CreditBalance, &u.DeletedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *UserRepo) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID))
}

// UpsertTx inserts the user keyed by external_id or refreshes email/display name of
// an existing row. Admin is only ever granted, never revoked, here. created reports
// whether a new row was inserted.
func (r *UserRepo) UpsertTx(ctx context.Context, tx pgx.Tx, u *models.User) (created bool, err error) {
	err = tx.QueryRow(ctx, `
		INSERT INTO users (id, external_id, email, display_name, is_admin, plan, credit_balance)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		ON CONFLICT (external_id) DO UPDATE
			SET email = EXCLUDED.email,
			    is_admin = users.is_admin OR EXCLUDED.is_admin,
			    display_name = CASE WHEN EXCLUDED.display_name = '' THEN users.display_name ELSE EXCLUDED.display_name END,
			    updated_at = now()
		RETURNING `+userColumns+`, (xmax = 0) AS inserted
	`, u.ID, u.ExternalID, u.Email, u.DisplayName, u.IsAdmin, u.Plan).Scan(
		&u.ID, &u.ExternalID, &u.Email, &u.DisplayName, &u.IsAdmin, &u.Plan, &u.CreditBalance, &u.DeletedAt, &u.CreatedAt, &u.UpdatedAt, &created)
	return created, err
}

// BalanceTx reads the current balance inside the given transaction.
func (r *UserRepo) BalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (int, error) {
	var balance int
	err := tx.QueryRow(ctx, `SELECT credit_balance FROM users WHERE id = $1`, id).Scan(&balance)
	return balance, err
}

// ActiveBalanceTx reads the balance of a user that is not soft-deleted. A
// deleted user reads as pgx.ErrNoRows.
func (r *UserRepo) ActiveBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (int, error) {
	var balance int
	err := tx.QueryRow(ctx, `SELECT credit_balance FROM users WHERE id = $1 AND deleted_at IS NULL`, id).Scan(&balance)
	return balance, err
}

// DeductCredits atomically deducts amount if balance >= amount and the user is not
// soft-deleted. Returns pgx.ErrNoRows when the condition does not hold.
func (r *UserRepo) DeductCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE users SET credit_balance = credit_balance - $1, updated_at = now()
		WHERE id = $2 AND credit_balance >= $1 AND deleted_at IS NULL
		RETURNING credit_balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}

// AddCredits adds amount to the user and returns the new balance.
func (r *UserRepo) AddCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE users SET credit_balance = credit_balance + $1, updated_at = now()
		WHERE id = $2
		RETURNING credit_balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}

// SoftDelete flags the user as deleted. Rows are never removed.
func (r *UserRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	return err
}
