// Package ledger owns every credit balance mutation. A balance change and the
// ledger entry recording it are always written in the same transaction.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mediaforge/backend/internal/models"
)

var (
	// ErrInsufficientCredits matches any *InsufficientCreditsError via errors.Is.
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUserNotFound        = errors.New("user not found")
	ErrIdempotencyConflict = errors.New("idempotency key already used by another user")
	ErrJobNotFound         = errors.New("job not found")
	ErrNotRetryable        = errors.New("job is not in a retryable state")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// InsufficientCreditsError is the expected outcome of a debit the balance cannot cover.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool { return target == ErrInsufficientCredits }

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// UserRepo is the balance side of the ledger.
type UserRepo interface {
	DeductCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error)
	AddCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error)
	BalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (int, error)
	ActiveBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (int, error)
}

// EntryRepo appends and reads ledger entries.
type EntryRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	SumByUserID(ctx context.Context, userID uuid.UUID) (int, error)
}

// JobRepo is the subset of the job store that moves together with credits.
type JobRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error
	GetByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (*models.Job, error)
	GetByIDForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error)
	TerminateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from []models.JobStatus, to models.JobStatus, errMsg *string) (*models.Job, error)
	RequeueFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error)
}

type Service struct {
	Pool    TxBeginner
	Users   UserRepo
	Entries EntryRepo
	Jobs    JobRepo
	Logger  *slog.Logger

	// EnqueueTx, when set, schedules a newly created job inside the creating
	// transaction so a committed job always has a pending dispatch.
	EnqueueTx func(ctx context.Context, tx pgx.Tx, job *models.Job) error
}

func NewService(pool TxBeginner, users UserRepo, entries EntryRepo, jobs JobRepo, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Pool: pool, Users: users, Entries: entries, Jobs: jobs, Logger: logger}
}

// DebitTx conditionally deducts amount and records the entry. Call within a transaction.
func (s *Service) DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, reason string, jobID *uuid.UUID) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	newBalance, err := s.Users.DeductCredits(ctx, tx, userID, amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, s.insufficient(ctx, tx, userID, amount)
	}
	if err != nil {
		return 0, fmt.Errorf("deduct credits: %w", err)
	}
	entry := &models.LedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		Delta:        -amount,
		BalanceAfter: newBalance,
		Reason:       reason,
		JobID:        jobID,
	}
	if err := s.Entries.CreateTx(ctx, tx, entry); err != nil {
		return 0, fmt.Errorf("insert ledger entry: %w", err)
	}
	return newBalance, nil
}

// CreditRequest describes an unconditional balance increase.
type CreditRequest struct {
	UserID  uuid.UUID
	Amount  int
	Reason  string
	JobID   *uuid.UUID
	AdminID *uuid.UUID
	Note    string
}

// CreditTx adds credits and records the entry. Call within a transaction.
func (s *Service) CreditTx(ctx context.Context, tx pgx.Tx, req CreditRequest) (int, error) {
	if req.Amount <= 0 {
		return 0, ErrInvalidAmount
	}
	newBalance, err := s.Users.AddCredits(ctx, tx, req.UserID, req.Amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("add credits: %w", err)
	}
	entry := &models.LedgerEntry{
		ID:           uuid.New(),
		UserID:       req.UserID,
		Delta:        req.Amount,
		BalanceAfter: newBalance,
		Reason:       req.Reason,
		JobID:        req.JobID,
		AdminID:      req.AdminID,
		Note:         req.Note,
	}
	if err := s.Entries.CreateTx(ctx, tx, entry); err != nil {
		return 0, fmt.Errorf("insert ledger entry: %w", err)
	}
	return newBalance, nil
}

// Debit deducts amount in its own transaction.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount int, reason string) (int, error) {
	var balance int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		balance, err = s.DebitTx(ctx, tx, userID, amount, reason, nil)
		return err
	})
	return balance, err
}

// Credit adds credits in its own transaction.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (int, error) {
	var balance int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		balance, err = s.CreditTx(ctx, tx, req)
		return err
	})
	return balance, err
}

// NewJob is the input of CreateJobWithDebit.
type NewJob struct {
	IdempotencyKey string
	UserID         uuid.UUID
	Module         models.Module
	Params         json.RawMessage
	Cost           int
	MaxRetries     int
	Provider       string
	Model          string
}

type CreateResult struct {
	Job *models.Job
	// Created is false when the idempotency key matched an existing job.
	Created bool
	// Balance after the debit. Zero for replays, which debit nothing.
	Balance int
}

// CreateJobWithDebit creates a queued job and debits its cost in one transaction.
// Replaying an idempotency key returns the existing job without debiting again.
func (s *Service) CreateJobWithDebit(ctx context.Context, in NewJob) (*CreateResult, error) {
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = uuid.NewString()
	}
	if in.Cost < 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := s.Jobs.GetByIdempotencyKeyTx(ctx, tx, in.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if existing != nil {
		return replay(existing, in.UserID)
	}

	job := &models.Job{
		ID:             uuid.New(),
		IdempotencyKey: in.IdempotencyKey,
		UserID:         in.UserID,
		Module:         in.Module,
		Params:         in.Params,
		Cost:           in.Cost,
		Status:         models.JobStatusQueued,
		FinalURLs:      []string{},
		Provider:       in.Provider,
		Model:          in.Model,
		MaxRetries:     in.MaxRetries,
	}

	var balance int
	if in.Cost > 0 {
		// The debit runs before the insert so a rejected debit never touches jobs;
		// the ledger entry needs the job row, so it is written after.
		balance, err = s.Users.DeductCredits(ctx, tx, in.UserID, in.Cost)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.insufficient(ctx, tx, in.UserID, in.Cost)
		}
		if err != nil {
			return nil, fmt.Errorf("deduct credits: %w", err)
		}
	} else if balance, err = s.Users.ActiveBalanceTx(ctx, tx, in.UserID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("read balance: %w", err)
	}

	if err := s.Jobs.CreateTx(ctx, tx, job); err != nil {
		if isUniqueViolation(err) {
			// Lost a race against a concurrent request with the same key.
			_ = tx.Rollback(ctx)
			return s.lookupReplay(ctx, in)
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}

	if in.Cost > 0 {
		entry := &models.LedgerEntry{
			ID:           uuid.New(),
			UserID:       in.UserID,
			Delta:        -in.Cost,
			BalanceAfter: balance,
			Reason:       models.ReasonGenerate,
			JobID:        &job.ID,
		}
		if err := s.Entries.CreateTx(ctx, tx, entry); err != nil {
			return nil, fmt.Errorf("insert ledger entry: %w", err)
		}
	}

	if s.EnqueueTx != nil {
		if err := s.EnqueueTx(ctx, tx, job); err != nil {
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &CreateResult{Job: job, Created: true, Balance: balance}, nil
}

// insufficient explains a debit that matched no row: the user is missing or
// soft-deleted, or the balance is short.
func (s *Service) insufficient(ctx context.Context, tx pgx.Tx, userID uuid.UUID, required int) error {
	available, err := s.Users.ActiveBalanceTx(ctx, tx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	return &InsufficientCreditsError{Required: required, Available: available}
}

func (s *Service) lookupReplay(ctx context.Context, in NewJob) (*CreateResult, error) {
	var res *CreateResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := s.Jobs.GetByIdempotencyKeyTx(ctx, tx, in.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("lookup idempotency key: %w", err)
		}
		if existing == nil {
			return fmt.Errorf("idempotency key %q vanished after conflict", in.IdempotencyKey)
		}
		res, err = replay(existing, in.UserID)
		return err
	})
	return res, err
}

func replay(existing *models.Job, userID uuid.UUID) (*CreateResult, error) {
	if existing.UserID != userID {
		return nil, ErrIdempotencyConflict
	}
	return &CreateResult{Job: existing, Created: false}, nil
}

// Settlement describes a terminal non-success outcome for a job.
type Settlement struct {
	// From lists the statuses the job may currently be in for the settlement to apply.
	From   []models.JobStatus
	To     models.JobStatus
	Reason string
	Error  string
}

// SettleFailure terminates the job and refunds exactly its cost in one transaction.
// It returns (nil, nil) when the job was not in any From status: a terminal job is
// never refunded twice.
func (s *Service) SettleFailure(ctx context.Context, jobID uuid.UUID, st Settlement) (*models.Job, error) {
	if !st.To.Terminal() || st.To == models.JobStatusCompleted {
		return nil, fmt.Errorf("settlement target %q is not a failure status", st.To)
	}
	reason := st.Reason
	if reason == "" {
		reason = models.ReasonRefund
	}
	var errMsg *string
	if st.Error != "" {
		errMsg = &st.Error
	}

	var job *models.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		job, err = s.Jobs.TerminateTx(ctx, tx, jobID, st.From, st.To, errMsg)
		if err != nil {
			return fmt.Errorf("terminate job: %w", err)
		}
		if job == nil {
			s.Logger.Debug("settlement skipped, job not in an expected status", "job_id", jobID, "to", st.To)
			return nil
		}
		if job.Cost <= 0 {
			return nil
		}
		_, err = s.CreditTx(ctx, tx, CreditRequest{
			UserID: job.UserID,
			Amount: job.Cost,
			Reason: reason,
			JobID:  &job.ID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Requeue moves a failed job owned by userID back to queued and debits its cost
// again; the earlier attempt was already refunded.
func (s *Service) Requeue(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, int, error) {
	var (
		job     *models.Job
		balance int
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := s.Jobs.GetByIDForUpdateTx(ctx, tx, jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		if current.UserID != userID {
			return ErrJobNotFound
		}
		if current.Status != models.JobStatusFailed {
			return ErrNotRetryable
		}
		if current.Cost > 0 {
			if balance, err = s.DebitTx(ctx, tx, userID, current.Cost, models.ReasonGenerate, &current.ID); err != nil {
				return err
			}
		}
		job, err = s.Jobs.RequeueFailedTx(ctx, tx, jobID)
		if err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		if job == nil {
			return ErrNotRetryable
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return job, balance, nil
}

// ListEntries returns the newest entries for a user, newest first.
func (s *Service) ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.Entries.ListByUserID(ctx, userID, limit)
}

// Reconcile returns the sum of all ledger deltas and the stored balance. Users
// start at zero, so the two are equal for a consistent account.
func (s *Service) Reconcile(ctx context.Context, userID uuid.UUID) (sum, balance int, err error) {
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if balance, err = s.Users.BalanceTx(ctx, tx, userID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("read balance: %w", err)
		}
		if sum, err = s.Entries.SumByUserID(ctx, userID); err != nil {
			return fmt.Errorf("sum ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if sum != balance {
		s.Logger.Error("ledger does not reconcile", "user_id", userID, "sum", sum, "balance", balance)
	}
	return sum, balance, nil
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
