package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/mediaforge/backend/internal/models"
)

var ErrNotBound = errors.New("river client not bound to scheduler")

// Inserter is the insert side of a river.Client[pgx.Tx].
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
	InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Scheduler inserts orchestrator steps into River. The client is bound after
// construction because the client's workers need the orchestrator, which
// needs the scheduler.
type Scheduler struct {
	mu     sync.Mutex
	client Inserter
}

func NewScheduler() *Scheduler { return &Scheduler{} }

func (s *Scheduler) Bind(c Inserter) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *Scheduler) inserter() (Inserter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrNotBound
	}
	return s.client, nil
}

func (s *Scheduler) ScheduleDispatch(ctx context.Context, jobID uuid.UUID, module models.Module, at time.Time) error {
	c, err := s.inserter()
	if err != nil {
		return err
	}
	_, err = c.Insert(ctx, DispatchJobArgs{JobID: jobID, Module: module}, scheduledAt(at))
	return err
}

func (s *Scheduler) SchedulePoll(ctx context.Context, jobID uuid.UUID, attempt int, at time.Time) error {
	c, err := s.inserter()
	if err != nil {
		return err
	}
	_, err = c.Insert(ctx, PollJobArgs{JobID: jobID, Attempt: attempt}, scheduledAt(at))
	return err
}

// EnqueueTx schedules an immediate dispatch in the job's creating transaction.
func (s *Scheduler) EnqueueTx(ctx context.Context, tx pgx.Tx, job *models.Job) error {
	c, err := s.inserter()
	if err != nil {
		return err
	}
	_, err = c.InsertTx(ctx, tx, DispatchJobArgs{JobID: job.ID, Module: job.Module}, nil)
	return err
}

// scheduledAt leaves the args' own InsertOpts in effect; River merges a nil
// or zero field with them.
func scheduledAt(at time.Time) *river.InsertOpts {
	if at.IsZero() || !at.After(time.Now()) {
		return nil
	}
	return &river.InsertOpts{ScheduledAt: at}
}
