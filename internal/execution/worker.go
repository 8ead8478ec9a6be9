package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/mediaforge/backend/internal/history"
	"github.com/mediaforge/backend/internal/models"
	"github.com/mediaforge/backend/internal/orchestrator"
)

// Orchestrator is what the workers drive.
type Orchestrator interface {
	Dispatch(ctx context.Context, jobID uuid.UUID, module models.Module) error
	Poll(ctx context.Context, jobID uuid.UUID, attempt int) error
	SweepTimeouts(ctx context.Context) (orchestrator.SweepResult, error)
}

type DeletionSweeper interface {
	SweepDeletions(ctx context.Context) (history.SweepResult, error)
}

type DispatchWorker struct {
	river.WorkerDefaults[DispatchJobArgs]
	orch Orchestrator
}

func NewDispatchWorker(o Orchestrator) *DispatchWorker {
	return &DispatchWorker{orch: o}
}

// Timeout covers the slowest synchronous submit (chat completions).
func (w *DispatchWorker) Timeout(*river.Job[DispatchJobArgs]) time.Duration { return 2 * time.Minute }

func (w *DispatchWorker) Work(ctx context.Context, job *river.Job[DispatchJobArgs]) error {
	if err := w.orch.Dispatch(ctx, job.Args.JobID, job.Args.Module); err != nil {
		return fmt.Errorf("dispatch job %s: %w", job.Args.JobID, err)
	}
	return nil
}

type PollWorker struct {
	river.WorkerDefaults[PollJobArgs]
	orch Orchestrator
}

func NewPollWorker(o Orchestrator) *PollWorker {
	return &PollWorker{orch: o}
}

func (w *PollWorker) Work(ctx context.Context, job *river.Job[PollJobArgs]) error {
	if err := w.orch.Poll(ctx, job.Args.JobID, job.Args.Attempt); err != nil {
		return fmt.Errorf("poll job %s attempt %d: %w", job.Args.JobID, job.Args.Attempt, err)
	}
	return nil
}

type SweepTimeoutsWorker struct {
	river.WorkerDefaults[SweepTimeoutsArgs]
	orch Orchestrator
}

func NewSweepTimeoutsWorker(o Orchestrator) *SweepTimeoutsWorker {
	return &SweepTimeoutsWorker{orch: o}
}

func (w *SweepTimeoutsWorker) Work(ctx context.Context, _ *river.Job[SweepTimeoutsArgs]) error {
	_, err := w.orch.SweepTimeouts(ctx)
	return err
}

type SweepDeletionsWorker struct {
	river.WorkerDefaults[SweepDeletionsArgs]
	history DeletionSweeper
}

func NewSweepDeletionsWorker(h DeletionSweeper) *SweepDeletionsWorker {
	return &SweepDeletionsWorker{history: h}
}

func (w *SweepDeletionsWorker) Work(ctx context.Context, _ *river.Job[SweepDeletionsArgs]) error {
	_, err := w.history.SweepDeletions(ctx)
	return err
}

// Register adds every worker to workers.
func Register(workers *river.Workers, o Orchestrator, h DeletionSweeper) {
	river.AddWorker(workers, NewDispatchWorker(o))
	river.AddWorker(workers, NewPollWorker(o))
	river.AddWorker(workers, NewSweepTimeoutsWorker(o))
	river.AddWorker(workers, NewSweepDeletionsWorker(h))
}
