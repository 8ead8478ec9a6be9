// Package execution runs orchestrator steps on River.
package execution

import (
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/mediaforge/backend/internal/models"
)

const (
	QueueDispatch    = "dispatch"
	QueuePoll        = "poll"
	QueueMaintenance = "maintenance"
)

// DispatchJobArgs submits a queued job to its provider.
type DispatchJobArgs struct {
	JobID  uuid.UUID     `json:"job_id"`
	Module models.Module `json:"module"`
}

func (DispatchJobArgs) Kind() string { return "dispatch_job" }

// A dispatch is never retried by River: a failed attempt may already have
// reached the provider, and retries are decided by the orchestrator.
func (DispatchJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueDispatch, MaxAttempts: 1}
}

// PollJobArgs checks a submitted job's status once.
type PollJobArgs struct {
	JobID   uuid.UUID `json:"job_id"`
	Attempt int       `json:"attempt"`
}

func (PollJobArgs) Kind() string { return "poll_job" }

func (PollJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueuePoll, MaxAttempts: 3}
}

// SweepTimeoutsArgs settles jobs past their deadline.
type SweepTimeoutsArgs struct{}

func (SweepTimeoutsArgs) Kind() string { return "sweep_timeouts" }

func (SweepTimeoutsArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMaintenance, MaxAttempts: 1}
}

// SweepDeletionsArgs removes assets of evicted generations.
type SweepDeletionsArgs struct{}

func (SweepDeletionsArgs) Kind() string { return "sweep_deletions" }

func (SweepDeletionsArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMaintenance, MaxAttempts: 1}
}

// Queues sizes the River queues; dispatch and poll share the worker budget.
func Queues(maxWorkers int) map[string]river.QueueConfig {
	if maxWorkers < 2 {
		maxWorkers = 2
	}
	return map[string]river.QueueConfig{
		river.QueueDefault: {MaxWorkers: 1},
		QueueDispatch:      {MaxWorkers: maxWorkers / 2},
		QueuePoll:          {MaxWorkers: maxWorkers - maxWorkers/2},
		QueueMaintenance:   {MaxWorkers: 2},
	}
}

// PeriodicJobs schedules both sweeps every interval, starting at boot.
func PeriodicJobs(interval time.Duration) []*river.PeriodicJob {
	if interval <= 0 {
		interval = time.Minute
	}
	opts := &river.PeriodicJobOpts{RunOnStart: true}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(river.PeriodicInterval(interval), func() (river.JobArgs, *river.InsertOpts) {
			return SweepTimeoutsArgs{}, nil
		}, opts),
		river.NewPeriodicJob(river.PeriodicInterval(interval), func() (river.JobArgs, *river.InsertOpts) {
			return SweepDeletionsArgs{}, nil
		}, opts),
	}
}
