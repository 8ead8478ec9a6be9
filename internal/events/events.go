// Package events fans job status changes out to interested listeners.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediaforge/backend/internal/models"
)

var ErrUnavailable = errors.New("event stream unavailable")

// Event is published on every job status transition.
type Event struct {
	JobID      uuid.UUID        `json:"job_id"`
	UserID     uuid.UUID        `json:"user_id"`
	Status     models.JobStatus `json:"status"`
	PreviewURL *string          `json:"preview_url,omitempty"`
	FinalURLs  []string         `json:"final_urls,omitempty"`
	OutputText *string          `json:"output_text,omitempty"`
	Error      *string          `json:"error,omitempty"`
	At         time.Time        `json:"at"`
}

// FromJob snapshots the user-visible fields of j.
func FromJob(j *models.Job) Event {
	return Event{
		JobID:      j.ID,
		UserID:     j.UserID,
		Status:     j.Status,
		PreviewURL: j.PreviewURL,
		FinalURLs:  j.FinalURLs,
		OutputText: j.OutputText,
		Error:      j.ErrorMessage,
		At:         time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber streams events for one job until cancel is called or ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan Event, func(), error)
}

// Bus is both ends of the stream.
type Bus interface {
	Publisher
	Subscriber
}

// Channel is the pub/sub channel carrying events for a job.
func Channel(jobID uuid.UUID) string { return "jobs:" + jobID.String() }

// Nop drops every event and refuses subscriptions.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Subscribe(context.Context, uuid.UUID) (<-chan Event, func(), error) {
	return nil, nil, ErrUnavailable
}

// MemoryBus is an in-process Bus for single-node development without Redis.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan Event]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uuid.UUID]map[chan Event]struct{})}
}

// Publish never blocks; a subscriber with a full buffer misses the event.
func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan Event, func(), error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan Event]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[jobID], ch)
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

var (
	_ Bus = Nop{}
	_ Bus = (*MemoryBus)(nil)
)
