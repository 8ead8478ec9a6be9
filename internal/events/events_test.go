package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mediaforge/backend/internal/models"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisBus) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	bus, err := NewRedisBus("redis://"+mr.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return mr, bus
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	_, bus := setupRedis(t)
	ctx := context.Background()
	if err := bus.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	job := &models.Job{ID: uuid.New(), UserID: uuid.New(), Status: models.JobStatusCompleted, FinalURLs: []string{"https://cdn/a.png"}}
	ch, cancel, err := bus.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := bus.Publish(ctx, FromJob(job)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ev := receive(t, ch)
	if ev.JobID != job.ID || ev.Status != models.JobStatusCompleted || len(ev.FinalURLs) != 1 {
		t.Errorf("event = %+v", ev)
	}
}

func TestRedisBus_OtherJobsNotDelivered(t *testing.T) {
	_, bus := setupRedis(t)
	ctx := context.Background()
	mine, other := uuid.New(), uuid.New()

	ch, cancel, err := bus.Subscribe(ctx, mine)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	_ = bus.Publish(ctx, Event{JobID: other, Status: models.JobStatusFailed})
	_ = bus.Publish(ctx, Event{JobID: mine, Status: models.JobStatusProcessing})

	if ev := receive(t, ch); ev.JobID != mine {
		t.Errorf("received event for %s", ev.JobID)
	}
}

func TestRedisBus_MalformedPayloadSkipped(t *testing.T) {
	mr, bus := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	ch, cancel, err := bus.Subscribe(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer raw.Close()
	if err := raw.Publish(ctx, Channel(jobID), "{not json").Err(); err != nil {
		t.Fatal(err)
	}
	_ = bus.Publish(ctx, Event{JobID: jobID, Status: models.JobStatusTimeout})

	if ev := receive(t, ch); ev.Status != models.JobStatusTimeout {
		t.Errorf("status = %s", ev.Status)
	}
}

func TestRedisBus_CancelClosesChannel(t *testing.T) {
	_, bus := setupRedis(t)
	ch, cancel, err := bus.Subscribe(context.Background(), uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestNewRedisBus_InvalidURL(t *testing.T) {
	if _, err := NewRedisBus("not-a-valid-url", nil); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestMemoryBus(t *testing.T) {
	bus := NewMemoryBus()
	ctx, stop := context.WithCancel(context.Background())
	jobID := uuid.New()

	ch, _, err := bus.Subscribe(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	_ = bus.Publish(ctx, Event{JobID: jobID, Status: models.JobStatusPreviewReady})
	if ev := receive(t, ch); ev.Status != models.JobStatusPreviewReady {
		t.Errorf("status = %s", ev.Status)
	}

	stop()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after context cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
	// Publishing after all subscribers left must not panic.
	_ = bus.Publish(context.Background(), Event{JobID: jobID})
}

func TestNop(t *testing.T) {
	if err := (Nop{}).Publish(context.Background(), Event{}); err != nil {
		t.Error(err)
	}
	if _, _, err := (Nop{}).Subscribe(context.Background(), uuid.New()); err != ErrUnavailable {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
