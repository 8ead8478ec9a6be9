package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus publishes events on Redis Pub/Sub channel "jobs:{jobID}".
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBus parses redisURL and returns a bus. It does not dial.
func NewRedisBus(redisURL string, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: redis.NewClient(opts), logger: logger}, nil
}

// Ping verifies the connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error { return b.client.Close() }

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(ev.JobID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Channel(ev.JobID), err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed so no event published
// after it returns is missed.
func (b *RedisBus) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan Event, func(), error) {
	channel := Channel(jobID)
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan Event, 16)
	subCtx, stop := context.WithCancel(ctx)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		defer cancel()
		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("dropping malformed job event", "channel", channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

var _ Bus = (*RedisBus)(nil)
