package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/digkill/MeeMeeBot/internal/models"
)

// GenerationEvent announces that a generation reached a terminal status.
type GenerationEvent struct {
	GenerationID string                  `json:"generation_id"`
	Status       models.GenerationStatus `json:"status"`
}

// Events is a per-generation pub/sub channel.
type Events struct {
	client *redis.Client
}

func NewEvents(client *redis.Client) *Events {
	return &Events{client: client}
}

func channelFor(generationID string) string {
	return keyPrefix + "generation:" + generationID
}

func (e *Events) Publish(ctx context.Context, ev GenerationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal generation event: %w", err)
	}
	if err := e.client.Publish(ctx, channelFor(ev.GenerationID), payload).Err(); err != nil {
		return fmt.Errorf("publish generation event: %w", err)
	}
	return nil
}

// Subscribe listens for the terminal event of one generation. The returned
// channel yields at most one event and is closed when ctx ends or after
// delivery; call the cancel func to release the subscription early.
func (e *Events) Subscribe(ctx context.Context, generationID string) (<-chan GenerationEvent, func(), error) {
	sub := e.client.Subscribe(ctx, channelFor(generationID))
	// Receive blocks until Redis confirms the subscription so no publish is missed after return.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe generation %s: %w", generationID, err)
	}

	out := make(chan GenerationEvent, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev GenerationEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				out <- ev
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { close(done) })
	}
	return out, cancel, nil
}
