package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/logger"
)

const EventChannel = "fleet:events"

// EventBus fans fleet events out over redis pub/sub so every replica's
// dashboard and MQTT bridge sees them.
type EventBus struct {
	client *redis.Client
}

func NewEventBus(client *redis.Client) *EventBus {
	return &EventBus{client: client}
}

func (b *EventBus) PublishEvent(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, EventChannel, data).Err()
}

// SubscribeEvents streams events until ctx is done. Malformed payloads are skipped.
func (b *EventBus) SubscribeEvents(ctx context.Context) (<-chan domain.Event, error) {
	pubsub := b.client.Subscribe(ctx, EventChannel)
	// Wait for the subscription to be confirmed so no event published after
	// this call returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	ch := make(chan domain.Event)
	log := logger.For("eventbus")

	go func() {
		defer pubsub.Close()
		defer close(ch)

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Debug("skipping malformed event", "error", err)
					continue
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
