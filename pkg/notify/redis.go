package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapexec/pkg/order"
	"github.com/uhyunpark/swapexec/pkg/util"
)

// RedisBus publishes events with Redis PUBLISH. Each Subscribe opens its own
// pub/sub connection, released by Subscription.Close.
type RedisBus struct {
	client *redis.Client
	Logger *zap.SugaredLogger
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, orderID string, ev order.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, order.Topic(orderID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", order.Topic(orderID), err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, orderID string) (*Subscription, error) {
	topic := order.Topic(orderID)
	ps := b.client.Subscribe(ctx, topic)

	// Wait for the subscribe confirmation so events published after this
	// call returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan order.Event, defaultBuffer)
	stop := make(chan struct{})
	log := util.OrNop(b.Logger)

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev order.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warnw("event_decode_failed", "topic", topic, "err", err)
					continue
				}
				select {
				case out <- ev:
				case <-stop:
					return
				}
			}
		}
	}()

	return newSubscription(ctx, orderID, out, func() {
		close(stop)
		_ = ps.Close()
	}), nil
}

func (b *RedisBus) Close() error { return nil }
