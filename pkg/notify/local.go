package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/swapexec/pkg/order"
	"github.com/uhyunpark/swapexec/pkg/util"
)

const defaultBuffer = 64

// LocalBus is an in-process Bus. A subscriber whose buffer is full is
// disconnected rather than allowed to miss events silently.
type LocalBus struct {
	mu     sync.Mutex
	topics map[string]map[*localSub]struct{}
	closed bool

	Buffer int
	Logger *zap.SugaredLogger
}

type localSub struct {
	ch chan order.Event
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		topics: make(map[string]map[*localSub]struct{}),
		Buffer: defaultBuffer,
	}
}

func (b *LocalBus) Publish(_ context.Context, orderID string, ev order.Event) error {
	topic := order.Topic(orderID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber buffer full, disconnect
			b.removeLocked(topic, sub)
			util.OrNop(b.Logger).Warnw("subscriber_dropped", "topic", topic)
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, orderID string) (*Subscription, error) {
	topic := order.Topic(orderID)
	size := b.Buffer
	if size <= 0 {
		size = defaultBuffer
	}
	sub := &localSub{ch: make(chan order.Event, size)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*localSub]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()

	return newSubscription(ctx, orderID, sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(topic, sub)
	}), nil
}

// removeLocked closes sub's channel if it is still registered.
func (b *LocalBus) removeLocked(topic string, sub *localSub) {
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// Subscribers returns the number of live subscriptions on an order topic.
func (b *LocalBus) Subscribers(orderID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[order.Topic(orderID)])
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.topics {
		for sub := range subs {
			close(sub.ch)
		}
		delete(b.topics, topic)
	}
	return nil
}
