package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/uhyunpark/swapexec/pkg/order"
)

var ErrBusClosed = errors.New("notification bus closed")

// Bus broadcasts order events on one topic per order. Delivery is
// best-effort: nothing is stored, and a subscriber only sees events
// published after Subscribe returned.
type Bus interface {
	Publish(ctx context.Context, orderID string, ev order.Event) error
	Subscribe(ctx context.Context, orderID string) (*Subscription, error)
	Close() error
}

// Subscription is one consumer's handle on an order topic. Events is closed
// after Close, after the subscribing context ends, or when the bus drops a
// subscriber that cannot keep up.
type Subscription struct {
	OrderID string

	events   <-chan order.Event
	done     chan struct{}
	once     sync.Once
	teardown func()
}

func newSubscription(ctx context.Context, orderID string, events <-chan order.Event, teardown func()) *Subscription {
	s := &Subscription{
		OrderID:  orderID,
		events:   events,
		done:     make(chan struct{}),
		teardown: teardown,
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (s *Subscription) Events() <-chan order.Event { return s.events }

// Done is closed once the subscription has been torn down by its owner.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.teardown()
	})
}
