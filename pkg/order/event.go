package order

import "time"

type EventKind string

const (
	// EventTransition reports a status change.
	EventTransition EventKind = "transition"
	// EventRetry reports a failed attempt that will be retried. Status is
	// unchanged and never terminal.
	EventRetry EventKind = "retry"
)

// Event is the payload published on an order's topic and pushed to
// WebSocket subscribers.
type Event struct {
	Type           EventKind `json:"type"`
	OrderID        string    `json:"orderId"`
	Status         Status    `json:"status"`
	Dex            string    `json:"dex,omitempty"`
	TxHash         string    `json:"txHash,omitempty"`
	ExecutionPrice float64   `json:"executionPrice,omitempty"`
	Error          string    `json:"error,omitempty"`
	Attempt        int       `json:"attempt,omitempty"`
	RetryInMs      int64     `json:"retryInMs,omitempty"`
	Timestamp      int64     `json:"timestamp"`
}

// IsTerminal reports whether no further events follow for this order.
func (e Event) IsTerminal() bool {
	return e.Type != EventRetry && e.Status.IsTerminal()
}

// TransitionEvent builds the event for a persisted changeset. row is the
// order after the update.
func TransitionEvent(row *Order, c Changeset, now time.Time) Event {
	ev := Event{
		Type:      EventTransition,
		OrderID:   row.ID,
		Status:    row.Status,
		Timestamp: now.UnixMilli(),
	}
	if c.Dex != nil {
		ev.Dex = *c.Dex
	}
	if c.TxHash != nil {
		ev.TxHash = *c.TxHash
	}
	if c.ExecutionPrice != nil {
		ev.ExecutionPrice = c.ExecutionPrice.InexactFloat64()
	}
	if c.Error != nil {
		ev.Error = *c.Error
	}
	return ev
}

// RetryEvent announces that attempt failed with cause and runs again after delay.
func RetryEvent(row *Order, attempt int, cause error, delay time.Duration, now time.Time) Event {
	return Event{
		Type:      EventRetry,
		OrderID:   row.ID,
		Status:    row.Status,
		Error:     cause.Error(),
		Attempt:   attempt,
		RetryInMs: delay.Milliseconds(),
		Timestamp: now.UnixMilli(),
	}
}

// Topic is the pub/sub channel carrying events for one order.
func Topic(orderID string) string {
	return "order_updates:" + orderID
}
