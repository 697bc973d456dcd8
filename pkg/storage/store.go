package storage

import (
	"context"

	"github.com/uhyunpark/swapexec/pkg/order"
)

// Store persists one row per order.
//
// UpdateOrder applies a changeset atomically: concurrent updates of the same
// order never interleave, and the changeset is validated against the row it
// is applied to. It returns the row as stored after the update.
type Store interface {
	CreateOrder(ctx context.Context, o *order.Order) error
	UpdateOrder(ctx context.Context, id string, c order.Changeset) (*order.Order, error)
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	// ListOrders returns up to limit orders, optionally filtered by status.
	ListOrders(ctx context.Context, status order.Status, limit int) ([]*order.Order, error)
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PebbleStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
