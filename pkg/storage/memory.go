package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/swapexec/pkg/order"
)

type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*order.Order
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*order.Order),
		now:    time.Now,
	}
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return order.ErrDuplicateID
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, id string, c order.Changeset) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if err := c.Check(cur); err != nil {
		return nil, err
	}
	next := c.Apply(cur, s.now())
	s.orders[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) ListOrders(_ context.Context, status order.Status, limit int) ([]*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored orders.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *MemoryStore) Close() error { return nil }
