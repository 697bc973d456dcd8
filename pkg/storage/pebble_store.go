package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/moby/locker"

	"github.com/uhyunpark/swapexec/pkg/order"
)

// PebbleStore keeps orders in an embedded Pebble database. Writes are
// synced before returning.
type PebbleStore struct {
	db    *pebble.DB
	locks *locker.Locker
	now   func() time.Time
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	return OpenPebbleStore(path, &pebble.Options{})
}

// OpenPebbleStore opens the store with explicit options (tests pass an
// in-memory vfs).
func OpenPebbleStore(path string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, locks: locker.New(), now: time.Now}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) CreateOrder(_ context.Context, o *order.Order) error {
	s.locks.Lock(o.ID)
	defer s.locks.Unlock(o.ID)

	if _, err := s.load(o.ID); err == nil {
		return order.ErrDuplicateID
	} else if !errors.Is(err, order.ErrNotFound) {
		return err
	}
	return s.save(o)
}

func (s *PebbleStore) UpdateOrder(_ context.Context, id string, c order.Changeset) (*order.Order, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	cur, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if err := c.Check(cur); err != nil {
		return nil, err
	}
	next := c.Apply(cur, s.now())
	if err := s.save(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *PebbleStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	return s.load(id)
}

// ListOrders scans orders, optionally filtered by status, up to limit rows.
func (s *PebbleStore) ListOrders(_ context.Context, status order.Status, limit int) ([]*order.Order, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []*order.Order
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var o order.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue // Skip invalid entries
		}
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, &o)
	}
	return out, nil
}

func (s *PebbleStore) load(id string) (*order.Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *PebbleStore) save(o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}
