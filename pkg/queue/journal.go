package queue

import (
	"context"
	"sort"
	"sync"
)

// Journal persists live jobs so they survive a restart. A job is saved at
// enqueue and after every rescheduled attempt, and deleted once it completes
// or fails for good.
type Journal interface {
	Save(ctx context.Context, job *Job) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context) ([]*Job, error)
	Close() error
}

type MemoryJournal struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{jobs: make(map[string]Job)}
}

func (m *MemoryJournal) Save(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryJournal) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

// Load returns saved jobs in creation order.
func (m *MemoryJournal) Load(_ context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		j := j
		out = append(out, &j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (m *MemoryJournal) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *MemoryJournal) Close() error { return nil }
