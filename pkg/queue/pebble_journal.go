package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Job key schema:
//
//	job:<jobID> -> JSON encoded Job
const prefixJob = "job:"

func jobKey(id string) []byte {
	return []byte(prefixJob + id)
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// PebbleJournal keeps jobs in an embedded Pebble database.
type PebbleJournal struct {
	db *pebble.DB
}

func NewPebbleJournal(path string) (*PebbleJournal, error) {
	return OpenPebbleJournal(path, &pebble.Options{})
}

func OpenPebbleJournal(path string, opts *pebble.Options) (*PebbleJournal, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &PebbleJournal{db: db}, nil
}

func (p *PebbleJournal) Save(_ context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return p.db.Set(jobKey(job.ID), data, pebble.Sync)
}

func (p *PebbleJournal) Delete(_ context.Context, id string) error {
	return p.db.Delete(jobKey(id), pebble.Sync)
}

func (p *PebbleJournal) Load(_ context.Context) ([]*Job, error) {
	prefix := []byte(prefixJob)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []*Job
	for iter.First(); iter.Valid(); iter.Next() {
		var j Job
		if err := json.Unmarshal(iter.Value(), &j); err != nil {
			continue
		}
		out = append(out, &j)
	}
	return out, nil
}

func (p *PebbleJournal) Close() error { return p.db.Close() }
