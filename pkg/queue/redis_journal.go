package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisJournal keeps live jobs in one Redis hash per queue, keyed by job id.
type RedisJournal struct {
	client redis.Cmdable
	key    string
}

// NewRedisJournal accepts a *redis.Client or *redis.ClusterClient.
func NewRedisJournal(client redis.Cmdable, queueName string) *RedisJournal {
	return &RedisJournal{client: client, key: "queue:" + queueName + ":jobs"}
}

func (r *RedisJournal) Save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return r.client.HSet(ctx, r.key, job.ID, data).Err()
}

func (r *RedisJournal) Delete(ctx context.Context, id string) error {
	return r.client.HDel(ctx, r.key, id).Err()
}

func (r *RedisJournal) Load(ctx context.Context) ([]*Job, error) {
	entries, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	out := make([]*Job, 0, len(entries))
	for _, raw := range entries {
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			continue
		}
		out = append(out, &j)
	}
	return out, nil
}

func (r *RedisJournal) Close() error { return nil }
