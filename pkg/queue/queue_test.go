package queue

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Name:        "test",
		Concurrency: 4,
		Defaults: Options{
			Attempts: 3,
			Backoff:  Backoff{Type: BackoffExponential, Delay: 5 * time.Millisecond},
		},
	}
}

func payload(id string) Payload {
	return Payload{OrderID: id, TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.NewFromInt(1)}
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = q.Stop(stopCtx)
		cancel()
	})
}

func TestBackoffNext(t *testing.T) {
	exp := Backoff{Type: BackoffExponential, Delay: time.Second}
	tests := []struct {
		name     string
		b        Backoff
		attempts int
		max      time.Duration
		want     time.Duration
	}{
		{"first retry", exp, 1, 0, time.Second},
		{"second retry", exp, 2, 0, 2 * time.Second},
		{"third retry", exp, 3, 0, 4 * time.Second},
		{"zero attempts treated as first", exp, 0, 0, time.Second},
		{"capped", exp, 10, 60 * time.Second, 60 * time.Second},
		{"huge attempt count capped", exp, 500, time.Minute, time.Minute},
		{"long delay saturates to cap", Backoff{Type: BackoffExponential, Delay: 10 * time.Second}, 500, time.Hour, time.Hour},
		{"long delay uncapped saturates", Backoff{Type: BackoffExponential, Delay: 10 * time.Second}, 40, 0, time.Duration(math.MaxInt64)},
		{"fixed", Backoff{Type: BackoffFixed, Delay: time.Second}, 5, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.b.Next(tt.attempts, tt.max))
		})
	}
}

func TestOptionsDefaults(t *testing.T) {
	def := Options{Attempts: 3, Backoff: Backoff{Type: BackoffExponential, Delay: time.Second}}

	got := Options{}.withDefaults(def)
	assert.Equal(t, def, got)

	got = Options{Attempts: 5, Backoff: Backoff{Delay: time.Millisecond}}.withDefaults(def)
	assert.Equal(t, 5, got.Attempts)
	assert.Equal(t, BackoffExponential, got.Backoff.Type)
	assert.Equal(t, time.Millisecond, got.Backoff.Delay)

	got = Options{}.withDefaults(Options{})
	assert.Equal(t, 1, got.Attempts)
}

func TestSlidingWindow(t *testing.T) {
	l := NewSlidingWindow(2, time.Second)
	t0 := time.Unix(1000, 0)

	assert.Zero(t, l.Reserve(t0))
	assert.Zero(t, l.Reserve(t0.Add(100*time.Millisecond)))
	assert.Equal(t, 900*time.Millisecond, l.Reserve(t0.Add(100*time.Millisecond)))
	// the first start leaves the window exactly one window later
	assert.Zero(t, l.Reserve(t0.Add(time.Second)))
	assert.Equal(t, 100*time.Millisecond, l.Reserve(t0.Add(time.Second)))

	var unlimited *SlidingWindow
	assert.Zero(t, unlimited.Reserve(t0))
	assert.Zero(t, NewSlidingWindow(0, time.Second).Reserve(t0))
}

func TestQueueRunsJob(t *testing.T) {
	journal := NewMemoryJournal()
	var got atomic.Value
	q := New(testConfig(), journal, func(ctx context.Context, job *Job) error {
		got.Store(job.Payload.OrderID)
		return nil
	})
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), payload("o-1"), Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 3, job.Options.Attempts)

	require.Eventually(t, func() bool { return q.Stats().Completed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "o-1", got.Load())
	assert.Zero(t, journal.Len())
}

func TestQueueRetriesWithBackoff(t *testing.T) {
	var (
		calls    atomic.Int32
		mu       sync.Mutex
		delays   []time.Duration
		attempts []int
	)
	q := New(testConfig(), nil, func(ctx context.Context, job *Job) error {
		mu.Lock()
		attempts = append(attempts, job.Attempt())
		mu.Unlock()
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	q.OnRetry = func(ctx context.Context, job *Job, err error, delay time.Duration) {
		mu.Lock()
		delays = append(delays, delay)
		mu.Unlock()
	}
	q.OnFailed = func(ctx context.Context, job *Job, err error) {
		t.Errorf("job should not fail: %v", err)
	}
	startQueue(t, q)

	_, err := q.Enqueue(context.Background(), payload("o-1"), Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Stats().Completed == 1 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, delays)
	assert.Equal(t, int64(2), q.Stats().Retried)
}

func TestQueueExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	failed := make(chan *Job, 1)
	q := New(testConfig(), nil, func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return errors.New("boom")
	})
	q.OnFailed = func(ctx context.Context, job *Job, err error) {
		assert.EqualError(t, err, "boom")
		failed <- job
	}
	startQueue(t, q)

	_, err := q.Enqueue(context.Background(), payload("o-1"), Options{})
	require.NoError(t, err)

	select {
	case job := <-failed:
		assert.Equal(t, 3, job.AttemptsMade)
		assert.Equal(t, "boom", job.LastError)
	case <-time.After(2 * time.Second):
		t.Fatal("job never failed")
	}
	require.Eventually(t, func() bool { return q.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, q.Failed(), 1)
	assert.Equal(t, "o-1", q.Failed()[0].Payload.OrderID)
}

func TestQueuePermanentErrorSkipsRetries(t *testing.T) {
	var calls atomic.Int32
	failed := make(chan error, 1)
	q := New(testConfig(), nil, func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return Permanent(errors.New("order gone"))
	})
	q.OnRetry = func(context.Context, *Job, error, time.Duration) {
		t.Error("permanent failure must not retry")
	}
	q.OnFailed = func(ctx context.Context, job *Job, err error) { failed <- err }
	startQueue(t, q)

	_, err := q.Enqueue(context.Background(), payload("o-1"), Options{})
	require.NoError(t, err)

	select {
	case err := <-failed:
		assert.True(t, IsPermanent(err))
		assert.EqualError(t, err, "order gone")
	case <-time.After(2 * time.Second):
		t.Fatal("job never failed")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueueHandlerPanicIsAFailure(t *testing.T) {
	failed := make(chan error, 1)
	cfg := testConfig()
	cfg.Defaults.Attempts = 1
	q := New(cfg, nil, func(ctx context.Context, job *Job) error {
		panic("bad handler")
	})
	q.OnFailed = func(ctx context.Context, job *Job, err error) { failed <- err }
	startQueue(t, q)

	_, err := q.Enqueue(context.Background(), payload("o-1"), Options{})
	require.NoError(t, err)
	select {
	case err := <-failed:
		assert.Contains(t, err.Error(), "bad handler")
	case <-time.After(2 * time.Second):
		t.Fatal("job never failed")
	}
}

func TestQueueEnqueueReturnsStableSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 8
	cfg.Defaults.Attempts = 2
	cfg.Defaults.Backoff.Delay = time.Millisecond
	boom := errors.New("boom")

	q := New(cfg, NewMemoryJournal(), func(context.Context, *Job) error { return boom })
	startQueue(t, q)

	const n = 500
	for i := 0; i < n; i++ {
		job, err := q.Enqueue(context.Background(), payload("o"), Options{})
		require.NoError(t, err)
		assert.Zero(t, job.AttemptsMade)
		assert.Empty(t, job.LastError)
	}
	require.Eventually(t, func() bool { return q.Stats().Failed == n }, 10*time.Second, 5*time.Millisecond)
}

func TestQueueBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	cfg := testConfig()
	cfg.Concurrency = 2
	q := New(cfg, nil, func(ctx context.Context, job *Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return nil
	})
	startQueue(t, q)

	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(context.Background(), payload("o"), Options{})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return q.Stats().Completed == 6 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
}

func TestQueueRateLimit(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	cfg := testConfig()
	cfg.RateMax = 2
	cfg.RateWindow = 200 * time.Millisecond
	q := New(cfg, nil, func(ctx context.Context, job *Job) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil
	})
	startQueue(t, q)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(context.Background(), payload("o"), Options{})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return q.Stats().Completed == 3 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 3)
	assert.GreaterOrEqual(t, starts[2].Sub(starts[0]), 150*time.Millisecond)
}

func TestQueueRecoversJournaledJobs(t *testing.T) {
	journal := NewMemoryJournal()
	stale := &Job{
		ID:           "job-1",
		Queue:        "test",
		Payload:      payload("o-recovered"),
		Options:      testConfig().Defaults,
		AttemptsMade: 1,
		RunAt:        time.Now().Add(-time.Second),
		CreatedAt:    time.Now().Add(-time.Minute),
	}
	require.NoError(t, journal.Save(context.Background(), stale))

	seen := make(chan *Job, 1)
	q := New(testConfig(), journal, func(ctx context.Context, job *Job) error {
		seen <- job
		return nil
	})
	startQueue(t, q)

	select {
	case job := <-seen:
		assert.Equal(t, "o-recovered", job.Payload.OrderID)
		assert.Equal(t, 2, job.Attempt())
	case <-time.After(2 * time.Second):
		t.Fatal("journaled job was not recovered")
	}
	require.Eventually(t, func() bool { return journal.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueueStopDrainsRunningJobs(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var finished atomic.Bool
	q := New(testConfig(), nil, func(ctx context.Context, job *Job) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})
	require.NoError(t, q.Start(context.Background()))

	_, err := q.Enqueue(context.Background(), payload("o-1"), Options{})
	require.NoError(t, err)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- q.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-stopped)
	assert.True(t, finished.Load())

	_, err = q.Enqueue(context.Background(), payload("o-2"), Options{})
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, q.Start(context.Background()), ErrQueueClosed)
}

func TestQueueStartWithoutHandler(t *testing.T) {
	q := New(testConfig(), nil, nil)
	assert.ErrorIs(t, q.Start(context.Background()), ErrNoHandler)
}

func TestPebbleJournal(t *testing.T) {
	j, err := OpenPebbleJournal("jobs", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	defer j.Close()
	ctx := context.Background()

	job := &Job{
		ID:        "job-1",
		Queue:     "test",
		Payload:   payload("o-1"),
		Options:   testConfig().Defaults,
		RunAt:     time.Now().UTC().Truncate(time.Millisecond),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, j.Save(ctx, job))

	jobs, err := j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "o-1", jobs[0].Payload.OrderID)
	assert.True(t, jobs[0].Payload.Amount.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 5*time.Millisecond, jobs[0].Options.Backoff.Delay)
	assert.True(t, job.RunAt.Equal(jobs[0].RunAt))

	require.NoError(t, j.Delete(ctx, "job-1"))
	jobs, err = j.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
