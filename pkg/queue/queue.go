package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapexec/pkg/metrics"
	"github.com/uhyunpark/swapexec/pkg/util"
)

const maxFailedKept = 100

type Config struct {
	Name        string
	Concurrency int

	// RateMax job starts per rolling RateWindow; zero disables the limit.
	RateMax    int
	RateWindow time.Duration

	// AttemptTimeout bounds a single handler run; zero means no bound.
	AttemptTimeout time.Duration
	BackoffMax     time.Duration

	// Defaults fill Options fields left zero at Enqueue.
	Defaults Options
}

// Handler runs one attempt of a job. A nil return completes the job; an
// error schedules another attempt unless attempts are exhausted or the error
// is Permanent.
type Handler func(ctx context.Context, job *Job) error

// RetryFunc is called after a failed attempt that will be retried, before
// the job is rescheduled.
type RetryFunc func(ctx context.Context, job *Job, err error, delay time.Duration)

// FailedFunc is called once per job that will not run again.
type FailedFunc func(ctx context.Context, job *Job, err error)

type Stats struct {
	Waiting   int
	Active    int
	Completed int64
	Retried   int64
	Failed    int64
}

// Queue runs jobs on a bounded worker pool with per-job retry and backoff.
// Jobs are journaled so they can be recovered by the next Start.
type Queue struct {
	cfg     Config
	handler Handler
	journal Journal
	limiter *SlidingWindow

	// Set before Start.
	Clock    util.Clock
	Logger   *zap.SugaredLogger
	Metrics  *metrics.Metrics
	OnRetry  RetryFunc
	OnFailed FailedFunc

	mu      sync.Mutex
	pending jobHeap
	live    map[string]struct{}
	seq     uint64
	active  int
	started bool
	closed  bool
	wake    chan struct{}
	failed  []Job
	stats   Stats

	wg sync.WaitGroup
}

func New(cfg Config, journal Journal, handler Handler) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if journal == nil {
		journal = NewMemoryJournal()
	}
	return &Queue{
		cfg:     cfg,
		handler: handler,
		journal: journal,
		limiter: NewSlidingWindow(cfg.RateMax, cfg.RateWindow),
		live:    make(map[string]struct{}),
		wake:    make(chan struct{}),
	}
}

func (q *Queue) Name() string { return q.cfg.Name }

func (q *Queue) clock() util.Clock {
	if q.Clock == nil {
		return util.SystemClock()
	}
	return q.Clock
}

// Enqueue journals a new job and schedules it to run as soon as a worker and
// the rate limit allow. It returns without waiting for the job to start.
func (q *Queue) Enqueue(ctx context.Context, p Payload, opts Options) (*Job, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrQueueClosed
	}

	now := q.clock().Now()
	job := &Job{
		ID:        uuid.NewString(),
		Queue:     q.cfg.Name,
		Payload:   p,
		Options:   opts.withDefaults(q.cfg.Defaults),
		RunAt:     now,
		CreatedAt: now,
	}
	if err := q.journal.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("journal job: %w", err)
	}

	// Workers own job once it is pushed.
	q.mu.Lock()
	out := *job
	q.pushLocked(job)
	q.mu.Unlock()

	util.OrNop(q.Logger).Debugw("job_enqueued", "queue", q.cfg.Name, "job_id", out.ID, "order_id", p.OrderID)
	return &out, nil
}

// Start recovers journaled jobs and launches the workers. Workers stop when
// ctx ends or Stop is called; a running attempt is allowed to finish.
func (q *Queue) Start(ctx context.Context) error {
	if q.handler == nil {
		return ErrNoHandler
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	jobs, err := q.journal.Load(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	sort.SliceStable(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })

	recovered := 0
	q.mu.Lock()
	for _, j := range jobs {
		if _, ok := q.live[j.ID]; ok {
			continue
		}
		q.pushLocked(j)
		recovered++
	}
	q.mu.Unlock()

	util.OrNop(q.Logger).Infow("queue_started",
		"queue", q.cfg.Name,
		"concurrency", q.cfg.Concurrency,
		"recovered", recovered,
	)

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return nil
}

// Stop prevents new attempts from starting and waits for running ones, or
// for ctx to end. Jobs still waiting stay in the journal.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.notifyLocked()
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Waiting = len(q.pending)
	s.Active = q.active
	return s
}

// Failed returns the most recent jobs that failed for good, oldest first.
func (q *Queue) Failed() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.failed))
	copy(out, q.failed)
	return out
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		job, err := q.take(ctx)
		if err != nil {
			return
		}
		q.process(ctx, job)
	}
}

// take blocks until the earliest due job may start.
func (q *Queue) take(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		wait := time.Duration(-1)
		if len(q.pending) > 0 {
			now := q.clock().Now()
			head := q.pending[0]
			if d := head.RunAt.Sub(now); d > 0 {
				wait = d
			} else if d := q.limiter.Reserve(now); d > 0 {
				wait = d
			} else {
				heap.Pop(&q.pending)
				q.active++
				q.reportLocked()
				q.mu.Unlock()
				return head, nil
			}
		}
		wake := q.wake
		q.mu.Unlock()

		var timer <-chan time.Time
		if wait >= 0 {
			timer = q.clock().After(wait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-timer:
		}
	}
}

func (q *Queue) process(ctx context.Context, job *Job) {
	log := util.OrNop(q.Logger).With("queue", q.cfg.Name, "job_id", job.ID, "order_id", job.Payload.OrderID)
	// Attempts and hooks outlive ctx; Stop waits for them.
	hookCtx := context.WithoutCancel(ctx)

	err := q.run(hookCtx, job)
	job.AttemptsMade++

	switch {
	case err == nil:
		q.finish(hookCtx, job, log)
		q.mu.Lock()
		q.stats.Completed++
		q.mu.Unlock()
		q.Metrics.ObserveJob("completed")
		log.Debugw("job_completed", "attempts", job.AttemptsMade)

	case IsPermanent(err) || job.AttemptsMade >= job.Options.Attempts:
		job.LastError = err.Error()
		log.Warnw("job_failed",
			"attempts", job.AttemptsMade,
			"permanent", IsPermanent(err),
			"err", err,
		)
		if q.OnFailed != nil {
			q.OnFailed(hookCtx, job, err)
		}
		q.finish(hookCtx, job, log)
		q.mu.Lock()
		q.stats.Failed++
		q.failed = append(q.failed, *job)
		if len(q.failed) > maxFailedKept {
			q.failed = q.failed[len(q.failed)-maxFailedKept:]
		}
		q.mu.Unlock()
		q.Metrics.ObserveJob("failed")

	default:
		job.LastError = err.Error()
		delay := job.Options.Backoff.Next(job.AttemptsMade, q.cfg.BackoffMax)
		job.RunAt = q.clock().Now().Add(delay)
		if jerr := q.journal.Save(hookCtx, job); jerr != nil {
			log.Errorw("journal_save_failed", "err", jerr)
		}
		log.Infow("job_retry_scheduled",
			"attempts", job.AttemptsMade,
			"delay_ms", delay.Milliseconds(),
			"err", err,
		)
		if q.OnRetry != nil {
			q.OnRetry(hookCtx, job, err, delay)
		}
		q.mu.Lock()
		q.active--
		q.stats.Retried++
		q.pushLocked(job)
		q.mu.Unlock()
		q.Metrics.ObserveJob("retried")
	}
}

// run executes one attempt on a copy of job.
func (q *Queue) run(ctx context.Context, job *Job) (err error) {
	if q.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.AttemptTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	attempt := *job
	return q.handler(ctx, &attempt)
}

func (q *Queue) finish(ctx context.Context, job *Job, log *zap.SugaredLogger) {
	if err := q.journal.Delete(ctx, job.ID); err != nil {
		log.Errorw("journal_delete_failed", "err", err)
	}
	q.mu.Lock()
	q.active--
	delete(q.live, job.ID)
	q.reportLocked()
	q.mu.Unlock()
}

func (q *Queue) pushLocked(job *Job) {
	q.seq++
	job.seq = q.seq
	q.live[job.ID] = struct{}{}
	heap.Push(&q.pending, job)
	q.notifyLocked()
	q.reportLocked()
}

// notifyLocked wakes every worker blocked in take.
func (q *Queue) notifyLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) reportLocked() {
	q.Metrics.SetQueue(q.active, len(q.pending))
}

// jobHeap orders jobs by RunAt, then by scheduling order.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if !h[i].RunAt.Equal(h[j].RunAt) {
		return h[i].RunAt.Before(h[j].RunAt)
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}
