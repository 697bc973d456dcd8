package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/swapexec/pkg/notify"
	"github.com/uhyunpark/swapexec/pkg/order"
	"github.com/uhyunpark/swapexec/pkg/queue"
	"github.com/uhyunpark/swapexec/pkg/router"
	"github.com/uhyunpark/swapexec/pkg/storage"
)

// recorder keeps every published event in publish order.
type recorder struct {
	notify.Bus
	mu     sync.Mutex
	events []order.Event
}

func (r *recorder) Publish(ctx context.Context, id string, ev order.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return r.Bus.Publish(ctx, id, ev)
}

func (r *recorder) snapshot() []order.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]order.Event(nil), r.events...)
}

func (r *recorder) statuses(kind order.EventKind) []order.Status {
	var out []order.Status
	for _, ev := range r.snapshot() {
		if ev.Type == kind {
			out = append(out, ev.Status)
		}
	}
	return out
}

type harness struct {
	store *storage.MemoryStore
	bus   *recorder
	a, b  *router.StaticProvider
	exec  *Executor
}

func newHarness() *harness {
	h := &harness{
		store: storage.NewMemoryStore(),
		bus:   &recorder{Bus: notify.NewLocalBus()},
		a:     router.NewStaticProvider("Raydium", 100),
		b:     router.NewStaticProvider("Meteora", 99.5),
	}
	h.exec = NewExecutor(h.store, router.New(h.a, h.b), h.bus)
	return h
}

func (h *harness) createOrder(t *testing.T, id string) *queue.Job {
	t.Helper()
	o := order.New(id, order.Request{TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.NewFromInt(1)}, time.Now())
	require.NoError(t, h.store.CreateOrder(context.Background(), o))
	return &queue.Job{
		ID:      "job-" + id,
		Payload: queue.Payload{OrderID: id, TokenIn: o.TokenIn, TokenOut: o.TokenOut, Amount: o.Amount},
		Options: queue.Options{Attempts: 3},
	}
}

var successPath = []order.Status{
	order.StatusProcessing,
	order.StatusRouting,
	order.StatusBuilding,
	order.StatusSubmitted,
	order.StatusConfirmed,
}

func TestHandleConfirmsOrder(t *testing.T) {
	h := newHarness()
	job := h.createOrder(t, "o-1")

	require.NoError(t, h.exec.Handle(context.Background(), job))

	assert.Equal(t, successPath, h.bus.statuses(order.EventTransition))
	events := h.bus.snapshot()
	assert.Equal(t, "Meteora", events[2].Dex)
	last := events[len(events)-1]
	assert.True(t, last.IsTerminal())
	assert.NotEmpty(t, last.TxHash)
	assert.InDelta(t, 99.5, last.ExecutionPrice, 1e-9)

	row, err := h.store.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, row.Status)
	assert.Equal(t, "Meteora", row.Dex)
	assert.Equal(t, last.TxHash, row.TxHash)
	assert.Equal(t, 1, row.Attempts)
}

func TestHandleResumesFromPersistedStatus(t *testing.T) {
	h := newHarness()
	job := h.createOrder(t, "o-1")
	h.b.FailExecutions(router.ErrSlippageExceeded)

	err := h.exec.Handle(context.Background(), job)
	var execErr *router.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, router.ErrSlippageExceeded)

	row, err := h.store.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, row.Status)
	assert.Equal(t, "Meteora", row.Dex)

	job.AttemptsMade = 1
	require.NoError(t, h.exec.Handle(context.Background(), job))

	// No state is entered twice and the chosen dex is not requoted.
	assert.Equal(t, successPath, h.bus.statuses(order.EventTransition))
	assert.Equal(t, 1, h.a.QuoteCalls())
	assert.Equal(t, 1, h.b.QuoteCalls())
	assert.Equal(t, 2, h.b.ExecuteCalls())
	assert.Zero(t, h.a.ExecuteCalls())

	row, err = h.store.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, 2, row.Attempts)
}

func TestHandleRoutingFailure(t *testing.T) {
	h := newHarness()
	job := h.createOrder(t, "o-1")
	h.a.QuoteErr = errors.New("pool unavailable")

	err := h.exec.Handle(context.Background(), job)
	var routingErr *router.RoutingError
	require.ErrorAs(t, err, &routingErr)
	assert.False(t, queue.IsPermanent(err))

	assert.Equal(t, []order.Status{order.StatusProcessing, order.StatusRouting}, h.bus.statuses(order.EventTransition))
	row, err := h.store.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusRouting, row.Status)
	assert.Empty(t, row.Dex)
}

func TestHandleMissingOrderIsPermanent(t *testing.T) {
	h := newHarness()
	job := &queue.Job{Payload: queue.Payload{OrderID: "missing"}, Options: queue.Options{Attempts: 3}}

	err := h.exec.Handle(context.Background(), job)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, order.ErrNotFound)
	assert.Empty(t, h.bus.snapshot())
}

func TestHandleTerminalOrderIsNoop(t *testing.T) {
	h := newHarness()
	job := h.createOrder(t, "o-1")
	require.NoError(t, h.exec.Handle(context.Background(), job))
	published := len(h.bus.snapshot())

	require.NoError(t, h.exec.Handle(context.Background(), job))
	assert.Len(t, h.bus.snapshot(), published)
	assert.Equal(t, 1, h.b.ExecuteCalls())
}

func TestHandleFailedWritesTerminalFailure(t *testing.T) {
	h := newHarness()
	job := h.createOrder(t, "o-1")
	job.AttemptsMade = 3

	h.exec.HandleFailed(context.Background(), job, router.ErrSlippageExceeded)

	row, err := h.store.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, row.Status)
	assert.Equal(t, "max retries reached: slippage tolerance exceeded", row.Error)
	assert.Equal(t, 3, row.Attempts)

	events := h.bus.snapshot()
	require.Len(t, events, 1)
	assert.True(t, events[0].IsTerminal())
	assert.Equal(t, row.Error, events[0].Error)

	// A second exhaustion report for the same order changes nothing.
	h.exec.HandleFailed(context.Background(), job, router.ErrSlippageExceeded)
	assert.Len(t, h.bus.snapshot(), 1)
}

func newPipeline(t *testing.T, h *harness) (*Intake, *queue.Queue) {
	t.Helper()
	q := queue.New(queue.Config{
		Name:        "order-execution",
		Concurrency: 2,
		Defaults: queue.Options{
			Attempts: 3,
			Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: time.Millisecond},
		},
	}, queue.NewMemoryJournal(), h.exec.Handle)
	h.exec.Attach(q)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Start(ctx))
	t.Cleanup(func() {
		_ = q.Stop(context.Background())
		cancel()
	})
	return NewIntake(h.store, q), q
}

func waitForStatus(t *testing.T, h *harness, id string, want order.Status) *order.Order {
	t.Helper()
	var row *order.Order
	require.Eventually(t, func() bool {
		var err error
		row, err = h.store.GetOrder(context.Background(), id)
		return err == nil && row.Status == want
	}, 3*time.Second, 5*time.Millisecond)
	return row
}

func TestPipelineRetriesThenConfirms(t *testing.T) {
	h := newHarness()
	h.b.FailExecutions(router.ErrSlippageExceeded)
	intake, q := newPipeline(t, h)

	o, err := intake.Submit(context.Background(), order.Request{TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)

	row := waitForStatus(t, h, o.ID, order.StatusConfirmed)
	assert.Equal(t, 2, row.Attempts)
	require.Eventually(t, func() bool { return q.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, successPath, h.bus.statuses(order.EventTransition))
	retries := h.bus.statuses(order.EventRetry)
	require.Equal(t, []order.Status{order.StatusSubmitted}, retries)

	for _, ev := range h.bus.snapshot() {
		if ev.Type == order.EventRetry {
			assert.Equal(t, 1, ev.Attempt)
			assert.Equal(t, int64(1), ev.RetryInMs)
			assert.Contains(t, ev.Error, "slippage")
		}
	}
}

func TestPipelineExhaustsRetries(t *testing.T) {
	h := newHarness()
	h.b.FailExecutions(router.ErrSlippageExceeded, router.ErrSlippageExceeded, router.ErrSlippageExceeded)
	intake, q := newPipeline(t, h)

	o, err := intake.Submit(context.Background(), order.Request{TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.NewFromInt(2)})
	require.NoError(t, err)

	row := waitForStatus(t, h, o.ID, order.StatusFailed)
	assert.True(t, strings.HasPrefix(row.Error, "max retries reached: "), row.Error)
	assert.Contains(t, row.Error, "slippage")
	assert.Equal(t, 3, row.Attempts)
	require.Eventually(t, func() bool { return q.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)

	events := h.bus.snapshot()
	terminal := 0
	for _, ev := range events {
		if ev.IsTerminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	assert.True(t, events[len(events)-1].IsTerminal())
	assert.Equal(t, order.StatusFailed, events[len(events)-1].Status)
	assert.Len(t, h.bus.statuses(order.EventRetry), 2)
}

type failingEnqueuer struct{ calls int }

func (f *failingEnqueuer) Enqueue(context.Context, queue.Payload, queue.Options) (*queue.Job, error) {
	f.calls++
	return nil, queue.ErrQueueClosed
}

func TestIntakeRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name  string
		req   order.Request
		field string
	}{
		{"zero amount", order.Request{TokenIn: "SOL", TokenOut: "USDC"}, "amount"},
		{"negative amount", order.Request{TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.NewFromInt(-1)}, "amount"},
		{"missing tokenIn", order.Request{TokenOut: "USDC", Amount: decimal.NewFromInt(1)}, "tokenIn"},
		{"same token", order.Request{TokenIn: "SOL", TokenOut: "sol", Amount: decimal.NewFromInt(1)}, "tokenOut"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			enq := &failingEnqueuer{}
			_, err := NewIntake(store, enq).Submit(context.Background(), tt.req)

			var verr *order.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Zero(t, store.Len())
			assert.Zero(t, enq.calls)
		})
	}
}

func TestIntakeEnqueueFailureFailsOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	in := NewIntake(store, &failingEnqueuer{})
	in.NewID = func() string { return "o-fixed" }

	_, err := in.Submit(context.Background(), order.Request{TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, queue.ErrQueueClosed)

	row, err := store.GetOrder(context.Background(), "o-fixed")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, row.Status)
	assert.Contains(t, row.Error, "enqueue failed")
}
