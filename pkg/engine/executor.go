package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moby/locker"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapexec/pkg/metrics"
	"github.com/uhyunpark/swapexec/pkg/notify"
	"github.com/uhyunpark/swapexec/pkg/order"
	"github.com/uhyunpark/swapexec/pkg/queue"
	"github.com/uhyunpark/swapexec/pkg/router"
	"github.com/uhyunpark/swapexec/pkg/storage"
	"github.com/uhyunpark/swapexec/pkg/util"
)

// Executor drives one order through its lifecycle per queue attempt.
//
// Every status change is persisted first and then published with the same
// content, under a per-order lock so subscribers see changes in the order
// they were stored. An attempt resumes from the persisted status: steps the
// order already passed are skipped, a chosen dex is reused, and execution is
// keyed by order id so a repeated submit returns the original receipt.
type Executor struct {
	store  storage.Store
	router *router.Router
	bus    notify.Bus

	Events  storage.EventLog
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	Clock   util.Clock

	locks *locker.Locker
}

func NewExecutor(store storage.Store, r *router.Router, bus notify.Bus) *Executor {
	return &Executor{
		store:  store,
		router: r,
		bus:    bus,
		Events: storage.NopEventLog{},
		Clock:  util.SystemClock(),
		locks:  locker.New(),
	}
}

// Attach registers the retry and failure hooks on q. The handler itself is
// passed to queue.New as e.Handle.
func (e *Executor) Attach(q *queue.Queue) {
	q.OnRetry = e.HandleRetry
	q.OnFailed = e.HandleFailed
}

// Handle runs one attempt for the job's order. It is a queue.Handler.
func (e *Executor) Handle(ctx context.Context, job *queue.Job) error {
	id := job.Payload.OrderID
	log := e.logger().With("order_id", id, "attempt", job.Attempt())

	cur, err := e.store.GetOrder(ctx, id)
	if errors.Is(err, order.ErrNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if cur.Status.IsTerminal() {
		// Redelivered after the order already finished.
		log.Debugw("order_already_terminal", "status", cur.Status)
		return nil
	}

	for _, step := range []order.Status{order.StatusProcessing, order.StatusRouting} {
		if cur.Status.Reached(step) {
			continue
		}
		if cur, err = e.transition(ctx, id, order.To(step)); err != nil {
			return err
		}
	}

	if cur.Dex == "" {
		quote, err := e.router.FindBestRoute(ctx, cur.TokenIn, cur.TokenOut, cur.Amount)
		if err != nil {
			return err
		}
		log.Infow("route_selected", "dex", quote.Provider, "price", quote.Price.String(), "fee", quote.Fee.String())
		if cur, err = e.transition(ctx, id, order.To(order.StatusBuilding).WithDex(quote.Provider)); err != nil {
			return err
		}
	}

	if !cur.Status.Reached(order.StatusSubmitted) {
		if cur, err = e.transition(ctx, id, order.To(order.StatusSubmitted)); err != nil {
			return err
		}
	}

	rcpt, err := e.router.ExecuteSwap(ctx, cur.Dex, id)
	if err != nil {
		return err
	}
	c := order.To(order.StatusConfirmed).
		WithReceipt(rcpt.TxHash, rcpt.FinalPrice).
		WithAttempts(job.Attempt())
	if _, err := e.transition(ctx, id, c); err != nil {
		return err
	}
	log.Infow("order_confirmed", "dex", cur.Dex, "tx_hash", rcpt.TxHash, "price", rcpt.FinalPrice.String())
	return nil
}

// HandleRetry records the failed attempt and announces the retry. It is a
// queue.RetryFunc; the order's status is left as is.
func (e *Executor) HandleRetry(ctx context.Context, job *queue.Job, cause error, delay time.Duration) {
	id := job.Payload.OrderID
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	row, err := e.store.UpdateOrder(ctx, id, order.Changeset{}.WithAttempts(job.AttemptsMade))
	if err != nil {
		e.logger().Errorw("record_attempt_failed", "order_id", id, "err", err)
		return
	}
	e.publish(ctx, order.RetryEvent(row, job.AttemptsMade, cause, delay, e.Clock.Now()))
	e.logger().Warnw("order_attempt_failed",
		"order_id", id,
		"attempt", job.AttemptsMade,
		"status", row.Status,
		"retry_in_ms", delay.Milliseconds(),
		"err", cause,
	)
}

// HandleFailed forces the order to failed once the queue gives up on its
// job. It is a queue.FailedFunc and the only place a failed event is
// published.
func (e *Executor) HandleFailed(ctx context.Context, job *queue.Job, cause error) {
	id := job.Payload.OrderID
	msg := FailureMessage(cause)
	if queue.IsPermanent(cause) {
		msg = cause.Error()
	}

	c := order.To(order.StatusFailed).WithError(msg).WithAttempts(job.AttemptsMade)
	row, err := e.transition(ctx, id, c)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) || errors.Is(err, order.ErrInvalidTransition) {
			e.logger().Debugw("order_not_failed", "order_id", id, "err", err)
			return
		}
		e.logger().Errorw("mark_failed_error", "order_id", id, "err", err)
		return
	}
	e.logger().Errorw("order_failed", "order_id", id, "attempts", row.Attempts, "error", msg)
}

// FailureMessage is the error text stored on an order whose retries ran out.
func FailureMessage(cause error) string {
	return "max retries reached: " + cause.Error()
}

// transition persists c and publishes the matching event.
func (e *Executor) transition(ctx context.Context, id string, c order.Changeset) (*order.Order, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	row, err := e.store.UpdateOrder(ctx, id, c)
	if err != nil {
		err = fmt.Errorf("persist %s: %w", c.Status, err)
		if errors.Is(err, order.ErrNotFound) || errors.Is(err, order.ErrInvalidTransition) || errors.Is(err, order.ErrFieldAlreadySet) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}
	e.Metrics.ObserveTransition(string(row.Status))
	e.publish(ctx, order.TransitionEvent(row, c, e.Clock.Now()))
	e.logger().Debugw("order_transition", "order_id", id, "status", row.Status)
	return row, nil
}

// publish is best-effort: the row is already stored.
func (e *Executor) publish(ctx context.Context, ev order.Event) {
	if e.Events != nil {
		e.Events.Append(ev)
	}
	if err := e.bus.Publish(ctx, ev.OrderID, ev); err != nil {
		e.logger().Warnw("publish_failed", "order_id", ev.OrderID, "status", ev.Status, "err", err)
	}
}

func (e *Executor) logger() *zap.SugaredLogger { return util.OrNop(e.Logger) }
