package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapexec/pkg/order"
	"github.com/uhyunpark/swapexec/pkg/queue"
	"github.com/uhyunpark/swapexec/pkg/storage"
	"github.com/uhyunpark/swapexec/pkg/util"
)

// Enqueuer is the part of queue.Queue intake needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.Payload, opts queue.Options) (*queue.Job, error)
}

// Intake accepts orders: it validates, stores the pending row and enqueues
// the execution job. Nothing is written for a request that fails validation.
type Intake struct {
	store storage.Store
	queue Enqueuer

	// Options are applied to every enqueued job.
	Options queue.Options
	Logger  *zap.SugaredLogger
	Clock   util.Clock
	NewID   func() string
}

func NewIntake(store storage.Store, q Enqueuer) *Intake {
	return &Intake{
		store: store,
		queue: q,
		Clock: util.SystemClock(),
		NewID: uuid.NewString,
	}
}

func (in *Intake) Submit(ctx context.Context, req order.Request) (*order.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	o := order.New(in.NewID(), req, in.Clock.Now().UTC())
	if err := in.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	p := queue.Payload{OrderID: o.ID, TokenIn: o.TokenIn, TokenOut: o.TokenOut, Amount: o.Amount}
	job, err := in.queue.Enqueue(ctx, p, in.Options)
	if err != nil {
		// The row would otherwise sit in pending forever.
		c := order.To(order.StatusFailed).WithError("enqueue failed: " + err.Error())
		if _, uerr := in.store.UpdateOrder(ctx, o.ID, c); uerr != nil {
			util.OrNop(in.Logger).Errorw("mark_failed_error", "order_id", o.ID, "err", uerr)
		}
		return nil, fmt.Errorf("enqueue order: %w", err)
	}

	util.OrNop(in.Logger).Infow("order_accepted",
		"order_id", o.ID,
		"job_id", job.ID,
		"token_in", o.TokenIn,
		"token_out", o.TokenOut,
		"amount", o.Amount.String(),
	)
	return o, nil
}
