package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shopspring/decimal"
	"github.com/uhyunpark/swapexec/pkg/metrics"
	"github.com/uhyunpark/swapexec/pkg/util"
)

// Policy decides how provider failures during quote fan-out are treated.
type Policy int

const (
	// PolicyRequireAll fails routing if any provider fails to quote.
	PolicyRequireAll Policy = iota
	// PolicyBestEffort routes on the successful quotes and fails only if
	// every provider fails.
	PolicyBestEffort
)

func (p Policy) String() string {
	switch p {
	case PolicyRequireAll:
		return "all"
	case PolicyBestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "all":
		return PolicyRequireAll, nil
	case "best_effort":
		return PolicyBestEffort, nil
	default:
		return PolicyRequireAll, fmt.Errorf("unknown quote policy %q", s)
	}
}

// Router fans quote requests out to every registered provider and routes
// execution to the chosen one.
type Router struct {
	providers []Provider
	byName    map[string]Provider

	Policy         Policy
	QuoteTimeout   time.Duration
	ExecuteTimeout time.Duration

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	Clock   util.Clock
}

// New registers providers in order; registration order breaks price ties.
func New(providers ...Provider) *Router {
	r := &Router{
		byName: make(map[string]Provider, len(providers)),
		Clock:  util.SystemClock(),
	}
	for _, p := range providers {
		r.providers = append(r.providers, p)
		r.byName[p.Name()] = p
	}
	return r
}

// Providers returns the registered provider names in registration order.
func (r *Router) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

type quoteResult struct {
	quote Quote
	err   error
}

// FindBestRoute requests a quote from every provider concurrently, waits for
// all of them, and returns the lowest-priced quote.
func (r *Router) FindBestRoute(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (Quote, error) {
	if len(r.providers) == 0 {
		return Quote{}, ErrNoProviders
	}
	req := QuoteRequest{TokenIn: tokenIn, TokenOut: tokenOut, Amount: amount}
	results := make([]quoteResult, len(r.providers))

	var wg sync.WaitGroup
	for i, p := range r.providers {
		wg.Go(func() {
			q, err := r.quote(ctx, p, req)
			results[i] = quoteResult{quote: q, err: err}
		})
	}
	wg.Wait()

	routingErr := &RoutingError{Causes: map[string]error{}}
	var best *Quote
	for i, res := range results {
		name := r.providers[i].Name()
		if res.err != nil {
			routingErr.Causes[name] = res.err
			routingErr.order = append(routingErr.order, name)
			continue
		}
		if best == nil || res.quote.Price.LessThan(best.Price) {
			q := res.quote
			best = &q
		}
	}

	if best == nil || (r.Policy == PolicyRequireAll && len(routingErr.order) > 0) {
		return Quote{}, routingErr
	}
	if len(routingErr.order) > 0 {
		r.logger().Warnw("quote_degraded",
			"failed_providers", routingErr.order,
			"chosen", best.Provider)
	}
	return *best, nil
}

func (r *Router) quote(ctx context.Context, p Provider, req QuoteRequest) (Quote, error) {
	if r.QuoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.QuoteTimeout)
		defer cancel()
	}
	start := r.Clock.Now()
	q, err := p.Quote(ctx, req)
	r.Metrics.ObserveQuote(p.Name(), r.Clock.Now().Sub(start), err)
	if err != nil {
		return Quote{}, err
	}
	if q.Provider == "" {
		q.Provider = p.Name()
	}
	return q, nil
}

// ExecuteSwap executes orderID on the named provider. The order id doubles
// as the idempotency key, so a retried execution of an order that already
// went through returns the original receipt.
func (r *Router) ExecuteSwap(ctx context.Context, provider, orderID string) (Receipt, error) {
	p, ok := r.byName[provider]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if r.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.ExecuteTimeout)
		defer cancel()
	}

	rcpt, err := p.Execute(ctx, ExecuteRequest{OrderID: orderID, IdempotencyKey: orderID})
	r.Metrics.ObserveExecution(provider, err)
	if err != nil {
		return Receipt{}, &ExecutionError{Provider: provider, OrderID: orderID, Err: err}
	}
	return rcpt, nil
}

func (r *Router) logger() *zap.SugaredLogger { return util.OrNop(r.Logger) }
