package router

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// StaticProvider returns fixed quotes and scripted execution results. It is
// the deterministic stand-in for a venue in tests and local runs.
type StaticProvider struct {
	ProviderName string
	Price        decimal.Decimal
	Fee          decimal.Decimal
	Latency      time.Duration
	QuoteErr     error

	mu sync.Mutex
	// ExecuteErrs is consumed one entry per Execute call; nil entries and an
	// exhausted script mean success.
	ExecuteErrs []error
	FinalPrice  decimal.Decimal

	quotes   atomic.Int32
	executes atomic.Int32
}

func NewStaticProvider(name string, price float64) *StaticProvider {
	return &StaticProvider{
		ProviderName: name,
		Price:        decimal.NewFromFloat(price),
		Fee:          decimal.RequireFromString("0.003"),
		FinalPrice:   decimal.NewFromFloat(price),
	}
}

func (p *StaticProvider) Name() string { return p.ProviderName }

func (p *StaticProvider) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	p.quotes.Add(1)
	if p.Latency > 0 {
		select {
		case <-ctx.Done():
			return Quote{}, ctx.Err()
		case <-time.After(p.Latency):
		}
	}
	if p.QuoteErr != nil {
		return Quote{}, p.QuoteErr
	}
	return Quote{Provider: p.ProviderName, Price: p.Price, Fee: p.Fee}, nil
}

func (p *StaticProvider) Execute(ctx context.Context, req ExecuteRequest) (Receipt, error) {
	n := p.executes.Add(1)
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	p.mu.Lock()
	var err error
	if len(p.ExecuteErrs) > 0 {
		err = p.ExecuteErrs[0]
		p.ExecuteErrs = p.ExecuteErrs[1:]
	}
	p.mu.Unlock()
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		TxHash:     "0xstatic-" + req.OrderID + "-" + strconv.Itoa(int(n)),
		FinalPrice: p.FinalPrice,
	}, nil
}

// FailExecutions scripts the next executions to fail with errs in order.
func (p *StaticProvider) FailExecutions(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExecuteErrs = append(p.ExecuteErrs, errs...)
}

func (p *StaticProvider) QuoteCalls() int   { return int(p.quotes.Load()) }
func (p *StaticProvider) ExecuteCalls() int { return int(p.executes.Load()) }
