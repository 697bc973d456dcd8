package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrSlippageExceeded = errors.New("slippage tolerance exceeded")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrNoProviders      = errors.New("no providers registered")
)

// Quote is one provider's offer for a pair and size. It is never persisted.
type Quote struct {
	Provider string          `json:"dex"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
}

type QuoteRequest struct {
	TokenIn  string
	TokenOut string
	Amount   decimal.Decimal
}

type ExecuteRequest struct {
	OrderID string
	// IdempotencyKey identifies one logical execution. A provider that has
	// already executed a key successfully returns the same receipt.
	IdempotencyKey string
}

// Receipt is the result of a successful execution.
type Receipt struct {
	TxHash     string
	FinalPrice decimal.Decimal
}

// Provider is a liquidity source able to quote and execute.
type Provider interface {
	Name() string
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
	Execute(ctx context.Context, req ExecuteRequest) (Receipt, error)
}

// ExecutionError is returned when a provider fails to execute a swap.
type ExecutionError struct {
	Provider string
	OrderID  string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute on %s: %v", e.Provider, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// RoutingError aggregates the provider failures that prevented routing.
type RoutingError struct {
	Causes map[string]error
	order  []string
}

func (e *RoutingError) Error() string {
	msg := "routing failed"
	for _, name := range e.order {
		msg += fmt.Sprintf("; %s: %v", name, e.Causes[name])
	}
	return msg
}

func (e *RoutingError) Unwrap() []error {
	out := make([]error, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.Causes[name])
	}
	return out
}
