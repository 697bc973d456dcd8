package order

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Order is one row of the state store.
type Order struct {
	ID             string           `json:"id"`
	TokenIn        string           `json:"tokenIn"`
	TokenOut       string           `json:"tokenOut"`
	Amount         decimal.Decimal  `json:"amount"`
	Status         Status           `json:"status"`
	Dex            string           `json:"dex,omitempty"`
	TxHash         string           `json:"txHash,omitempty"`
	ExecutionPrice *decimal.Decimal `json:"executionPrice,omitempty"`
	Error          string           `json:"error,omitempty"`
	Attempts       int              `json:"attempts"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Clone returns a copy that shares no pointers with o.
func (o *Order) Clone() *Order {
	cp := *o
	if o.ExecutionPrice != nil {
		p := *o.ExecutionPrice
		cp.ExecutionPrice = &p
	}
	return &cp
}

// Request is the intake payload.
type Request struct {
	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	Amount   decimal.Decimal `json:"amount"`
}

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the request and normalizes token symbols in place.
func (r *Request) Validate() error {
	r.TokenIn = strings.TrimSpace(r.TokenIn)
	r.TokenOut = strings.TrimSpace(r.TokenOut)

	if err := checkSymbol("tokenIn", r.TokenIn); err != nil {
		return err
	}
	if err := checkSymbol("tokenOut", r.TokenOut); err != nil {
		return err
	}
	if strings.EqualFold(r.TokenIn, r.TokenOut) {
		return &ValidationError{Field: "tokenOut", Reason: "must differ from tokenIn"}
	}
	if !r.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	return nil
}

// MaxSymbolLen bounds token symbols; stores size their columns to it.
const MaxSymbolLen = 50

func checkSymbol(field, sym string) error {
	switch {
	case sym == "":
		return &ValidationError{Field: field, Reason: "required"}
	case utf8.RuneCountInString(sym) > MaxSymbolLen:
		return &ValidationError{Field: field, Reason: fmt.Sprintf("longer than %d characters", MaxSymbolLen)}
	}
	for _, c := range sym {
		if !unicode.IsPrint(c) || unicode.IsSpace(c) {
			return &ValidationError{Field: field, Reason: "contains whitespace or control characters"}
		}
	}
	return nil
}

// New builds a pending order from a validated request.
func New(id string, r Request, now time.Time) *Order {
	return &Order{
		ID:        id,
		TokenIn:   r.TokenIn,
		TokenOut:  r.TokenOut,
		Amount:    r.Amount,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
