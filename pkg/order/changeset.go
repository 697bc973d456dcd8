package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Changeset is a partial update of one order. Only non-nil fields change.
// An empty Status leaves the status untouched (used to record attempts).
type Changeset struct {
	Status         Status
	Dex            *string
	TxHash         *string
	ExecutionPrice *decimal.Decimal
	Error          *string
	Attempts       *int
}

func To(status Status) Changeset { return Changeset{Status: status} }

func (c Changeset) WithDex(dex string) Changeset {
	c.Dex = &dex
	return c
}

func (c Changeset) WithReceipt(txHash string, price decimal.Decimal) Changeset {
	c.TxHash = &txHash
	c.ExecutionPrice = &price
	return c
}

func (c Changeset) WithError(msg string) Changeset {
	c.Error = &msg
	return c
}

func (c Changeset) WithAttempts(n int) Changeset {
	c.Attempts = &n
	return c
}

// Check validates c against the current row without modifying it.
func (c Changeset) Check(cur *Order) error {
	target := cur.Status
	if c.Status != "" {
		if !CanTransition(cur.Status, c.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, c.Status)
		}
		target = c.Status
	} else if cur.Status.IsTerminal() && (c.Dex != nil || c.TxHash != nil || c.ExecutionPrice != nil || c.Error != nil) {
		return fmt.Errorf("%w: order is %s", ErrInvalidTransition, cur.Status)
	}

	if c.Dex != nil {
		if target != StatusBuilding {
			return fmt.Errorf("%w: dex outside building", ErrInvalidTransition)
		}
		if cur.Dex != "" {
			return fmt.Errorf("%w: dex", ErrFieldAlreadySet)
		}
	}
	if c.TxHash != nil || c.ExecutionPrice != nil {
		if target != StatusConfirmed {
			return fmt.Errorf("%w: receipt outside confirmed", ErrInvalidTransition)
		}
		if cur.TxHash != "" || cur.ExecutionPrice != nil {
			return fmt.Errorf("%w: receipt", ErrFieldAlreadySet)
		}
	}
	if c.Error != nil && target != StatusFailed {
		return fmt.Errorf("%w: error outside failed", ErrInvalidTransition)
	}
	return nil
}

// Apply returns the updated copy of cur. Callers run Check first.
func (c Changeset) Apply(cur *Order, now time.Time) *Order {
	next := cur.Clone()
	if c.Status != "" {
		next.Status = c.Status
	}
	if c.Dex != nil {
		next.Dex = *c.Dex
	}
	if c.TxHash != nil {
		next.TxHash = *c.TxHash
	}
	if c.ExecutionPrice != nil {
		p := *c.ExecutionPrice
		next.ExecutionPrice = &p
	}
	if c.Error != nil {
		next.Error = *c.Error
	}
	if c.Attempts != nil {
		next.Attempts = *c.Attempts
	}
	next.UpdatedAt = now
	return next
}

// Columns lists the changed fields as storage column names. Used by the SQL
// store to build a single parameterized update.
func (c Changeset) Columns() map[string]any {
	cols := map[string]any{}
	if c.Status != "" {
		cols["status"] = string(c.Status)
	}
	if c.Dex != nil {
		cols["dex"] = *c.Dex
	}
	if c.TxHash != nil {
		cols["tx_hash"] = *c.TxHash
	}
	if c.ExecutionPrice != nil {
		cols["execution_price"] = *c.ExecutionPrice
	}
	if c.Error != nil {
		cols["error"] = *c.Error
	}
	if c.Attempts != nil {
		cols["attempts"] = *c.Attempts
	}
	return cols
}
