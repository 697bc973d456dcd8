package order

import "errors"

var (
	ErrNotFound          = errors.New("order not found")
	ErrDuplicateID       = errors.New("order id already exists")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrFieldAlreadySet   = errors.New("order field already set")
)

// Status is the lifecycle position of an order.
//
//	pending -> processing -> routing -> building -> submitted -> confirmed
//	   \__________\___________\__________\____________\-------> failed
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRouting    Status = "routing"
	StatusBuilding   Status = "building"
	StatusSubmitted  Status = "submitted"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusRouting:    2,
	StatusBuilding:   3,
	StatusSubmitted:  4,
	StatusConfirmed:  5,
	StatusFailed:     5,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Reached reports whether s is at or past target on the success path.
// A failed order has reached nothing but failed.
func (s Status) Reached(target Status) bool {
	if s == StatusFailed || target == StatusFailed {
		return s == target
	}
	return statusRank[s] >= statusRank[target]
}

// Next returns the following status on the success path.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusPending:
		return StatusProcessing, true
	case StatusProcessing:
		return StatusRouting, true
	case StatusRouting:
		return StatusBuilding, true
	case StatusBuilding:
		return StatusSubmitted, true
	case StatusSubmitted:
		return StatusConfirmed, true
	default:
		return "", false
	}
}

// CanTransition reports whether from -> to is a legal single step.
// Success-path states advance one at a time; failed is reachable from any
// non-terminal state.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}
