package api

import "github.com/uhyunpark/swapexec/pkg/order"

// API request and response bodies. Orders and stream events are sent as
// order.Order and order.Event directly.

// ExecuteOrderResponse is returned with 201 once an order is accepted.
type ExecuteOrderResponse struct {
	OrderID string       `json:"orderId"`
	Status  order.Status `json:"status"`
}

// OrderListResponse wraps GET /api/orders.
type OrderListResponse struct {
	Orders []*order.Order `json:"orders"`
	Count  int            `json:"count"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"` // set for validation errors
}

// StreamError is the only message sent on a stream that cannot be opened.
type StreamError struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Queue  string `json:"queue,omitempty"`
}
