package oms

import (
	"errors"
	"fmt"

	"github.com/coachpo/orbit/internal/domain/schema"
)

// ErrInvalidTransition reports a status change outside the lifecycle table.
var ErrInvalidTransition = errors.New("invalid order status transition")

var transitions = map[schema.OrderStatus][]schema.OrderStatus{
	schema.OrderStatusCreated: {
		schema.OrderStatusValidated,
		schema.OrderStatusRejected,
	},
	schema.OrderStatusValidated: {
		schema.OrderStatusQueued,
		schema.OrderStatusRejected,
	},
	schema.OrderStatusQueued: {
		schema.OrderStatusSent,
		schema.OrderStatusRejected,
		schema.OrderStatusCancelled,
	},
	schema.OrderStatusSent: {
		schema.OrderStatusPartiallyFilled,
		schema.OrderStatusFilled,
		schema.OrderStatusRejected,
		schema.OrderStatusCancelled,
	},
	schema.OrderStatusPartiallyFilled: {
		schema.OrderStatusPartiallyFilled,
		schema.OrderStatusSent,
		schema.OrderStatusFilled,
		schema.OrderStatusCancelled,
	},
}

// CanTransition reports whether from → to is in the lifecycle table.
func CanTransition(from, to schema.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves the order to status or returns ErrInvalidTransition.
func transition(order *schema.Order, to schema.OrderStatus) error {
	if !CanTransition(order.Status, to) {
		return fmt.Errorf("order %s %s -> %s: %w", order.OrderID, order.Status, to, ErrInvalidTransition)
	}
	order.Status = to
	order.Version++
	return nil
}
