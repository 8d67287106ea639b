// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"

	"github.com/coachpo/orbit/internal/domain/schema"
)

// OrderQuery scopes order lookups.
type OrderQuery struct {
	StrategyID   string               `json:"strategyId,omitempty"`
	InstrumentID string               `json:"instrumentId,omitempty"`
	Statuses     []schema.OrderStatus `json:"statuses,omitempty"`
	Limit        int                  `json:"limit,omitempty"`
}

// FillQuery scopes fill lookups.
type FillQuery struct {
	OrderID string `json:"orderId,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Tx encapsulates order persistence operations executed within a single transaction.
type Tx interface {
	UpsertOrder(ctx context.Context, order *schema.Order) error
	RecordFill(ctx context.Context, fill schema.Fill) error
}

// Store defines the contract for order persistence operations.
type Store interface {
	Tx
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	GetOrder(ctx context.Context, id string) (*schema.Order, error)
	ListOrders(ctx context.Context, query OrderQuery) ([]*schema.Order, error)
	ListFills(ctx context.Context, query FillQuery) ([]schema.Fill, error)
}
