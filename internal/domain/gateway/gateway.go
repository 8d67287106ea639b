// Package gateway defines the broker capability consumed by the order management system.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orbit/internal/domain/schema"
)

// ExecutionKind classifies a broker notification.
type ExecutionKind string

const (
	ExecutionFill      ExecutionKind = "fill"
	ExecutionReject    ExecutionKind = "reject"
	ExecutionCancelled ExecutionKind = "cancelled"
)

// Execution is an asynchronous broker notification for an order.
type Execution struct {
	Kind          ExecutionKind   `json:"kind"`
	BrokerOrderID string          `json:"broker_order_id"`
	OrderID       string          `json:"order_id"`
	InstrumentID  string          `json:"instrument_id"`
	FillID        string          `json:"fill_id,omitempty"`
	Side          schema.Side     `json:"side,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// PlaceRequest is the broker-facing view of an order.
type PlaceRequest struct {
	ClientOrderID string
	InstrumentID  string
	Symbol        string
	Exchange      string
	Side          schema.Side
	Type          schema.OrderType
	Quantity      decimal.Decimal
	LimitPrice    *decimal.Decimal
	TriggerPrice  *decimal.Decimal
}

// ModifyRequest amends a resting order.
type ModifyRequest struct {
	BrokerOrderID string
	Quantity      *decimal.Decimal
	LimitPrice    *decimal.Decimal
	TriggerPrice  *decimal.Decimal
}

// Gateway is the broker capability set. Transport failures are reported with
// errs.CodeNetwork or errs.CodeUnavailable; broker refusals with errs.CodeExchange.
type Gateway interface {
	Name() string
	Place(ctx context.Context, req PlaceRequest) (brokerOrderID string, err error)
	Cancel(ctx context.Context, brokerOrderID string) error
	Modify(ctx context.Context, req ModifyRequest) error
	Executions() <-chan Execution
}

// PriceObserver is implemented by gateways that price against market data.
type PriceObserver interface {
	ObserveTick(tick schema.Tick)
}
