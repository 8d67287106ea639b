package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL"
	OrderTypeSLM    OrderType = "SL_M"
)

// OrderStatus is a state of the order lifecycle.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "CREATED"
	OrderStatusValidated       OrderStatus = "VALIDATED"
	OrderStatusQueued          OrderStatus = "QUEUED"
	OrderStatusSent            OrderStatus = "SENT"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Live reports whether the order is resting with the broker.
func (s OrderStatus) Live() bool {
	return s == OrderStatusSent || s == OrderStatusPartiallyFilled
}

var orderNamespace = uuid.MustParse("8a3c2e0e-4f7b-5d1a-9c6e-2b7f0d4e9a11")

// OrderIDFor derives the order id of a signal. The same signal always maps to
// the same order.
func OrderIDFor(signalID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(signalID)).String()
}

// Order is the unit tracked by the order management system.
type Order struct {
	OrderID         string           `json:"order_id"`
	SignalID        string           `json:"signal_id"`
	StrategyID      string           `json:"strategy_id"`
	InstrumentID    string           `json:"instrument_id"`
	PositionID      string           `json:"position_id,omitempty"`
	Exit            bool             `json:"exit"`
	ExitReason      string           `json:"exit_reason,omitempty"`
	Side            Side             `json:"side"`
	Type            OrderType        `json:"order_type"`
	Quantity        decimal.Decimal  `json:"quantity"`
	LimitPrice      *decimal.Decimal `json:"limit_price,omitempty"`
	TriggerPrice    *decimal.Decimal `json:"trigger_price,omitempty"`
	Status          OrderStatus      `json:"status"`
	FilledQuantity  decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal  `json:"avg_fill_price"`
	BrokerOrderID   string           `json:"broker_order_id,omitempty"`
	RejectReason    string           `json:"reject_reason,omitempty"`
	SuggestedSL     *decimal.Decimal `json:"suggested_sl,omitempty"`
	SuggestedTarget *decimal.Decimal `json:"suggested_target,omitempty"`
	TrailingDist    *decimal.Decimal `json:"trailing_distance,omitempty"`
	TrailingPct     *decimal.Decimal `json:"trailing_percent,omitempty"`
	Attempts        int              `json:"attempts"`
	Version         int64            `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Clone returns a deep copy safe to publish.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	out.LimitPrice = cloneDecimal(o.LimitPrice)
	out.TriggerPrice = cloneDecimal(o.TriggerPrice)
	out.SuggestedSL = cloneDecimal(o.SuggestedSL)
	out.SuggestedTarget = cloneDecimal(o.SuggestedTarget)
	out.TrailingDist = cloneDecimal(o.TrailingDist)
	out.TrailingPct = cloneDecimal(o.TrailingPct)
	return &out
}

// Fill is a single execution against an order.
type Fill struct {
	FillID        string          `json:"fill_id"`
	OrderID       string          `json:"order_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	InstrumentID  string          `json:"instrument_id"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Timestamp     time.Time       `json:"timestamp"`
}

// OrderEvent is the payload of order.* topics.
type OrderEvent struct {
	Order *Order `json:"order"`
	Fill  *Fill  `json:"fill,omitempty"`
}

// CancelRequest is the payload of order.cancel_requested.
type CancelRequest struct {
	OrderID     string    `json:"order_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// ModifyRequest is the payload of order.modify_requested.
type ModifyRequest struct {
	OrderID      string           `json:"order_id"`
	Quantity     *decimal.Decimal `json:"quantity,omitempty"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	TriggerPrice *decimal.Decimal `json:"trigger_price,omitempty"`
	RequestedAt  time.Time        `json:"requested_at"`
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// DecimalPtr returns a pointer to d.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
