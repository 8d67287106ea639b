package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// EntrySide returns the order side that opens a position of this side.
func (s PositionSide) EntrySide() Side {
	if s == PositionShort {
		return SideSell
	}
	return SideBuy
}

// ExitSide returns the order side that reduces a position of this side.
func (s PositionSide) ExitSide() Side {
	return s.EntrySide().Opposite()
}

// PositionSideFor returns the position side opened by an order side.
func PositionSideFor(side Side) PositionSide {
	if side == SideSell {
		return PositionShort
	}
	return PositionLong
}

// Position is a net exposure per (strategy, instrument).
type Position struct {
	PositionID       string           `json:"position_id"`
	InstrumentID     string           `json:"instrument_id"`
	StrategyID       string           `json:"strategy_id"`
	Side             PositionSide     `json:"side"`
	Quantity         decimal.Decimal  `json:"quantity"`
	AvgEntryPrice    decimal.Decimal  `json:"avg_entry_price"`
	SLPrice          *decimal.Decimal `json:"sl_price,omitempty"`
	TargetPrice      *decimal.Decimal `json:"target_price,omitempty"`
	TrailingEnabled  bool             `json:"trailing_enabled"`
	TrailingDistance decimal.Decimal  `json:"trailing_distance"`
	TrailingPercent  bool             `json:"trailing_percent,omitempty"`
	HighWaterMark    decimal.Decimal  `json:"high_water_mark"`
	LastPrice        decimal.Decimal  `json:"last_price"`
	PendingExit      bool             `json:"pending_exit"`
	ExitOrderID      string           `json:"exit_order_id,omitempty"`
	RealizedPnL      decimal.Decimal  `json:"realized_pnl"`
	AppliedFills     []string         `json:"applied_fills,omitempty"`
	Version          int64            `json:"version"`
	OpenedAt         time.Time        `json:"opened_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
}

// Open reports whether the position still carries quantity.
func (p *Position) Open() bool {
	return p != nil && p.ClosedAt == nil && !p.Quantity.IsZero()
}

// AbsQuantity returns the unsigned quantity.
func (p *Position) AbsQuantity() decimal.Decimal {
	return p.Quantity.Abs()
}

// Value returns |quantity| × average entry.
func (p *Position) Value() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.AvgEntryPrice)
}

// UnrealizedPnL marks the position at price.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.AvgEntryPrice).Mul(p.Quantity)
}

// Clone returns a deep copy safe to publish.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	out := *p
	out.SLPrice = cloneDecimal(p.SLPrice)
	out.TargetPrice = cloneDecimal(p.TargetPrice)
	if p.AppliedFills != nil {
		out.AppliedFills = append([]string(nil), p.AppliedFills...)
	}
	if p.ClosedAt != nil {
		ts := *p.ClosedAt
		out.ClosedAt = &ts
	}
	return &out
}

// PositionEvent is the payload of position.* topics.
type PositionEvent struct {
	Position *Position       `json:"position"`
	Realized decimal.Decimal `json:"realized"`
}
