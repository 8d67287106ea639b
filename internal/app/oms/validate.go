package oms

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orbit/internal/domain/schema"
)

// Rejection reasons recorded on orders.
const (
	ReasonUnknownInstrument  = "unknown_instrument"
	ReasonInvalidQuantity    = "invalid_quantity"
	ReasonInvalidPrice       = "invalid_price"
	ReasonNoReferencePrice   = "no_reference_price"
	ReasonNoOpenPosition     = "no_open_position"
	ReasonGatewayUnavailable = "gateway_unavailable"
	ReasonInterrupted        = "interrupted"
)

// validationError carries the reject reason of a failed structural check.
type validationError struct {
	reason string
	detail string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("%s: %s", e.reason, e.detail)
}

func invalid(reason, format string, args ...any) *validationError {
	return &validationError{reason: reason, detail: fmt.Sprintf(format, args...)}
}

// validate runs the CREATED → VALIDATED checks.
func validate(order *schema.Order, inst schema.Instrument, known bool) *validationError {
	if !known {
		return invalid(ReasonUnknownInstrument, "instrument %s not registered", order.InstrumentID)
	}
	if !inst.IsLotMultiple(order.Quantity) {
		return invalid(ReasonInvalidQuantity, "quantity %s is not a positive multiple of lot size %s", order.Quantity, inst.LotSize)
	}
	hasLimit := order.LimitPrice != nil
	hasTrigger := order.TriggerPrice != nil
	switch order.Type {
	case schema.OrderTypeMarket:
		if hasLimit || hasTrigger {
			return invalid(ReasonInvalidPrice, "market orders carry no prices")
		}
	case schema.OrderTypeLimit:
		if !hasLimit || hasTrigger {
			return invalid(ReasonInvalidPrice, "limit orders need a limit price only")
		}
	case schema.OrderTypeSL:
		if !hasLimit || !hasTrigger {
			return invalid(ReasonInvalidPrice, "stop-limit orders need limit and trigger prices")
		}
	case schema.OrderTypeSLM:
		if hasLimit || !hasTrigger {
			return invalid(ReasonInvalidPrice, "stop-market orders need a trigger price only")
		}
	default:
		return invalid(ReasonInvalidPrice, "unsupported order type %q", order.Type)
	}
	for _, price := range []*decimal.Decimal{order.LimitPrice, order.TriggerPrice} {
		if price == nil {
			continue
		}
		if !price.IsPositive() {
			return invalid(ReasonInvalidPrice, "price %s must be > 0", price)
		}
		if !inst.OnTick(*price) {
			return invalid(ReasonInvalidPrice, "price %s not aligned to tick size %s", price, inst.TickSize)
		}
	}
	return nil
}

// referencePrice values the order: limit, then trigger, then the last tick.
func referencePrice(order *schema.Order, last decimal.Decimal, haveLast bool) (decimal.Decimal, bool) {
	switch {
	case order.LimitPrice != nil:
		return *order.LimitPrice, true
	case order.TriggerPrice != nil:
		return *order.TriggerPrice, true
	case haveLast && last.IsPositive():
		return last, true
	default:
		return decimal.Zero, false
	}
}

// worstLoss bounds the order's loss by its suggested stop, or returns zero
// when the order carries none.
func worstLoss(order *schema.Order, ref decimal.Decimal) decimal.Decimal {
	if order.SuggestedSL == nil {
		return decimal.Zero
	}
	return ref.Sub(*order.SuggestedSL).Abs().Mul(order.Quantity)
}
