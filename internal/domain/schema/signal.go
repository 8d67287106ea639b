package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the intent carried by a signal.
type Direction string

const (
	DirectionEnterLong  Direction = "enter_long"
	DirectionEnterShort Direction = "enter_short"
	DirectionExit       Direction = "exit"
)

// Signal metadata keys.
const (
	MetaQuantity     = "quantity"
	MetaLimitPrice   = "limit_price"
	MetaTriggerPrice = "trigger_price"
	MetaPositionID   = "position_id"
	MetaExitReason   = "exit_reason"
	MetaTrailing     = "trailing_distance"
	MetaTrailingPct  = "trailing_percent"
)

// Exit reasons attached to position manager signals.
const (
	ExitReasonStopLoss = "stop_loss"
	ExitReasonTarget   = "target"
	ExitReasonManual   = "manual"
)

// Signal is an instruction to enter or exit a position.
type Signal struct {
	SignalID        string            `json:"signal_id"`
	StrategyID      string            `json:"strategy_id"`
	InstrumentID    string            `json:"instrument_id"`
	Direction       Direction         `json:"direction"`
	Strength        float64           `json:"strength"`
	SuggestedSL     *decimal.Decimal  `json:"suggested_sl,omitempty"`
	SuggestedTarget *decimal.Decimal  `json:"suggested_target,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Validate checks structural fields of the signal.
func (s Signal) Validate() error {
	if strings.TrimSpace(s.SignalID) == "" {
		return fmt.Errorf("signal id required")
	}
	if strings.TrimSpace(s.StrategyID) == "" {
		return fmt.Errorf("signal %s: strategy id required", s.SignalID)
	}
	if strings.TrimSpace(s.InstrumentID) == "" {
		return fmt.Errorf("signal %s: instrument id required", s.SignalID)
	}
	switch s.Direction {
	case DirectionEnterLong, DirectionEnterShort, DirectionExit:
	default:
		return fmt.Errorf("signal %s: unsupported direction %q", s.SignalID, s.Direction)
	}
	if s.Strength < 0 || s.Strength > 1 {
		return fmt.Errorf("signal %s: strength %v outside [0,1]", s.SignalID, s.Strength)
	}
	return nil
}

// Meta returns a metadata value, or "" when absent.
func (s Signal) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(s.Metadata[key])
}

// MetaDecimal parses a decimal metadata value; ok is false when absent.
func (s Signal) MetaDecimal(key string) (decimal.Decimal, bool, error) {
	raw := s.Meta(key)
	if raw == "" {
		return decimal.Zero, false, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, true, fmt.Errorf("signal %s: metadata %s: %w", s.SignalID, key, err)
	}
	return v, true, nil
}
