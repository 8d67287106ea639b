package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Limits defines the portfolio and strategy circuit breakers.
type Limits struct {
	// MaxDailyLoss is the positive loss budget of a session; the portfolio
	// halts once its daily P&L reaches -MaxDailyLoss.
	MaxDailyLoss decimal.Decimal

	// MaxPositionValue caps the portfolio's open exposure.
	MaxPositionValue decimal.Decimal

	// ConsecutiveLossLimit pauses a strategy after this many losing closed
	// trades in one session. Zero disables the check.
	ConsecutiveLossLimit int
}

// Validate checks that the limits are usable.
func (l Limits) Validate() error {
	if !l.MaxDailyLoss.IsPositive() {
		return fmt.Errorf("max daily loss must be > 0")
	}
	if !l.MaxPositionValue.IsPositive() {
		return fmt.Errorf("max position value must be > 0")
	}
	if l.ConsecutiveLossLimit < 0 {
		return fmt.Errorf("consecutive loss limit must be >= 0")
	}
	return nil
}

// AdmissionRequest is evaluated before an order is sent.
type AdmissionRequest struct {
	StrategyID   string
	InstrumentID string
	OrderValue   decimal.Decimal
	// MaxLoss is the order's worst-case loss; zero defaults to OrderValue.
	MaxLoss decimal.Decimal
	// Exit marks risk-reducing orders, which only a hard stop can block.
	Exit bool
	Now  time.Time
}

// Decision is the outcome of an admission check. A denial is a normal result.
type Decision struct {
	Allow  bool
	Reason string
	Scope  string
}

func allow() Decision { return Decision{Allow: true} }

func deny(scope, reason string) Decision {
	return Decision{Allow: false, Reason: reason, Scope: scope}
}
