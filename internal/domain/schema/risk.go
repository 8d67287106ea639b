package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ScopePortfolio identifies the aggregate risk scope.
const ScopePortfolio = "portfolio"

const strategyScopePrefix = "strategy:"

// StrategyScope returns the risk scope for a strategy.
func StrategyScope(strategyID string) string {
	return strategyScopePrefix + strategyID
}

// ScopeStrategyID extracts the strategy id from a strategy scope.
func ScopeStrategyID(scope string) (string, bool) {
	if !strings.HasPrefix(scope, strategyScopePrefix) {
		return "", false
	}
	return strings.TrimPrefix(scope, strategyScopePrefix), true
}

// HaltKind distinguishes normal breaker halts from the operator kill switch.
type HaltKind string

const (
	HaltNone     HaltKind = ""
	HaltNormal   HaltKind = "normal"
	HaltHardStop HaltKind = "hard_stop"
)

// Risk denial and halt reasons.
const (
	ReasonPortfolioHalted      = "portfolio_halted"
	ReasonConsecutiveLossLimit = "consecutive_loss_limit"
	ReasonMaxPositionValue     = "max_position_value"
	ReasonMaxDailyLoss         = "max_daily_loss"
	ReasonHardStop             = "hard_stop"
)

// RiskState is the snapshot of one risk scope.
type RiskState struct {
	Scope             string          `json:"scope"`
	DailyPnL          decimal.Decimal `json:"daily_pnl"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	OpenPositionValue decimal.Decimal `json:"open_position_value"`
	Halted            bool            `json:"halted"`
	HaltKind          HaltKind        `json:"halt_kind,omitempty"`
	HaltReason        string          `json:"halt_reason,omitempty"`
	HaltUntil         *time.Time      `json:"halt_until,omitempty"`
	SessionDate       string          `json:"session_date"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// RiskEvent is the payload of risk.halted and risk.reset.
type RiskEvent struct {
	State  RiskState `json:"state"`
	Reason string    `json:"reason"`
}
