package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Agent modes
const (
	ModeAutonomous = "autonomous"
	ModeAdvisory   = "advisory"
)

// Risk profiles
const (
	RiskAggressive = "aggressive"
	RiskNeutral    = "neutral"
	RiskSafe       = "safe"
)

// Decision actions
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// ValidMode reports whether s is a recognised agent mode.
func ValidMode(s string) bool {
	return s == ModeAutonomous || s == ModeAdvisory
}

// ValidRiskProfile reports whether s is a recognised risk profile.
func ValidRiskProfile(s string) bool {
	return s == RiskAggressive || s == RiskNeutral || s == RiskSafe
}

// Agent is the persisted identity and configuration of a trading agent.
// Runtime scheduling state (timers, in-flight cycles) lives in the scheduler.
type Agent struct {
	gorm.Model    `json:"-"`
	AgentID       string    `gorm:"uniqueIndex" json:"id"`
	Name          string    `json:"name"`
	ModelName     string    `json:"model"`
	Mode          string    `json:"mode"` // autonomous or advisory
	Allowance     float64   `json:"allowance"`
	Goal          string    `json:"goal"`
	TradeInterval float64   `json:"trade_interval"` // seconds between decision cycles
	RiskProfile   string    `json:"risk_profile"`   // aggressive, neutral or safe
	Active        bool      `json:"-"`
	StartedAt     time.Time `json:"started_at"`
}

// Holding is one open position in an agent's portfolio. AvgCost is the
// weighted average purchase price and is only meaningful while Quantity > 0.
type Holding struct {
	gorm.Model `json:"-"`
	AgentID    string  `gorm:"uniqueIndex:idx_holdings_agent_symbol" json:"agent_id"`
	Symbol     string  `gorm:"uniqueIndex:idx_holdings_agent_symbol" json:"symbol"`
	Quantity   float64 `json:"quantity"`
	AvgCost    float64 `json:"avg_cost"`
}

// Trade is an immutable record of one executed decision. Hold decisions are
// recorded too, with zero quantity and price, so the audit log is complete.
type Trade struct {
	gorm.Model `json:"-"`
	TradeID    string    `gorm:"uniqueIndex" json:"trade_id"`
	AgentID    string    `gorm:"index" json:"agent_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // buy, sell or hold
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Total      float64   `json:"total"`
	Reasoning  string    `json:"reasoning"`
	CreatedAt  time.Time `json:"timestamp"`
}

// PriceSnapshot is one persisted market observation for a symbol.
type PriceSnapshot struct {
	gorm.Model `json:"-"`
	Symbol     string    `gorm:"index" json:"symbol"`
	Price      float64   `json:"price"`
	Change24h  float64   `json:"change_24h"`
	Volume24h  float64   `json:"volume_24h"`
	CreatedAt  time.Time `json:"timestamp"`
}

// EquityPoint is a periodic valuation of an agent's portfolio, persisted so
// equity charts survive restarts.
type EquityPoint struct {
	gorm.Model `json:"-"`
	AgentID    string    `gorm:"index:idx_equity_agent_ts" json:"agent_id"`
	TotalValue float64   `json:"total_value"`
	Cash       float64   `json:"cash"`
	CreatedAt  time.Time `gorm:"index:idx_equity_agent_ts" json:"timestamp"`
}

// SavedSession is a summarized snapshot of one agent's trading run.
type SavedSession struct {
	gorm.Model   `json:"-"`
	SessionID    string    `gorm:"uniqueIndex" json:"session_id"`
	AgentID      string    `gorm:"index" json:"agent_id"`
	AgentName    string    `json:"agent_name"`
	ModelName    string    `json:"model"`
	RiskProfile  string    `json:"risk_profile"`
	Allowance    float64   `json:"allowance"`
	FinalValue   float64   `json:"final_value"`
	PnL          float64   `json:"pnl"`
	PnLPct       float64   `json:"pnl_pct"`
	TradeCount   int       `json:"trade_count"`
	BuyCount     int       `json:"buy_count"`
	SellCount    int       `json:"sell_count"`
	HoldCount    int       `json:"hold_count"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	DurationSecs float64   `json:"duration_secs"`
	Goal         string    `json:"goal"`
	Notes        string    `json:"notes"`
	Summary      string    `json:"summary"`
	TradesJSON   string    `json:"-"`
	EquityJSON   string    `json:"-"`
	SavedAt      time.Time `json:"saved_at"`
}

// Quote is the current market observation for one symbol.
type Quote struct {
	Price     float64   `json:"price"`
	Change24h float64   `json:"change_24h"`
	Volume24h float64   `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// Prices maps symbol to its latest quote.
type Prices map[string]Quote

// ErrInvalidDecision is returned by NewDecision for out-of-schema input.
var ErrInvalidDecision = errors.New("invalid decision")

// Decision is a validated trading decision. Values are only produced by
// NewDecision or HoldDecision, so downstream code never sees an unknown
// action or a buy/sell without symbol and positive quantity.
type Decision struct {
	Action    string  `json:"action"`
	Symbol    string  `json:"symbol,omitempty"`
	Quantity  float64 `json:"quantity,omitempty"`
	Reasoning string  `json:"reasoning"`
}

// NewDecision validates raw action/symbol/quantity into a Decision.
func NewDecision(action, symbol string, quantity float64, reasoning string) (Decision, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	switch action {
	case ActionHold:
		return Decision{Action: ActionHold, Reasoning: reasoning}, nil
	case ActionBuy, ActionSell:
		if symbol == "" {
			return Decision{}, fmt.Errorf("%w: %s requires a symbol", ErrInvalidDecision, action)
		}
		if quantity <= 0 {
			return Decision{}, fmt.Errorf("%w: %s requires a positive quantity, got %v", ErrInvalidDecision, action, quantity)
		}
		return Decision{Action: action, Symbol: symbol, Quantity: quantity, Reasoning: reasoning}, nil
	default:
		return Decision{}, fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, action)
	}
}

// HoldDecision builds the synthetic hold used when a decision cycle cannot
// produce a valid trade decision.
func HoldDecision(reasoning string) Decision {
	return Decision{Action: ActionHold, Reasoning: reasoning}
}

// IsHold reports whether the decision requires no ledger mutation.
func (d Decision) IsHold() bool {
	return d.Action == ActionHold
}

// PendingDecision is an advisory-mode decision awaiting human review.
// At most one exists per agent; it is never persisted.
type PendingDecision struct {
	AgentID   string    `json:"agent_id"`
	Action    string    `json:"action"`
	Symbol    string    `json:"symbol,omitempty"`
	Quantity  float64   `json:"quantity,omitempty"`
	Reasoning string    `json:"reasoning"`
	CreatedAt time.Time `json:"created_at"`
}
