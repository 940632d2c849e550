package types

// HoldingView is one position valued at the latest prices.
type HoldingView struct {
	Quantity      float64 `json:"quantity"`
	AvgCost       float64 `json:"avg_cost"`
	CurrentValue  float64 `json:"current_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	UnrealizedPct float64 `json:"unrealized_pct"`
}

// PortfolioView is the full valuation of one agent's portfolio, as served
// over REST and broadcast on the live channel.
type PortfolioView struct {
	AgentID       string                 `json:"agent_id"`
	Cash          float64                `json:"cash"`
	Holdings      map[string]HoldingView `json:"holdings"`
	HoldingsValue float64                `json:"holdings_value"`
	TotalValue    float64                `json:"total_value"`
}

// AgentStateView is the complete broadcastable state of one agent: its
// configuration, latest decision, outstanding pending decision and valued
// portfolio. New live-channel subscribers receive one per agent on connect.
type AgentStateView struct {
	Agent
	Running         bool             `json:"running"`
	LastThought     *Decision        `json:"last_thought,omitempty"`
	PendingDecision *PendingDecision `json:"pending_decision,omitempty"`
	Portfolio       *PortfolioView   `json:"portfolio,omitempty"`
}
