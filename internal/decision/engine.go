package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Bokuhoggie/PhantomEx/internal/model"
	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/rs/zerolog/log"
)

const systemPrompt = `You are PhantomEx, an AI crypto trading agent. You analyze market data and make trading decisions.

You will receive current prices with 24h changes for the available assets, and your current portfolio (cash balance plus holdings).

Respond ONLY with a valid JSON object in this exact format:
{
  "action": "buy" | "sell" | "hold",
  "symbol": "<asset symbol>",
  "quantity": <float, required for buy/sell>,
  "reasoning": "<your reasoning in 1-2 sentences>"
}

Rules:
- quantity is the NUMBER OF COINS/TOKENS, not a dollar amount
- Never sell more than you own
- quantity must be positive and may be fractional
- If uncertain, prefer hold

%s

%s`

var riskInstructions = map[string]string{
	types.RiskAggressive: `Risk profile: AGGRESSIVE
- Trade frequently, act on smaller signals
- You may spend up to 40% of your cash balance on a single trade
- Prefer higher-volatility altcoins for bigger gains
- Take profits quickly, accept higher risk`,

	types.RiskNeutral: `Risk profile: NEUTRAL
- Standard approach: spend up to 20% of cash per trade
- Balance between majors and mid-cap altcoins
- Hold for medium-term trends, act on clear signals`,

	types.RiskSafe: `Risk profile: SAFE
- Only act on very strong, clear signals
- Never spend more than 10% of cash on a single trade
- Stick to BTC and ETH, avoid high-volatility altcoins
- When uncertain, ALWAYS hold; capital preservation comes first`,
}

// Engine assembles per-cycle context, asks the model backend for a decision
// and normalizes the answer into a validated types.Decision. A cycle never
// surfaces malformed model output: it degrades to a hold carrying the error.
type Engine struct {
	backend model.Backend
}

func NewEngine(backend model.Backend) *Engine {
	return &Engine{backend: backend}
}

// Decide runs one decision for the agent. Backend failures (timeout,
// unreachable) are returned as errors so the caller can skip the cycle;
// parse and schema problems are downgraded to a hold decision instead.
func (e *Engine) Decide(ctx context.Context, agent *types.Agent, portfolio *types.PortfolioView, prices types.Prices) (types.Decision, error) {
	system := buildSystemPrompt(agent.Goal, agent.RiskProfile)
	user := buildMarketContext(prices, portfolio)

	raw, err := e.backend.Chat(ctx, agent.ModelName, system, user)
	if err != nil {
		return types.Decision{}, err
	}

	decision, err := parseDecision(raw)
	if err != nil {
		log.Warn().
			Str("component", "decision").
			Str("agent_id", agent.AgentID).
			Err(err).
			Msg("model output rejected, holding instead")
		return types.HoldDecision(fmt.Sprintf("invalid model output: %v", err)), nil
	}
	return decision, nil
}

func buildSystemPrompt(goal, riskProfile string) string {
	goalSection := "Your trading goal: Grow the portfolio value over time."
	if goal != "" {
		goalSection = "Your trading goal: " + goal
	}
	risk, ok := riskInstructions[riskProfile]
	if !ok {
		risk = riskInstructions[types.RiskNeutral]
	}
	return fmt.Sprintf(systemPrompt, goalSection, risk)
}

// buildMarketContext renders prices and wallet state as the model's user
// message. Symbols are sorted so the context is stable between cycles.
func buildMarketContext(prices types.Prices, portfolio *types.PortfolioView) string {
	var b strings.Builder
	b.WriteString("=== MARKET PRICES ===\n")
	for _, symbol := range sortedKeys(prices) {
		q := prices[symbol]
		direction := "up"
		if q.Change24h < 0 {
			direction = "down"
		}
		fmt.Fprintf(&b, "%s: $%.2f  %s %.2f%% 24h\n", symbol, q.Price, direction, abs(q.Change24h))
	}

	b.WriteString("\n=== YOUR PORTFOLIO ===\n")
	fmt.Fprintf(&b, "Cash: $%.2f\n", portfolio.Cash)
	if len(portfolio.Holdings) == 0 {
		b.WriteString("Holdings: none\n")
	} else {
		b.WriteString("Holdings:\n")
		for _, symbol := range sortedKeys(portfolio.Holdings) {
			h := portfolio.Holdings[symbol]
			fmt.Fprintf(&b, "  %s: %.6f units @ $%.2f avg  (current value: $%.2f)\n",
				symbol, h.Quantity, h.AvgCost, h.CurrentValue)
		}
	}
	fmt.Fprintf(&b, "Total Portfolio Value: $%.2f\n", portfolio.TotalValue)
	return b.String()
}

type rawDecision struct {
	Action    string      `json:"action"`
	Symbol    string      `json:"symbol"`
	Quantity  json.Number `json:"quantity"`
	Reasoning string      `json:"reasoning"`
}

// parseDecision extracts the JSON decision from the model response, which
// may be wrapped in markdown fences or surrounded by prose.
func parseDecision(raw string) (types.Decision, error) {
	cleaned := stripFences(raw)

	// Tolerate leading/trailing prose around the JSON object
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return types.Decision{}, fmt.Errorf("%w: no JSON object in response", types.ErrInvalidDecision)
	}

	var rd rawDecision
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &rd); err != nil {
		return types.Decision{}, fmt.Errorf("%w: %v", types.ErrInvalidDecision, err)
	}

	quantity, _ := rd.Quantity.Float64()
	return types.NewDecision(rd.Action, rd.Symbol, quantity, strings.TrimSpace(rd.Reasoning))
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
