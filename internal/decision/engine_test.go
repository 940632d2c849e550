package decision

import (
	"context"
	"strings"
	"testing"

	"github.com/Bokuhoggie/PhantomEx/internal/model"
	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	response string
	err      error
	lastUser string
}

func (s *stubBackend) Chat(_ context.Context, _, _, user string) (string, error) {
	s.lastUser = user
	return s.response, s.err
}

func testInputs() (*types.Agent, *types.PortfolioView, types.Prices) {
	agent := &types.Agent{
		AgentID:     "agent-1",
		ModelName:   "llama3",
		RiskProfile: types.RiskNeutral,
		Goal:        "grow steadily",
	}
	portfolio := &types.PortfolioView{
		AgentID: "agent-1",
		Cash:    5000,
		Holdings: map[string]types.HoldingView{
			"BTC": {Quantity: 0.1, AvgCost: 50000, CurrentValue: 5500},
		},
		TotalValue: 10500,
	}
	prices := types.Prices{
		"BTC": {Price: 55000, Change24h: 2.5},
		"ETH": {Price: 3000, Change24h: -1.2},
	}
	return agent, portfolio, prices
}

func TestDecideParsesWellFormedResponse(t *testing.T) {
	backend := &stubBackend{
		response: `{"action": "buy", "symbol": "eth", "quantity": 0.5, "reasoning": "dip entry"}`,
	}
	engine := NewEngine(backend)
	agent, portfolio, prices := testInputs()

	d, err := engine.Decide(context.Background(), agent, portfolio, prices)
	require.NoError(t, err)
	assert.Equal(t, types.ActionBuy, d.Action)
	assert.Equal(t, "ETH", d.Symbol)
	assert.Equal(t, 0.5, d.Quantity)
	assert.Equal(t, "dip entry", d.Reasoning)
}

func TestDecideStripsMarkdownFences(t *testing.T) {
	backend := &stubBackend{
		response: "```json\n{\"action\":\"sell\",\"symbol\":\"BTC\",\"quantity\":0.05,\"reasoning\":\"take profit\"}\n```",
	}
	engine := NewEngine(backend)
	agent, portfolio, prices := testInputs()

	d, err := engine.Decide(context.Background(), agent, portfolio, prices)
	require.NoError(t, err)
	assert.Equal(t, types.ActionSell, d.Action)
	assert.Equal(t, "BTC", d.Symbol)
}

func TestDecideToleratesSurroundingProse(t *testing.T) {
	backend := &stubBackend{
		response: "Sure, here is my decision:\n{\"action\":\"hold\",\"reasoning\":\"choppy market\"}\nLet me know.",
	}
	engine := NewEngine(backend)
	agent, portfolio, prices := testInputs()

	d, err := engine.Decide(context.Background(), agent, portfolio, prices)
	require.NoError(t, err)
	assert.True(t, d.IsHold())
	assert.Equal(t, "choppy market", d.Reasoning)
}

func TestDecideDowngradesGarbageToHold(t *testing.T) {
	for name, response := range map[string]string{
		"no json":          "I think you should buy bitcoin.",
		"unknown action":   `{"action":"yolo","symbol":"BTC","quantity":1,"reasoning":"moon"}`,
		"missing symbol":   `{"action":"buy","quantity":1,"reasoning":"何か"}`,
		"zero quantity":    `{"action":"sell","symbol":"BTC","quantity":0,"reasoning":"exit"}`,
		"negative":         `{"action":"buy","symbol":"BTC","quantity":-2,"reasoning":"??"}`,
		"broken json":      `{"action":"buy","symbol":`,
		"quantity as text": `{"action":"buy","symbol":"BTC","quantity":"a lot","reasoning":"greed"}`,
	} {
		t.Run(name, func(t *testing.T) {
			engine := NewEngine(&stubBackend{response: response})
			agent, portfolio, prices := testInputs()

			d, err := engine.Decide(context.Background(), agent, portfolio, prices)
			require.NoError(t, err)
			assert.True(t, d.IsHold())
			assert.Contains(t, d.Reasoning, "invalid model output")
		})
	}
}

func TestDecidePropagatesBackendFailure(t *testing.T) {
	engine := NewEngine(&stubBackend{err: model.ErrTimeout})
	agent, portfolio, prices := testInputs()

	_, err := engine.Decide(context.Background(), agent, portfolio, prices)
	require.ErrorIs(t, err, model.ErrTimeout)
}

func TestMarketContextListsPricesAndHoldings(t *testing.T) {
	backend := &stubBackend{response: `{"action":"hold","reasoning":"ok"}`}
	engine := NewEngine(backend)
	agent, portfolio, prices := testInputs()

	_, err := engine.Decide(context.Background(), agent, portfolio, prices)
	require.NoError(t, err)

	assert.Contains(t, backend.lastUser, "BTC: $55000.00")
	assert.Contains(t, backend.lastUser, "ETH: $3000.00")
	assert.Contains(t, backend.lastUser, "Cash: $5000.00")
	assert.Contains(t, backend.lastUser, "Total Portfolio Value: $10500.00")
	// Deterministic ordering
	assert.Less(t, strings.Index(backend.lastUser, "BTC:"), strings.Index(backend.lastUser, "ETH:"))
}
