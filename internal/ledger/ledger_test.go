package ledger

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Agent{}, &types.Holding{}, &types.Trade{}))
	return db
}

func testAgent(t *testing.T, db *gorm.DB, allowance float64) string {
	t.Helper()
	agent := &types.Agent{
		AgentID:       uuid.New().String(),
		Name:          "test-agent",
		ModelName:     "test-model",
		Mode:          types.ModeAutonomous,
		Allowance:     allowance,
		TradeInterval: 60,
		RiskProfile:   types.RiskNeutral,
		Active:        true,
		StartedAt:     time.Now().UTC(),
	}
	require.NoError(t, db.Create(agent).Error)
	return agent.AgentID
}

func TestBuyDebitsCashAndTracksWeightedAvgCost(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	agentID := testAgent(t, db, 10000)

	res, err := svc.Apply(agentID, types.ActionBuy, "BTC", 0.10, 50000, "first entry")
	require.NoError(t, err)
	assert.Equal(t, 5000.0, res.Trade.Total)

	cash, err := svc.Cash(agentID)
	require.NoError(t, err)
	assert.InDelta(t, 5000.0, cash, 1e-9)

	_, err = svc.Apply(agentID, types.ActionBuy, "BTC", 0.05, 60000, "adding on strength")
	require.NoError(t, err)

	snap, err := svc.Snapshot(agentID, nil)
	require.NoError(t, err)
	h := snap.Holdings["BTC"]
	assert.InDelta(t, 0.15, h.Quantity, 1e-9)
	assert.InDelta(t, 53333.333333, h.AvgCost, 1e-4)
	assert.InDelta(t, 2000.0, snap.Cash, 1e-9)
}

func TestBuyBeyondCashIsRejectedUnchanged(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	agentID := testAgent(t, db, 1000)

	_, err := svc.Apply(agentID, types.ActionBuy, "BTC", 1.0, 50000, "overreach")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	cash, err := svc.Cash(agentID)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, cash)

	trades, err := svc.Trades(agentID)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestSellRealizesPnLAgainstAvgCost(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	agentID := testAgent(t, db, 10000)

	_, err := svc.Apply(agentID, types.ActionBuy, "BTC", 0.10, 50000, "")
	require.NoError(t, err)
	_, err = svc.Apply(agentID, types.ActionBuy, "BTC", 0.05, 60000, "")
	require.NoError(t, err)

	cashBefore, err := svc.Cash(agentID)
	require.NoError(t, err)

	res, err := svc.Apply(agentID, types.ActionSell, "BTC", 0.05, 70000, "taking profit")
	require.NoError(t, err)
	assert.InDelta(t, 833.3333, res.RealizedPnL, 1e-3)

	cashAfter, err := svc.Cash(agentID)
	require.NoError(t, err)
	assert.InDelta(t, cashBefore+3500.0, cashAfter, 1e-9)

	snap, err := svc.Snapshot(agentID, nil)
	require.NoError(t, err)
	h := snap.Holdings["BTC"]
	assert.InDelta(t, 0.10, h.Quantity, 1e-9)
	// Avg cost is untouched by a partial sell
	assert.InDelta(t, 53333.333333, h.AvgCost, 1e-4)
}

func TestSellingFullPositionRemovesHolding(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	agentID := testAgent(t, db, 10000)

	_, err := svc.Apply(agentID, types.ActionBuy, "ETH", 2.0, 3000, "")
	require.NoError(t, err)
	_, err = svc.Apply(agentID, types.ActionSell, "ETH", 2.0, 3100, "")
	require.NoError(t, err)

	snap, err := svc.Snapshot(agentID, nil)
	require.NoError(t, err)
	assert.NotContains(t, snap.Holdings, "ETH")

	var count int64
	require.NoError(t, db.Model(&types.Holding{}).Where("agent_id = ?", agentID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestOversellIsRejectedIdempotently(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	agentID := testAgent(t, db, 10000)

	_, err := svc.Apply(agentID, types.ActionBuy, "BTC", 0.10, 50000, "")
	require.NoError(t, err)
	before, err := svc.Snapshot(agentID, nil)
	require.NoError(t, err)

	_, err = svc.Apply(agentID, types.ActionSell, "BTC", 1.0, 50000, "")
	require.ErrorIs(t, err, ErrInsufficientHoldings)

	after, err := svc.Snapshot(agentID, nil)
	require.NoError(t, err)
	assert.Equal(t, before.Cash, after.Cash)
	assert.Equal(t, before.Holdings["BTC"].Quantity, after.Holdings["BTC"].Quantity)

	_, err = svc.Apply(agentID, types.ActionSell, "XRP", 10, 1, "never held")
	require.ErrorIs(t, err, ErrInsufficientHoldings)
}

func TestInvalidQuantityRejected(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	agentID := testAgent(t, db, 10000)

	_, err := svc.Apply(agentID, types.ActionBuy, "BTC", 0, 50000, "")
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.Apply(agentID, types.ActionSell, "BTC", -1, 50000, "")
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestHoldIsRecordedWithoutMutation(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	agentID := testAgent(t, db, 10000)

	res, err := svc.Apply(agentID, types.ActionHold, "", 0, 0, "nothing looks good")
	require.NoError(t, err)
	assert.Equal(t, types.ActionHold, res.Trade.Side)
	assert.Zero(t, res.Trade.Total)

	cash, err := svc.Cash(agentID)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, cash)

	trades, err := svc.Trades(agentID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "nothing looks good", trades[0].Reasoning)
}

func TestDepositRaisesCashAndAllowance(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	agentID := testAgent(t, db, 1000)

	newCash, err := svc.Deposit(agentID, 500)
	require.NoError(t, err)
	assert.Equal(t, 1500.0, newCash)

	var agent types.Agent
	require.NoError(t, db.Where("agent_id = ?", agentID).First(&agent).Error)
	assert.Equal(t, 1500.0, agent.Allowance)

	_, err = svc.Deposit(agentID, -5)
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestUnrealizedPnLUsesLatestPrices(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	agentID := testAgent(t, db, 10000)

	_, err := svc.Apply(agentID, types.ActionBuy, "BTC", 0.10, 50000, "")
	require.NoError(t, err)

	snap, err := svc.Snapshot(agentID, types.Prices{"BTC": {Price: 55000}})
	require.NoError(t, err)
	h := snap.Holdings["BTC"]
	assert.InDelta(t, 500.0, h.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 10.0, h.UnrealizedPct, 1e-9)
	assert.InDelta(t, 10500.0, snap.TotalValue, 1e-9)
}

func TestStateSurvivesCacheEviction(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	agentID := testAgent(t, db, 10000)

	_, err := svc.Apply(agentID, types.ActionBuy, "BTC", 0.10, 50000, "")
	require.NoError(t, err)
	svc.Evict(agentID)

	// Rebuilt from allowance, trade history and holdings
	snap, err := svc.Snapshot(agentID, nil)
	require.NoError(t, err)
	assert.InDelta(t, 5000.0, snap.Cash, 1e-9)
	assert.InDelta(t, 0.10, snap.Holdings["BTC"].Quantity, 1e-9)
}

func TestConcurrentTradesForOneAgentSerialize(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	agentID := testAgent(t, db, 10000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 100 each; at most 100 can succeed before cash runs out
			_, _ = svc.Apply(agentID, types.ActionBuy, "DOGE", 1000, 0.10, "")
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Deposit(agentID, 50)
		}()
	}
	wg.Wait()

	snap, err := svc.Snapshot(agentID, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Cash, 0.0)

	// Replay must agree with the cached state exactly
	svc.Evict(agentID)
	replayed, err := svc.Snapshot(agentID, nil)
	require.NoError(t, err)
	assert.InDelta(t, snap.Cash, replayed.Cash, 1e-6)
}

func TestRecentTradesSpanAgentsNewestFirst(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	alpha := testAgent(t, db, 10000)
	beta := testAgent(t, db, 10000)

	// Seed with explicit timestamps so ordering is unambiguous
	base := time.Now().UTC().Add(-time.Hour)
	seed := []types.Trade{
		{TradeID: uuid.New().String(), AgentID: alpha, Symbol: "BTC", Side: types.ActionBuy, Quantity: 0.10, Price: 50000, Total: 5000, CreatedAt: base},
		{TradeID: uuid.New().String(), AgentID: beta, Symbol: "ETH", Side: types.ActionBuy, Quantity: 1.0, Price: 3000, Total: 3000, CreatedAt: base.Add(time.Minute)},
		{TradeID: uuid.New().String(), AgentID: alpha, Symbol: "BTC", Side: types.ActionSell, Quantity: 0.05, Price: 52000, Total: 2600, CreatedAt: base.Add(2 * time.Minute)},
	}
	for i := range seed {
		require.NoError(t, db.Create(&seed[i]).Error)
	}

	trades, err := svc.RecentTrades(2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, seed[2].TradeID, trades[0].TradeID)
	assert.Equal(t, seed[1].TradeID, trades[1].TradeID)

	all, err := svc.RecentTrades(50)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
