package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Bokuhoggie/PhantomEx/internal/approval"
	"github.com/Bokuhoggie/PhantomEx/internal/executor"
	"github.com/Bokuhoggie/PhantomEx/internal/hub"
	"github.com/Bokuhoggie/PhantomEx/internal/ledger"
	"github.com/Bokuhoggie/PhantomEx/internal/model"
	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubPrices struct{ prices types.Prices }

func (s *stubPrices) Current() types.Prices { return s.prices }

type stubEquity struct{ calls atomic.Int64 }

func (s *stubEquity) RecordEquity(string, types.Prices) error {
	s.calls.Add(1)
	return nil
}

// engineFunc lets each test script the model's behaviour.
type engineFunc func(ctx context.Context, agent *types.Agent) (types.Decision, error)

func (f engineFunc) Decide(ctx context.Context, agent *types.Agent, _ *types.PortfolioView, _ types.Prices) (types.Decision, error) {
	return f(ctx, agent)
}

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	gate   *approval.Gate
	hub    *hub.Hub
	equity *stubEquity
	db     *gorm.DB
}

func newFixture(t *testing.T, engine DecisionMaker) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Agent{}, &types.Holding{}, &types.Trade{}))

	ledgerSvc := ledger.NewService(db)
	gate := approval.NewGate()
	h := hub.New()
	exec := executor.NewService(ledgerSvc, h, executor.DefaultRiskPolicy())
	equity := &stubEquity{}
	prices := &stubPrices{prices: types.Prices{"BTC": {Price: 50000}, "ETH": {Price: 3000}}}

	svc := NewService(context.Background(), engine, exec, gate, ledgerSvc, h, prices, equity)
	t.Cleanup(svc.StopAll)

	return &fixture{svc: svc, ledger: ledgerSvc, gate: gate, hub: h, equity: equity, db: db}
}

func (f *fixture) newAgent(t *testing.T, mode string) *types.Agent {
	t.Helper()
	agent := &types.Agent{
		AgentID:       uuid.New().String(),
		Name:          "sched-test",
		ModelName:     "m",
		Mode:          mode,
		Allowance:     10000,
		Goal:          "",
		TradeInterval: 3600, // cycles are driven by TriggerNow in tests
		RiskProfile:   types.RiskNeutral,
		Active:        true,
		StartedAt:     time.Now().UTC(),
	}
	require.NoError(t, f.db.Create(agent).Error)
	return agent
}

func tradeCount(t *testing.T, f *fixture, agentID string) int {
	t.Helper()
	trades, err := f.ledger.Trades(agentID)
	require.NoError(t, err)
	return len(trades)
}

func TestTriggeredCycleExecutesDecision(t *testing.T) {
	engine := engineFunc(func(context.Context, *types.Agent) (types.Decision, error) {
		return types.NewDecision(types.ActionBuy, "BTC", 0.01, "signal")
	})
	f := newFixture(t, engine)
	agent := f.newAgent(t, types.ModeAutonomous)
	f.svc.Register(agent)

	require.NoError(t, f.svc.TriggerNow(agent.AgentID))
	require.Eventually(t, func() bool {
		return tradeCount(t, f, agent.AgentID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 1, f.equity.calls.Load())

	view, err := f.svc.StateView(agent.AgentID)
	require.NoError(t, err)
	require.NotNil(t, view.LastThought)
	assert.Equal(t, types.ActionBuy, view.LastThought.Action)
}

func TestOverlappingCyclesAreDropped(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	engine := engineFunc(func(ctx context.Context, _ *types.Agent) (types.Decision, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return types.HoldDecision("slow model"), nil
	})
	f := newFixture(t, engine)
	agent := f.newAgent(t, types.ModeAutonomous)
	f.svc.Register(agent)

	require.NoError(t, f.svc.TriggerNow(agent.AgentID))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Fires while the first cycle is still in flight are dropped
	for i := 0; i < 5; i++ {
		require.NoError(t, f.svc.TriggerNow(agent.AgentID))
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		return tradeCount(t, f, agent.AgentID) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestUnregisterDiscardsInFlightDecision(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	engine := engineFunc(func(context.Context, *types.Agent) (types.Decision, error) {
		close(started)
		<-release
		return types.NewDecision(types.ActionBuy, "BTC", 0.01, "late answer")
	})
	f := newFixture(t, engine)
	agent := f.newAgent(t, types.ModeAutonomous)
	f.svc.Register(agent)

	require.NoError(t, f.svc.TriggerNow(agent.AgentID))
	<-started

	f.svc.Unregister(agent.AgentID)
	close(release)

	// The late decision is discarded: no trade ever lands
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, tradeCount(t, f, agent.AgentID))
	assert.False(t, f.svc.Registered(agent.AgentID))
}

func TestRemovalBetweenDecisionAndExecutionDiscardsTrade(t *testing.T) {
	engine := engineFunc(func(context.Context, *types.Agent) (types.Decision, error) {
		return types.HoldDecision(""), nil
	})
	f := newFixture(t, engine)
	agent := f.newAgent(t, types.ModeAutonomous)
	f.svc.Register(agent)

	f.svc.mu.Lock()
	r := f.svc.runners[agent.AgentID]
	f.svc.mu.Unlock()

	d, err := types.NewDecision(types.ActionBuy, "BTC", 0.01, "late answer")
	require.NoError(t, err)

	// Removal lands after the decision came back but before it is applied
	gen := r.gen.Load()
	r.gen.Add(1)
	f.svc.applyDecision(r, *agent, d, gen, f.svc.prices.Current(), f.svc.logger)
	assert.Zero(t, tradeCount(t, f, agent.AgentID))

	// Same window in advisory mode leaves no orphaned pending decision
	advisory := f.newAgent(t, types.ModeAdvisory)
	f.svc.Register(advisory)
	f.svc.mu.Lock()
	ra := f.svc.runners[advisory.AgentID]
	f.svc.mu.Unlock()

	gen = ra.gen.Load()
	ra.gen.Add(1)
	f.svc.applyDecision(ra, *advisory, d, gen, f.svc.prices.Current(), f.svc.logger)
	assert.Nil(t, f.gate.Pending(advisory.AgentID))
}

func TestAdvisoryModeGatesDecisions(t *testing.T) {
	var calls atomic.Int64
	engine := engineFunc(func(context.Context, *types.Agent) (types.Decision, error) {
		calls.Add(1)
		return types.NewDecision(types.ActionBuy, "ETH", 1, "accumulate")
	})
	f := newFixture(t, engine)
	agent := f.newAgent(t, types.ModeAdvisory)
	f.svc.Register(agent)
	sub := f.hub.Subscribe()

	require.NoError(t, f.svc.TriggerNow(agent.AgentID))
	require.Eventually(t, func() bool {
		return f.gate.Pending(agent.AgentID) != nil
	}, 2*time.Second, 10*time.Millisecond)

	// No trade executed while awaiting approval
	assert.Zero(t, tradeCount(t, f, agent.AgentID))

	// A second cycle while one decision is pending proposes nothing new
	first := f.gate.Pending(agent.AgentID)
	require.NoError(t, f.svc.TriggerNow(agent.AgentID))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Same(t, first, f.gate.Pending(agent.AgentID))

	// pending_decision was broadcast
	require.Eventually(t, func() bool {
		for {
			select {
			case evt := <-sub.Events():
				if evt.Type == hub.EventPendingDecision {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApproveExecutesExactlyOnce(t *testing.T) {
	engine := engineFunc(func(context.Context, *types.Agent) (types.Decision, error) {
		return types.NewDecision(types.ActionBuy, "ETH", 1, "accumulate")
	})
	f := newFixture(t, engine)
	agent := f.newAgent(t, types.ModeAdvisory)
	f.svc.Register(agent)

	require.NoError(t, f.svc.TriggerNow(agent.AgentID))
	require.Eventually(t, func() bool {
		return f.gate.Pending(agent.AgentID) != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.svc.Approve(agent.AgentID))
	assert.Equal(t, 1, tradeCount(t, f, agent.AgentID))

	// Approving again is a no-op, not a double execution
	require.NoError(t, f.svc.Approve(agent.AgentID))
	assert.Equal(t, 1, tradeCount(t, f, agent.AgentID))
}

func TestRejectDiscardsPending(t *testing.T) {
	engine := engineFunc(func(context.Context, *types.Agent) (types.Decision, error) {
		return types.NewDecision(types.ActionSell, "BTC", 5, "panic")
	})
	f := newFixture(t, engine)
	agent := f.newAgent(t, types.ModeAdvisory)
	f.svc.Register(agent)

	require.NoError(t, f.svc.TriggerNow(agent.AgentID))
	require.Eventually(t, func() bool {
		return f.gate.Pending(agent.AgentID) != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.svc.Reject(agent.AgentID))
	assert.Nil(t, f.gate.Pending(agent.AgentID))
	assert.Zero(t, tradeCount(t, f, agent.AgentID))
}

func TestOneAgentsFailureDoesNotAffectAnother(t *testing.T) {
	engine := engineFunc(func(_ context.Context, agent *types.Agent) (types.Decision, error) {
		if agent.Name == "broken" {
			return types.Decision{}, model.ErrUnavailable
		}
		return types.HoldDecision("fine"), nil
	})
	f := newFixture(t, engine)

	broken := f.newAgent(t, types.ModeAutonomous)
	broken.Name = "broken"
	require.NoError(t, f.db.Save(broken).Error)
	healthy := f.newAgent(t, types.ModeAutonomous)

	f.svc.Register(broken)
	f.svc.Register(healthy)

	require.NoError(t, f.svc.TriggerNow(broken.AgentID))
	require.NoError(t, f.svc.TriggerNow(healthy.AgentID))

	require.Eventually(t, func() bool {
		return tradeCount(t, f, healthy.AgentID) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, tradeCount(t, f, broken.AgentID))

	// The broken agent's loop is still alive and can recover
	assert.True(t, f.svc.Registered(broken.AgentID))
}

func TestSetIntervalValidatesAndApplies(t *testing.T) {
	engine := engineFunc(func(context.Context, *types.Agent) (types.Decision, error) {
		return types.HoldDecision(""), nil
	})
	f := newFixture(t, engine)
	agent := f.newAgent(t, types.ModeAutonomous)
	f.svc.Register(agent)

	require.Error(t, f.svc.SetInterval(agent.AgentID, 0.5))
	require.NoError(t, f.svc.SetInterval(agent.AgentID, 5))

	view, err := f.svc.StateView(agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, 5.0, view.TradeInterval)

	require.ErrorIs(t, f.svc.SetInterval("missing", 5), ErrAgentNotRegistered)
}

func TestSnapshotContainsPricesThenAgentStates(t *testing.T) {
	engine := engineFunc(func(context.Context, *types.Agent) (types.Decision, error) {
		return types.HoldDecision(""), nil
	})
	f := newFixture(t, engine)
	a := f.newAgent(t, types.ModeAutonomous)
	b := f.newAgent(t, types.ModeAdvisory)
	f.svc.Register(a)
	f.svc.Register(b)

	events := f.svc.Snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, hub.EventPrices, events[0].Type)
	assert.Equal(t, hub.EventAgentState, events[1].Type)
	assert.Equal(t, hub.EventAgentState, events[2].Type)
}
