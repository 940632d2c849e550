package approval

import (
	"sync"
	"time"

	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Gate holds at most one pending decision per agent while a human reviews
// it. The lifecycle is NONE -> PENDING -> approved or rejected -> NONE; a
// new decision is only accepted from NONE, and resolving an absent pending
// is a no-op. Pending decisions have no expiry: they wait for an operator.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*types.PendingDecision
	logger  zerolog.Logger
}

func NewGate() *Gate {
	return &Gate{
		pending: make(map[string]*types.PendingDecision),
		logger:  log.With().Str("component", "approval").Logger(),
	}
}

// Propose submits an advisory decision for review. If the agent already has
// a pending decision the new one is discarded, not queued, and ok is false.
func (g *Gate) Propose(agentID string, d types.Decision) (*types.PendingDecision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.pending[agentID]; exists {
		g.logger.Debug().Str("agent_id", agentID).Msg("decision skipped, one already pending")
		return nil, false
	}

	pd := &types.PendingDecision{
		AgentID:   agentID,
		Action:    d.Action,
		Symbol:    d.Symbol,
		Quantity:  d.Quantity,
		Reasoning: d.Reasoning,
		CreatedAt: time.Now().UTC(),
	}
	g.pending[agentID] = pd
	return pd, true
}

// Approve resolves the agent's pending decision for execution. The pending
// slot is cleared atomically, so a decision can never be approved twice.
func (g *Gate) Approve(agentID string) (types.Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pd, exists := g.pending[agentID]
	if !exists {
		return types.Decision{}, false
	}
	delete(g.pending, agentID)

	d, err := types.NewDecision(pd.Action, pd.Symbol, pd.Quantity, pd.Reasoning)
	if err != nil {
		// Cannot happen for decisions that entered through Propose
		g.logger.Error().Err(err).Str("agent_id", agentID).Msg("pending decision failed revalidation")
		return types.Decision{}, false
	}
	return d, true
}

// Reject discards the agent's pending decision without ledger effect.
// Rejecting when nothing is pending is a no-op.
func (g *Gate) Reject(agentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.pending[agentID]; !exists {
		return false
	}
	delete(g.pending, agentID)
	return true
}

// Pending returns the agent's outstanding decision, if any.
func (g *Gate) Pending(agentID string) *types.PendingDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending[agentID]
}

// Clear drops any pending decision for the agent, used on agent removal.
func (g *Gate) Clear(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, agentID)
}
