package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Bokuhoggie/PhantomEx/internal/ledger"
	"github.com/Bokuhoggie/PhantomEx/internal/model"
	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrSessionNotFound = errors.New("session not found")
)

// equityHistoryLimit caps the persisted equity curve per agent so long-running
// agents do not grow the table without bound.
const equityHistoryLimit = 500

const summaryTimeout = 90 * time.Second

// PriceSource supplies the latest market quotes for portfolio valuation.
type PriceSource interface {
	Current() types.Prices
}

// Service archives finished trading runs and maintains per-agent equity
// history. Saved sessions are self-contained: the trade log and equity curve
// are embedded as JSON blobs so a session outlives its agent.
type Service struct {
	db      *Database
	ledger  *ledger.Service
	prices  PriceSource
	backend model.Backend
	log     zerolog.Logger
}

func NewService(db *gorm.DB, ledgerSvc *ledger.Service, prices PriceSource, backend model.Backend, log zerolog.Logger) *Service {
	return &Service{
		db:      NewDatabase(db),
		ledger:  ledgerSvc,
		prices:  prices,
		backend: backend,
		log:     log.With().Str("component", "session").Logger(),
	}
}

// RecordEquity persists one valuation point for the agent and prunes the
// series to the newest equityHistoryLimit points.
func (s *Service) RecordEquity(agentID string, prices types.Prices) error {
	view, err := s.ledger.Snapshot(agentID, prices)
	if err != nil {
		return fmt.Errorf("snapshot for equity point: %w", err)
	}

	point := &types.EquityPoint{
		AgentID:    agentID,
		TotalValue: view.TotalValue,
		Cash:       view.Cash,
	}
	if err := s.db.SaveEquityPoint(point); err != nil {
		return fmt.Errorf("save equity point: %w", err)
	}
	return s.db.PruneEquity(agentID, equityHistoryLimit)
}

// Equity returns the persisted equity curve for an agent, oldest first.
func (s *Service) Equity(agentID string) ([]types.EquityPoint, error) {
	return s.db.ListEquity(agentID, equityHistoryLimit)
}

// Save archives the agent's current run: trade statistics, the full trade
// log and equity curve as JSON, and an AI-written summary when the model
// backend is reachable.
func (s *Service) Save(ctx context.Context, agentID, notes string) (*types.SavedSession, error) {
	agent, err := s.db.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}

	view, err := s.ledger.Snapshot(agentID, s.prices.Current())
	if err != nil {
		return nil, fmt.Errorf("value portfolio: %w", err)
	}

	trades, err := s.db.ListTrades(agentID)
	if err != nil {
		return nil, err
	}
	equity, err := s.db.ListEquity(agentID, equityHistoryLimit)
	if err != nil {
		return nil, err
	}

	session := s.build(agent, trades, equity, view.TotalValue, notes)
	session.Summary = s.summarize(ctx, agent, session, trades)

	if err := s.db.CreateSession(session); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	s.log.Info().
		Str("session_id", session.SessionID).
		Str("agent_id", agentID).
		Float64("pnl", session.PnL).
		Msg("Session saved")
	return session, nil
}

// Recover archives a run for an agent that is no longer active, valuing the
// portfolio from its last recorded equity point instead of live prices. It
// exists so a run interrupted by a crash or deletion is not lost.
func (s *Service) Recover(ctx context.Context, agentID, notes string) (*types.SavedSession, error) {
	agent, err := s.db.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}

	trades, err := s.db.ListTrades(agentID)
	if err != nil {
		return nil, err
	}
	equity, err := s.db.ListEquity(agentID, equityHistoryLimit)
	if err != nil {
		return nil, err
	}

	finalValue := agent.Allowance
	if len(equity) > 0 {
		finalValue = equity[len(equity)-1].TotalValue
	}

	session := s.build(agent, trades, equity, finalValue, notes)
	session.Summary = s.summarize(ctx, agent, session, trades)

	if err := s.db.CreateSession(session); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	s.log.Info().
		Str("session_id", session.SessionID).
		Str("agent_id", agentID).
		Msg("Session recovered")
	return session, nil
}

// Recapture rebuilds a saved session from the full trade and equity history
// still in the database: final value, P&L, counts, blobs and the AI summary
// are all recomputed. Useful after the stats logic changes or a session was
// saved from partial history.
func (s *Service) Recapture(ctx context.Context, sessionID string) (*types.SavedSession, error) {
	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	trades, err := s.db.ListTrades(session.AgentID)
	if err != nil {
		return nil, err
	}
	equity, err := s.db.ListEquity(session.AgentID, equityHistoryLimit)
	if err != nil {
		return nil, err
	}

	// The newest equity point is the most accurate record of how the run
	// ended; with no equity history, fall back to a live valuation.
	if len(equity) > 0 {
		session.FinalValue = equity[len(equity)-1].TotalValue
	} else if view, verr := s.ledger.Snapshot(session.AgentID, s.prices.Current()); verr == nil {
		session.FinalValue = view.TotalValue
	}

	buys, sells, holds := countSides(trades)
	session.TradeCount = buys + sells
	session.BuyCount = buys
	session.SellCount = sells
	session.HoldCount = holds
	session.PnL = session.FinalValue - session.Allowance
	session.PnLPct = pnlPct(session.Allowance, session.FinalValue)
	session.TradesJSON = mustJSON(trades)
	session.EquityJSON = mustJSON(equity)

	if agent, aerr := s.db.GetAgent(session.AgentID); aerr == nil && agent != nil {
		session.Summary = s.summarize(ctx, agent, session, trades)
	}

	if err := s.db.UpdateSession(session); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	s.log.Info().Str("session_id", sessionID).Msg("Session recaptured")
	return session, nil
}

// Get returns one saved session, or ErrSessionNotFound.
func (s *Service) Get(sessionID string) (*types.SavedSession, error) {
	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// List returns all saved sessions, newest first.
func (s *Service) List() ([]types.SavedSession, error) {
	return s.db.ListSessions()
}

// Delete removes the saved snapshot. The underlying trade log is untouched.
func (s *Service) Delete(sessionID string) error {
	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	return s.db.DeleteSession(sessionID)
}

func (s *Service) build(agent *types.Agent, trades []types.Trade, equity []types.EquityPoint, finalValue float64, notes string) *types.SavedSession {
	buys, sells, holds := countSides(trades)
	now := time.Now()

	return &types.SavedSession{
		SessionID:    uuid.New().String(),
		AgentID:      agent.AgentID,
		AgentName:    agent.Name,
		ModelName:    agent.ModelName,
		RiskProfile:  agent.RiskProfile,
		Allowance:    agent.Allowance,
		FinalValue:   finalValue,
		PnL:          finalValue - agent.Allowance,
		PnLPct:       pnlPct(agent.Allowance, finalValue),
		TradeCount:   buys + sells,
		BuyCount:     buys,
		SellCount:    sells,
		HoldCount:    holds,
		StartedAt:    agent.StartedAt,
		EndedAt:      now,
		DurationSecs: now.Sub(agent.StartedAt).Seconds(),
		Goal:         agent.Goal,
		Notes:        notes,
		TradesJSON:   mustJSON(trades),
		EquityJSON:   mustJSON(equity),
		SavedAt:      now,
	}
}

// summarize asks the agent's own model for a short retrospective. Summaries
// are best effort: any backend failure yields an empty summary, never an
// error, so saving a session works with the model host down.
func (s *Service) summarize(ctx context.Context, agent *types.Agent, session *types.SavedSession, trades []types.Trade) string {
	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Summarize this trading session in 2-3 sentences. Agent: %s. Goal: %s. "+
			"Started with $%.2f, ended with $%.2f (P&L $%.2f, %.2f%%). "+
			"%d buys, %d sells, %d holds over %.1f hours.",
		agent.Name, agent.Goal,
		session.Allowance, session.FinalValue, session.PnL, session.PnLPct,
		session.BuyCount, session.SellCount, session.HoldCount,
		session.DurationSecs/3600,
	)
	if n := len(trades); n > 0 {
		last := trades[n-1]
		prompt += fmt.Sprintf(" Last recorded action: %s %s.", last.Side, last.Symbol)
	}

	summary, err := s.backend.Chat(ctx, agent.ModelName,
		"You are a concise trading analyst. Reply with plain prose only.", prompt)
	if err != nil {
		s.log.Warn().Err(err).Str("agent_id", agent.AgentID).Msg("Session summary unavailable")
		return ""
	}
	return summary
}

func countSides(trades []types.Trade) (buys, sells, holds int) {
	for _, t := range trades {
		switch t.Side {
		case types.ActionBuy:
			buys++
		case types.ActionSell:
			sells++
		case types.ActionHold:
			holds++
		}
	}
	return buys, sells, holds
}

func pnlPct(allowance, finalValue float64) float64 {
	if allowance <= 0 {
		return 0
	}
	return (finalValue - allowance) / allowance * 100
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
