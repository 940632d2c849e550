package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Bokuhoggie/PhantomEx/internal/hub"
	"github.com/Bokuhoggie/PhantomEx/internal/ledger"
	"github.com/Bokuhoggie/PhantomEx/internal/scheduler"
	"github.com/Bokuhoggie/PhantomEx/internal/session"
	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var ErrAgentNotFound = errors.New("agent not found")

const defaultTradeInterval = 300.0

// Service manages agent lifecycle: creation, configuration changes, deposits
// and retirement. It is the only writer of persisted agent rows; runtime
// state lives in the scheduler.
type Service struct {
	db       *Database
	ledger   *ledger.Service
	sched    *scheduler.Service
	sessions *session.Service
	hub      *hub.Hub
	logger   zerolog.Logger
}

func NewService(db *gorm.DB, ledgerSvc *ledger.Service, sched *scheduler.Service, sessions *session.Service, eventHub *hub.Hub) *Service {
	return &Service{
		db:       NewDatabase(db),
		ledger:   ledgerSvc,
		sched:    sched,
		sessions: sessions,
		hub:      eventHub,
		logger:   log.With().Str("component", "agents").Logger(),
	}
}

// InitialHolding seeds a position into a new agent's portfolio at a stated
// cost basis, without touching cash.
type InitialHolding struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

// CreateAgentRequest is the payload for deploying a new agent.
type CreateAgentRequest struct {
	Name            string           `json:"name"`
	Model           string           `json:"model"`
	Mode            string           `json:"mode"`
	Allowance       float64          `json:"allowance"`
	Goal            string           `json:"goal"`
	TradeInterval   float64          `json:"trade_interval"`
	RiskProfile     string           `json:"risk_profile"`
	InitialHoldings []InitialHolding `json:"initial_holdings"`
}

func (r *CreateAgentRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(r.Model) == "" {
		return errors.New("model is required")
	}
	if r.Allowance <= 0 {
		return errors.New("allowance must be positive")
	}
	if r.Mode == "" {
		r.Mode = types.ModeAutonomous
	}
	if !types.ValidMode(r.Mode) {
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
	if r.RiskProfile == "" {
		r.RiskProfile = types.RiskNeutral
	}
	if !types.ValidRiskProfile(r.RiskProfile) {
		return fmt.Errorf("unknown risk profile %q", r.RiskProfile)
	}
	if r.TradeInterval == 0 {
		r.TradeInterval = defaultTradeInterval
	}
	if r.TradeInterval < 1 {
		return fmt.Errorf("trade interval must be at least 1 second, got %v", r.TradeInterval)
	}
	for _, h := range r.InitialHoldings {
		if h.Symbol == "" || h.Quantity <= 0 || h.Price <= 0 {
			return fmt.Errorf("initial holding needs symbol, positive quantity and price: %+v", h)
		}
	}
	return nil
}

// Create persists a new agent, seeds any initial holdings and starts its
// decision timer.
func (s *Service) Create(req *CreateAgentRequest) (*types.AgentStateView, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	agent := &types.Agent{
		AgentID:       uuid.New().String(),
		Name:          strings.TrimSpace(req.Name),
		ModelName:     strings.TrimSpace(req.Model),
		Mode:          req.Mode,
		Allowance:     req.Allowance,
		Goal:          req.Goal,
		TradeInterval: req.TradeInterval,
		RiskProfile:   req.RiskProfile,
		Active:        true,
		StartedAt:     time.Now().UTC(),
	}
	if err := s.db.CreateAgent(agent); err != nil {
		return nil, fmt.Errorf("persist agent: %w", err)
	}

	for _, h := range req.InitialHoldings {
		if err := s.ledger.SeedHolding(agent.AgentID, h.Symbol, h.Quantity, h.Price); err != nil {
			return nil, fmt.Errorf("seed holding %s: %w", h.Symbol, err)
		}
	}

	s.sched.Register(agent)
	s.logger.Info().
		Str("agent_id", agent.AgentID).
		Str("name", agent.Name).
		Str("mode", agent.Mode).
		Float64("allowance", agent.Allowance).
		Msg("Agent deployed")

	view, err := s.sched.StateView(agent.AgentID)
	if err != nil {
		return nil, err
	}
	s.hub.Publish(hub.Event{Type: hub.EventAgentState, AgentID: agent.AgentID, Data: view})
	return view, nil
}

// RestoreActive re-registers every agent that was active at last shutdown.
func (s *Service) RestoreActive() (int, error) {
	list, err := s.db.ListActiveAgents()
	if err != nil {
		return 0, err
	}
	for i := range list {
		agent := list[i]
		s.sched.Register(&agent)
	}
	if len(list) > 0 {
		s.logger.Info().Int("count", len(list)).Msg("Restored active agents")
	}
	return len(list), nil
}

// List returns the runtime state of every registered agent.
func (s *Service) List() []*types.AgentStateView {
	return s.sched.StateViews()
}

// Get returns one agent's runtime state.
func (s *Service) Get(agentID string) (*types.AgentStateView, error) {
	view, err := s.sched.StateView(agentID)
	if err != nil {
		if errors.Is(err, scheduler.ErrAgentNotRegistered) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	return view, nil
}

// Delete retires an agent: its timer stops, the row is deactivated and
// subscribers are told. With save set, the run is archived first, while the
// ledger cache still holds the portfolio. Trade history is never deleted.
func (s *Service) Delete(ctx context.Context, agentID string, save bool) (*types.SavedSession, error) {
	agent, err := s.db.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}

	var saved *types.SavedSession
	if save {
		saved, err = s.sessions.Save(ctx, agentID, "saved on retirement")
		if err != nil {
			return nil, fmt.Errorf("archive session: %w", err)
		}
	}

	s.sched.Unregister(agentID)
	if err := s.db.DeactivateAgent(agentID); err != nil {
		return nil, err
	}
	s.hub.Publish(hub.Event{Type: hub.EventAgentRemoved, AgentID: agentID})
	s.logger.Info().Str("agent_id", agentID).Bool("session_saved", save).Msg("Agent retired")
	return saved, nil
}

// SetMode switches the agent between autonomous and advisory.
func (s *Service) SetMode(agentID, mode string) error {
	if !types.ValidMode(mode) {
		return fmt.Errorf("unknown mode %q", mode)
	}
	if err := s.sched.SetMode(agentID, mode); err != nil {
		return s.mapSchedErr(err)
	}
	if err := s.db.UpdateAgentSettings(agentID, map[string]interface{}{"mode": mode}); err != nil {
		return err
	}
	s.publishState(agentID)
	return nil
}

// SetRiskProfile changes sizing aggressiveness from the next cycle on.
func (s *Service) SetRiskProfile(agentID, profile string) error {
	if !types.ValidRiskProfile(profile) {
		return fmt.Errorf("unknown risk profile %q", profile)
	}
	if err := s.sched.SetRiskProfile(agentID, profile); err != nil {
		return s.mapSchedErr(err)
	}
	if err := s.db.UpdateAgentSettings(agentID, map[string]interface{}{"risk_profile": profile}); err != nil {
		return err
	}
	s.publishState(agentID)
	return nil
}

// SetInterval changes the cycle interval, effective from the next tick.
func (s *Service) SetInterval(agentID string, seconds float64) error {
	if err := s.sched.SetInterval(agentID, seconds); err != nil {
		return s.mapSchedErr(err)
	}
	if err := s.db.UpdateAgentSettings(agentID, map[string]interface{}{"trade_interval": seconds}); err != nil {
		return err
	}
	s.publishState(agentID)
	return nil
}

// Deposit adds cash to the agent's portfolio and raises its allowance so
// P&L stays measured against total money in.
func (s *Service) Deposit(agentID string, amount float64) (float64, error) {
	agent, err := s.db.GetAgent(agentID)
	if err != nil {
		return 0, err
	}
	if agent == nil {
		return 0, ErrAgentNotFound
	}

	cash, err := s.ledger.Deposit(agentID, amount)
	if err != nil {
		return 0, err
	}
	s.publishState(agentID)
	s.logger.Info().Str("agent_id", agentID).Float64("amount", amount).Msg("Deposit applied")
	return cash, nil
}

// Trigger requests an immediate decision cycle.
func (s *Service) Trigger(agentID string) error {
	return s.mapSchedErr(s.sched.TriggerNow(agentID))
}

// Trades returns the agent's full trade log, oldest first.
func (s *Service) Trades(agentID string) ([]types.Trade, error) {
	agent, err := s.db.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	return s.ledger.Trades(agentID)
}

// RecentTrades returns the newest trades across all agents, newest first.
// Feeds the global activity view on the dashboard.
func (s *Service) RecentTrades(limit int) ([]types.Trade, error) {
	return s.ledger.RecentTrades(limit)
}

// Equity returns the agent's persisted equity curve, oldest first.
func (s *Service) Equity(agentID string) ([]types.EquityPoint, error) {
	agent, err := s.db.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	return s.sessions.Equity(agentID)
}

func (s *Service) publishState(agentID string) {
	view, err := s.sched.StateView(agentID)
	if err != nil {
		return
	}
	s.hub.Publish(hub.Event{Type: hub.EventAgentState, AgentID: agentID, Data: view})
}

func (s *Service) mapSchedErr(err error) error {
	if errors.Is(err, scheduler.ErrAgentNotRegistered) {
		return ErrAgentNotFound
	}
	return err
}
