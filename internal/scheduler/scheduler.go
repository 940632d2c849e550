package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bokuhoggie/PhantomEx/internal/approval"
	"github.com/Bokuhoggie/PhantomEx/internal/executor"
	"github.com/Bokuhoggie/PhantomEx/internal/hub"
	"github.com/Bokuhoggie/PhantomEx/internal/ledger"
	"github.com/Bokuhoggie/PhantomEx/internal/model"
	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrAgentNotRegistered = errors.New("agent not registered")

// PriceSource supplies the latest market snapshot. Implemented by the
// market feed; tests substitute fixed prices.
type PriceSource interface {
	Current() types.Prices
}

// EquityRecorder persists a portfolio valuation after each decision cycle.
// Implemented by the session manager.
type EquityRecorder interface {
	RecordEquity(agentID string, prices types.Prices) error
}

// DecisionMaker runs one model decision. Implemented by decision.Engine.
type DecisionMaker interface {
	Decide(ctx context.Context, agent *types.Agent, portfolio *types.PortfolioView, prices types.Prices) (types.Decision, error)
}

// runner is the runtime state of one registered agent: its timer loop and
// the guards keeping cycles serialized and cancellable.
type runner struct {
	agent *types.Agent

	gen      atomic.Uint64 // bumped on unregister so stale cycles discard
	inFlight atomic.Bool   // at most one cycle at a time

	lastThought *types.Decision

	cancel     context.CancelFunc
	setTick    chan time.Duration
	triggerNow chan struct{}
}

// Service owns the agent registry and one independent timer per agent.
// Every mutation of runtime agent state goes through the registry lock;
// decision cycles themselves run outside it.
type Service struct {
	engine  DecisionMaker
	exec    *executor.Service
	gate    *approval.Gate
	ledger  *ledger.Service
	hub     *hub.Hub
	prices  PriceSource
	equity  EquityRecorder
	logger  zerolog.Logger
	baseCtx context.Context

	mu      sync.Mutex
	runners map[string]*runner
	wg      sync.WaitGroup
}

func NewService(
	ctx context.Context,
	engine DecisionMaker,
	exec *executor.Service,
	gate *approval.Gate,
	ledgerSvc *ledger.Service,
	eventHub *hub.Hub,
	prices PriceSource,
	equity EquityRecorder,
) *Service {
	return &Service{
		engine:  engine,
		exec:    exec,
		gate:    gate,
		ledger:  ledgerSvc,
		hub:     eventHub,
		prices:  prices,
		equity:  equity,
		logger:  log.With().Str("component", "scheduler").Logger(),
		baseCtx: ctx,
		runners: make(map[string]*runner),
	}
}

// Register starts an independent timer loop for the agent. Registering an
// already-registered agent is a no-op.
func (s *Service) Register(agent *types.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runners[agent.AgentID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	r := &runner{
		agent:      agent,
		cancel:     cancel,
		setTick:    make(chan time.Duration, 1),
		triggerNow: make(chan struct{}, 1),
	}
	s.runners[agent.AgentID] = r

	s.wg.Add(1)
	go s.run(ctx, r)

	s.logger.Info().
		Str("agent_id", agent.AgentID).
		Str("name", agent.Name).
		Float64("interval_secs", agent.TradeInterval).
		Msg("agent registered")
}

// Unregister cancels the agent's timer and marks any in-flight cycle stale
// so a late model response is discarded rather than applied. The pending
// decision, if any, is cleared and the cached ledger position evicted.
func (s *Service) Unregister(agentID string) {
	s.mu.Lock()
	r, exists := s.runners[agentID]
	if exists {
		delete(s.runners, agentID)
	}
	s.mu.Unlock()
	if !exists {
		return
	}

	r.gen.Add(1)
	r.cancel()
	s.gate.Clear(agentID)
	s.ledger.Evict(agentID)
	s.logger.Info().Str("agent_id", agentID).Msg("agent unregistered")
}

// SetInterval changes the agent's cycle interval, effective from the next
// tick.
func (s *Service) SetInterval(agentID string, seconds float64) error {
	if seconds < 1 {
		return fmt.Errorf("trade interval must be at least 1 second, got %v", seconds)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.runners[agentID]
	if !exists {
		return ErrAgentNotRegistered
	}
	r.agent.TradeInterval = seconds

	// Replace any queued change rather than blocking
	select {
	case <-r.setTick:
	default:
	}
	r.setTick <- time.Duration(seconds * float64(time.Second))
	return nil
}

// SetMode switches the agent between autonomous and advisory.
func (s *Service) SetMode(agentID, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, exists := s.runners[agentID]
	if !exists {
		return ErrAgentNotRegistered
	}
	r.agent.Mode = mode
	return nil
}

// SetRiskProfile changes the agent's risk profile, effective next cycle.
func (s *Service) SetRiskProfile(agentID, profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, exists := s.runners[agentID]
	if !exists {
		return ErrAgentNotRegistered
	}
	r.agent.RiskProfile = profile
	return nil
}

// TriggerNow requests an out-of-band cycle. If a cycle is already running
// the request is a no-op, preserving the non-overlap guarantee.
func (s *Service) TriggerNow(agentID string) error {
	s.mu.Lock()
	r, exists := s.runners[agentID]
	s.mu.Unlock()
	if !exists {
		return ErrAgentNotRegistered
	}
	select {
	case r.triggerNow <- struct{}{}:
	default:
	}
	return nil
}

// Registered reports whether the agent currently has a timer.
func (s *Service) Registered(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runners[agentID]
	return ok
}

// StopAll cancels every timer and waits for loops to exit. In-flight model
// calls are abandoned via context cancellation.
func (s *Service) StopAll() {
	s.mu.Lock()
	for id, r := range s.runners {
		r.gen.Add(1)
		r.cancel()
		delete(s.runners, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// run is one agent's timer loop. Each fire spawns the cycle on its own
// goroutine; the in-flight guard drops fires that overlap a running cycle,
// so a slow model call never backs up the timer.
func (s *Service) run(ctx context.Context, r *runner) {
	defer s.wg.Done()

	interval := time.Duration(r.agent.TradeInterval * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.setTick:
			ticker.Reset(d)
		case <-ticker.C:
			go s.runCycle(ctx, r, r.gen.Load())
		case <-r.triggerNow:
			go s.runCycle(ctx, r, r.gen.Load())
		}
	}
}

// runCycle performs one decision cycle for the agent. Failures are logged
// and agent-scoped; nothing here can take down another agent's loop.
func (s *Service) runCycle(ctx context.Context, r *runner, gen uint64) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return // previous cycle still running; drop, don't queue
	}
	defer r.inFlight.Store(false)

	agent := s.agentCopy(r)
	logger := s.logger.With().Str("agent_id", agent.AgentID).Logger()

	prices := s.prices.Current()
	if len(prices) == 0 {
		logger.Debug().Msg("no market data yet, skipping cycle")
		return
	}

	portfolio, err := s.ledger.Snapshot(agent.AgentID, prices)
	if err != nil {
		logger.Error().Err(err).Msg("failed to snapshot portfolio")
		return
	}

	d, err := s.engine.Decide(ctx, &agent, portfolio, prices)
	if err != nil {
		// Backend trouble skips the cycle; the next tick proceeds normally
		if errors.Is(err, model.ErrTimeout) {
			logger.Warn().Err(err).Msg("model timed out, cycle skipped")
		} else {
			logger.Warn().Err(err).Msg("model unavailable, cycle skipped")
		}
		return
	}

	// A response that arrives after unregistration is discarded
	if r.gen.Load() != gen {
		logger.Info().Msg("discarding stale decision after removal")
		return
	}

	s.applyDecision(r, agent, d, gen, prices, logger)

	if err := s.equity.RecordEquity(agent.AgentID, prices); err != nil {
		logger.Error().Err(err).Msg("failed to record equity point")
	}
	s.publishState(agent.AgentID)
}

func (s *Service) applyDecision(r *runner, agent types.Agent, d types.Decision, gen uint64, prices types.Prices, logger zerolog.Logger) {
	s.mu.Lock()
	r.lastThought = &d
	s.mu.Unlock()

	// Re-check right before acting: an unregister landing between the
	// post-decide check and here must not record a trade or a pending
	if r.gen.Load() != gen {
		logger.Info().Msg("discarding stale decision after removal")
		return
	}

	if agent.Mode == types.ModeAdvisory && !d.IsHold() {
		pd, ok := s.gate.Propose(agent.AgentID, d)
		if !ok {
			logger.Info().Msg("decision skipped, approval still pending")
			return
		}
		s.hub.Publish(hub.Event{Type: hub.EventPendingDecision, AgentID: agent.AgentID, Data: pd})
		return
	}

	if _, err := s.exec.Execute(&agent, d, prices); err != nil {
		logger.Warn().Err(err).Str("action", d.Action).Msg("decision not executed")
	}
}

// Approve executes the agent's pending decision, if one exists. Implements
// the live channel's resolver; approving with nothing pending is a no-op.
func (s *Service) Approve(agentID string) error {
	s.mu.Lock()
	r, exists := s.runners[agentID]
	s.mu.Unlock()
	if !exists {
		return ErrAgentNotRegistered
	}

	d, ok := s.gate.Approve(agentID)
	if !ok {
		return nil
	}

	agent := s.agentCopy(r)
	prices := s.prices.Current()
	if _, err := s.exec.Execute(&agent, d, prices); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("approved decision rejected by ledger")
	}
	s.publishState(agentID)
	return nil
}

// Reject discards the agent's pending decision without ledger effect.
func (s *Service) Reject(agentID string) error {
	if !s.Registered(agentID) {
		return ErrAgentNotRegistered
	}
	s.gate.Reject(agentID)
	s.publishState(agentID)
	return nil
}

// StateView assembles the full broadcastable state of one agent.
func (s *Service) StateView(agentID string) (*types.AgentStateView, error) {
	s.mu.Lock()
	r, exists := s.runners[agentID]
	if !exists {
		s.mu.Unlock()
		return nil, ErrAgentNotRegistered
	}
	agent := *r.agent
	lastThought := r.lastThought
	s.mu.Unlock()

	prices := s.prices.Current()
	portfolio, err := s.ledger.Snapshot(agentID, prices)
	if err != nil {
		return nil, err
	}

	return &types.AgentStateView{
		Agent:           agent,
		Running:         true,
		LastThought:     lastThought,
		PendingDecision: s.gate.Pending(agentID),
		Portfolio:       portfolio,
	}, nil
}

// StateViews returns the state of every registered agent.
func (s *Service) StateViews() []*types.AgentStateView {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	views := make([]*types.AgentStateView, 0, len(ids))
	for _, id := range ids {
		view, err := s.StateView(id)
		if err != nil {
			continue // unregistered between listing and assembly
		}
		views = append(views, view)
	}
	return views
}

// Snapshot builds the hub join snapshot: current prices first, then every
// agent's state.
func (s *Service) Snapshot() []hub.Event {
	events := []hub.Event{}
	if prices := s.prices.Current(); len(prices) > 0 {
		events = append(events, hub.Event{Type: hub.EventPrices, Data: prices})
	}
	for _, view := range s.StateViews() {
		events = append(events, hub.Event{Type: hub.EventAgentState, AgentID: view.AgentID, Data: view})
	}
	return events
}

func (s *Service) publishState(agentID string) {
	view, err := s.StateView(agentID)
	if err != nil {
		return
	}
	s.hub.Publish(hub.Event{Type: hub.EventAgentState, AgentID: agentID, Data: view})
}

func (s *Service) agentCopy(r *runner) types.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *r.agent
}
