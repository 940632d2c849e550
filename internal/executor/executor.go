package executor

import (
	"errors"
	"fmt"

	"github.com/Bokuhoggie/PhantomEx/internal/hub"
	"github.com/Bokuhoggie/PhantomEx/internal/ledger"
	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNoQuote is returned when a decision names a symbol the market feed
// does not currently price.
var ErrNoQuote = errors.New("no market price for symbol")

// RiskPolicy maps each risk profile to the maximum fraction of cash a
// single buy may spend. Bounds are configuration, not behaviour.
type RiskPolicy map[string]float64

// DefaultRiskPolicy mirrors the sizing instructions the profiles give the
// model, enforced here as a hard ceiling.
func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{
		types.RiskAggressive: 0.40,
		types.RiskNeutral:    0.20,
		types.RiskSafe:       0.10,
	}
}

// MaxFraction returns the cash fraction cap for the profile, defaulting to
// the neutral bound for unknown profiles.
func (p RiskPolicy) MaxFraction(profile string) float64 {
	if f, ok := p[profile]; ok {
		return f
	}
	return p[types.RiskNeutral]
}

// Service validates decisions against the ledger and risk policy, applies
// them, and broadcasts the resulting trade and portfolio.
type Service struct {
	ledger *ledger.Service
	hub    *hub.Hub
	policy RiskPolicy
	logger zerolog.Logger
}

func NewService(ledgerSvc *ledger.Service, eventHub *hub.Hub, policy RiskPolicy) *Service {
	return &Service{
		ledger: ledgerSvc,
		hub:    eventHub,
		policy: policy,
		logger: log.With().Str("component", "executor").Logger(),
	}
}

// Execute applies one validated decision for the agent at current prices.
// Buys are capped to the risk profile's cash fraction; a ledger rejection
// leaves no trade record. Successful trades are broadcast along with the
// updated portfolio.
func (s *Service) Execute(agent *types.Agent, d types.Decision, prices types.Prices) (*ledger.Result, error) {
	logger := s.logger.With().Str("agent_id", agent.AgentID).Str("action", d.Action).Logger()

	if d.IsHold() {
		res, err := s.ledger.Apply(agent.AgentID, types.ActionHold, "", 0, 0, d.Reasoning)
		if err != nil {
			return nil, err
		}
		s.broadcast(agent.AgentID, res.Trade, prices)
		return res, nil
	}

	quote, ok := prices[d.Symbol]
	if !ok || quote.Price <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, d.Symbol)
	}

	quantity := d.Quantity
	if d.Action == types.ActionBuy {
		capped, err := s.capToRisk(agent, quantity, quote.Price)
		if err != nil {
			return nil, err
		}
		if capped < quantity {
			logger.Info().
				Float64("requested", quantity).
				Float64("capped", capped).
				Str("risk_profile", agent.RiskProfile).
				Msg("buy size reduced by risk policy")
			quantity = capped
		}
	}

	res, err := s.ledger.Apply(agent.AgentID, d.Action, d.Symbol, quantity, quote.Price, d.Reasoning)
	if err != nil {
		logger.Warn().Err(err).Str("symbol", d.Symbol).Float64("quantity", quantity).Msg("trade rejected")
		return nil, err
	}

	logger.Info().
		Str("symbol", d.Symbol).
		Float64("quantity", quantity).
		Float64("price", quote.Price).
		Float64("total", res.Trade.Total).
		Msg("trade executed")

	s.broadcast(agent.AgentID, res.Trade, prices)
	return res, nil
}

// capToRisk bounds a buy to the profile's maximum fraction of current cash.
func (s *Service) capToRisk(agent *types.Agent, quantity, price float64) (float64, error) {
	cash, err := s.ledger.Cash(agent.AgentID)
	if err != nil {
		return 0, err
	}
	maxSpend := cash * s.policy.MaxFraction(agent.RiskProfile)
	if quantity*price <= maxSpend {
		return quantity, nil
	}
	return maxSpend / price, nil
}

func (s *Service) broadcast(agentID string, trade *types.Trade, prices types.Prices) {
	s.hub.Publish(hub.Event{Type: hub.EventTrade, AgentID: agentID, Data: trade})

	snapshot, err := s.ledger.Snapshot(agentID, prices)
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to snapshot portfolio for broadcast")
		return
	}
	s.hub.Publish(hub.Event{Type: hub.EventPortfolio, AgentID: agentID, Data: snapshot})
}
