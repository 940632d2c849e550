package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrUnknownAgent         = errors.New("unknown agent")
	ErrUnknownSide          = errors.New("unknown trade side")
)

// Result is the outcome of one applied decision.
type Result struct {
	Trade       *types.Trade
	RealizedPnL float64 // only meaningful for sells
}

// position is the in-memory ledger state for one agent. Each position has
// its own mutex so agents never contend with each other.
type position struct {
	mu       sync.Mutex
	cash     float64
	holdings map[string]*types.Holding
}

// Service is the portfolio ledger. It owns one position per agent and
// applies trades atomically: the in-memory state only advances after the
// trade record and holding update are committed together.
type Service struct {
	db *Database

	mu        sync.Mutex
	positions map[string]*position
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		positions: make(map[string]*position),
	}
}

// position returns the cached position for the agent, rebuilding it from the
// trade history on first access. Cash is allowance minus buys plus sells.
func (s *Service) position(agentID string) (*position, error) {
	s.mu.Lock()
	if p, ok := s.positions[agentID]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	agent, err := s.db.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	cash := agent.Allowance
	trades, err := s.db.ListTrades(agentID)
	if err != nil {
		return nil, err
	}
	for _, t := range trades {
		switch t.Side {
		case types.ActionBuy:
			cash -= t.Total
		case types.ActionSell:
			cash += t.Total
		}
	}

	rows, err := s.db.ListHoldings(agentID)
	if err != nil {
		return nil, err
	}
	holdings := make(map[string]*types.Holding, len(rows))
	for i := range rows {
		h := rows[i]
		holdings[h.Symbol] = &h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have loaded it while we were reading; keep theirs.
	if p, ok := s.positions[agentID]; ok {
		return p, nil
	}
	p := &position{cash: cash, holdings: holdings}
	s.positions[agentID] = p
	return p, nil
}

// Apply executes one decision against the agent's portfolio. Buys require
// sufficient cash, sells require sufficient holdings, and holds mutate
// nothing but are still recorded. On any error the portfolio is unchanged.
func (s *Service) Apply(agentID, side, symbol string, quantity, price float64, reasoning string) (*Result, error) {
	p, err := s.position(agentID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	trade := &types.Trade{
		TradeID:   uuid.New().String(),
		AgentID:   agentID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		Total:     quantity * price,
		Reasoning: reasoning,
		CreatedAt: now,
	}

	switch side {
	case types.ActionHold:
		trade.Symbol, trade.Quantity, trade.Price, trade.Total = "", 0, 0, 0
		if err := s.db.SaveTradeWithHolding(trade, nil, false); err != nil {
			return nil, err
		}
		return &Result{Trade: trade}, nil

	case types.ActionBuy:
		if quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		total := quantity * price
		if total > p.cash {
			return nil, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientFunds, total, p.cash)
		}

		newHolding := &types.Holding{AgentID: agentID, Symbol: symbol, Quantity: quantity, AvgCost: price}
		if existing, ok := p.holdings[symbol]; ok {
			newQty := existing.Quantity + quantity
			newHolding.Quantity = newQty
			newHolding.AvgCost = (existing.AvgCost*existing.Quantity + price*quantity) / newQty
		}
		if err := s.db.SaveTradeWithHolding(trade, newHolding, false); err != nil {
			return nil, err
		}
		p.cash -= total
		p.holdings[symbol] = newHolding
		return &Result{Trade: trade}, nil

	case types.ActionSell:
		if quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		existing, ok := p.holdings[symbol]
		if !ok || existing.Quantity < quantity {
			held := 0.0
			if ok {
				held = existing.Quantity
			}
			return nil, fmt.Errorf("%w: selling %v %s, hold %v", ErrInsufficientHoldings, quantity, symbol, held)
		}

		realized := (price - existing.AvgCost) * quantity
		remaining := existing.Quantity - quantity
		closed := remaining <= 0

		var newHolding *types.Holding
		if !closed {
			newHolding = &types.Holding{AgentID: agentID, Symbol: symbol, Quantity: remaining, AvgCost: existing.AvgCost}
		}
		if err := s.db.SaveTradeWithHolding(trade, newHolding, closed); err != nil {
			return nil, err
		}
		p.cash += quantity * price
		if closed {
			delete(p.holdings, symbol)
		} else {
			p.holdings[symbol] = newHolding
		}

		log.Debug().
			Str("component", "ledger").
			Str("agent_id", agentID).
			Str("symbol", symbol).
			Float64("realized_pnl", realized).
			Msg("position reduced")

		return &Result{Trade: trade, RealizedPnL: realized}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSide, side)
	}
}

// Deposit adds cash to the agent's wallet, outside the trade flow. The
// agent's allowance is bumped alongside so P&L stays measured against total
// paid-in capital. Serialized with trades for the same agent.
func (s *Service) Deposit(agentID string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: deposit of %v", ErrInvalidQuantity, amount)
	}
	p, err := s.position(agentID)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := s.db.AddAllowance(agentID, amount); err != nil {
		return 0, err
	}
	p.cash += amount
	return p.cash, nil
}

// SeedHolding declares an initial position without spending cash, used at
// agent deployment. The position is costed at the given price.
func (s *Service) SeedHolding(agentID, symbol string, quantity, price float64) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	p, err := s.position(agentID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	h := &types.Holding{AgentID: agentID, Symbol: symbol, Quantity: quantity, AvgCost: price}
	if err := s.db.UpsertHolding(h); err != nil {
		return err
	}
	p.holdings[symbol] = h
	return nil
}

// Snapshot values the agent's portfolio at the given prices. Holdings with
// no current quote are valued at cost.
func (s *Service) Snapshot(agentID string, prices types.Prices) (*types.PortfolioView, error) {
	p, err := s.position(agentID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	view := &types.PortfolioView{
		AgentID:  agentID,
		Cash:     p.cash,
		Holdings: make(map[string]types.HoldingView, len(p.holdings)),
	}
	for symbol, h := range p.holdings {
		price := h.AvgCost
		if q, ok := prices[symbol]; ok {
			price = q.Price
		}
		value := h.Quantity * price
		hv := types.HoldingView{
			Quantity:      h.Quantity,
			AvgCost:       h.AvgCost,
			CurrentValue:  value,
			UnrealizedPnL: (price - h.AvgCost) * h.Quantity,
		}
		if h.AvgCost > 0 {
			hv.UnrealizedPct = (price/h.AvgCost - 1) * 100
		}
		view.Holdings[symbol] = hv
		view.HoldingsValue += value
	}
	view.TotalValue = view.Cash + view.HoldingsValue
	return view, nil
}

// Cash returns the agent's current cash balance.
func (s *Service) Cash(agentID string) (float64, error) {
	p, err := s.position(agentID)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

// Trades returns the agent's full trade history, oldest first.
func (s *Service) Trades(agentID string) ([]types.Trade, error) {
	return s.db.ListTrades(agentID)
}

// RecentTrades returns the newest trades across all agents, newest first.
func (s *Service) RecentTrades(limit int) ([]types.Trade, error) {
	return s.db.ListRecentTrades(limit)
}

// Evict drops the agent's cached position. Called when an agent is removed;
// a later access rebuilds from the database.
func (s *Service) Evict(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, agentID)
}
