package ledger

import (
	"errors"

	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetAgent(agentID string) (*types.Agent, error) {
	var agent types.Agent
	if err := d.db.Where("agent_id = ?", agentID).First(&agent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &agent, nil
}

func (d *Database) ListHoldings(agentID string) ([]types.Holding, error) {
	var holdings []types.Holding
	err := d.db.Where("agent_id = ?", agentID).Find(&holdings).Error
	return holdings, err
}

func (d *Database) ListTrades(agentID string) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.Where("agent_id = ?", agentID).Order("created_at ASC").Find(&trades).Error
	return trades, err
}

func (d *Database) ListRecentTrades(limit int) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.Order("created_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// AddAllowance bumps the agent's allowance so the P&L baseline tracks
// deposited cash.
func (d *Database) AddAllowance(agentID string, amount float64) error {
	return d.db.Model(&types.Agent{}).
		Where("agent_id = ?", agentID).
		Update("allowance", gorm.Expr("allowance + ?", amount)).Error
}

// UpsertHolding writes a position outside the trade flow, used when an agent
// is deployed with declared initial holdings.
func (d *Database) UpsertHolding(holding *types.Holding) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "avg_cost", "updated_at"}),
	}).Create(holding).Error
}

// SaveTradeWithHolding records the trade and the resulting holding state in
// one transaction. A holding with zero remaining quantity is deleted; a hold
// trade carries no holding at all.
func (d *Database) SaveTradeWithHolding(trade *types.Trade, holding *types.Holding, closed bool) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(trade).Error; err != nil {
			return err
		}
		if closed {
			// Hard delete so the (agent_id, symbol) slot is free if the
			// position is reopened later.
			return tx.Unscoped().Where("agent_id = ? AND symbol = ?", trade.AgentID, trade.Symbol).
				Delete(&types.Holding{}).Error
		}
		if holding == nil {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "agent_id"}, {Name: "symbol"}},
			DoUpdates: clause.AssignmentColumns([]string{"quantity", "avg_cost", "updated_at"}),
		}).Create(holding).Error
	})
}
