package session

import (
	"errors"

	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"gorm.io/gorm"
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

func (d *Database) ListTrades(agentID string) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.Where("agent_id = ?", agentID).Order("created_at ASC").Find(&trades).Error
	return trades, err
}

func (d *Database) CreateSession(session *types.SavedSession) error {
	return d.db.Create(session).Error
}

func (d *Database) UpdateSession(session *types.SavedSession) error {
	return d.db.Save(session).Error
}

func (d *Database) GetSession(sessionID string) (*types.SavedSession, error) {
	var session types.SavedSession
	if err := d.db.Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (d *Database) ListSessions() ([]types.SavedSession, error) {
	var sessions []types.SavedSession
	err := d.db.Order("saved_at DESC").Find(&sessions).Error
	return sessions, err
}

func (d *Database) DeleteSession(sessionID string) error {
	return d.db.Unscoped().Where("session_id = ?", sessionID).Delete(&types.SavedSession{}).Error
}

func (d *Database) SaveEquityPoint(point *types.EquityPoint) error {
	return d.db.Create(point).Error
}

// PruneEquity keeps only the newest keep points for the agent.
func (d *Database) PruneEquity(agentID string, keep int) error {
	return d.db.Exec(`DELETE FROM equity_points WHERE agent_id = ? AND id NOT IN (
		SELECT id FROM equity_points WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?
	)`, agentID, agentID, keep).Error
}

func (d *Database) ListEquity(agentID string, limit int) ([]types.EquityPoint, error) {
	var points []types.EquityPoint
	err := d.db.Where("agent_id = ?", agentID).
		Order("created_at ASC").
		Limit(limit).
		Find(&points).Error
	return points, err
}
