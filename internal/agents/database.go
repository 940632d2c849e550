package agents

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

func (d *Database) CreateAgent(agent *types.Agent) error {
	return d.db.Create(agent).Error
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

// ListActiveAgents returns agents that were running when the process last
// stopped, used to restore timers on startup.
func (d *Database) ListActiveAgents() ([]types.Agent, error) {
	var list []types.Agent
	err := d.db.Where("active = ?", true).Order("started_at ASC").Find(&list).Error
	return list, err
}

func (d *Database) DeactivateAgent(agentID string) error {
	return d.db.Model(&types.Agent{}).
		Where("agent_id = ?", agentID).
		Update("active", false).Error
}

// UpdateAgentSettings persists mutable configuration so restarts pick up the
// latest mode, risk profile and interval.
func (d *Database) UpdateAgentSettings(agentID string, fields map[string]interface{}) error {
	return d.db.Model(&types.Agent{}).
		Where("agent_id = ?", agentID).
		Updates(fields).Error
}
