package migrations

import (
	"gorm.io/gorm"
)

// AddLedgerIndexes creates the query-path indexes for trade history and
// session lookups. Raw SQL is used for control over index shape.
func AddLedgerIndexes(db *gorm.DB) error {
	indexes := []string{
		// Trade log is always read per agent in time order
		`CREATE INDEX IF NOT EXISTS idx_trades_agent_created
		 ON trades(agent_id, created_at)`,

		// Side filtering for session stat aggregation
		`CREATE INDEX IF NOT EXISTS idx_trades_agent_side
		 ON trades(agent_id, side)`,

		// Price history per symbol in time order
		`CREATE INDEX IF NOT EXISTS idx_price_snapshots_symbol_created
		 ON price_snapshots(symbol, created_at)`,

		// Session listing is ordered by save time
		`CREATE INDEX IF NOT EXISTS idx_saved_sessions_saved_at
		 ON saved_sessions(saved_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
