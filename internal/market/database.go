package market

import (
	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveSnapshots persists one observation per symbol.
func (d *Database) SaveSnapshots(prices types.Prices) error {
	snapshots := make([]types.PriceSnapshot, 0, len(prices))
	for symbol, q := range prices {
		snapshots = append(snapshots, types.PriceSnapshot{
			Symbol:    symbol,
			Price:     q.Price,
			Change24h: q.Change24h,
			Volume24h: q.Volume24h,
			CreatedAt: q.Timestamp,
		})
	}
	return d.db.Create(&snapshots).Error
}

// RecentSnapshots returns the newest persisted observations for a symbol.
func (d *Database) RecentSnapshots(symbol string, limit int) ([]types.PriceSnapshot, error) {
	var snapshots []types.PriceSnapshot
	err := d.db.Where("symbol = ?", symbol).
		Order("created_at DESC").
		Limit(limit).
		Find(&snapshots).Error
	return snapshots, err
}
