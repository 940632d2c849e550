package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Bokuhoggie/PhantomEx/internal/database/migrations"
	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase opens the sqlite database at path and migrates the schema.
func NewDatabase(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+"?_journal_mode=WAL"), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&types.Agent{},
		&types.Holding{},
		&types.Trade{},
		&types.PriceSnapshot{},
		&types.EquityPoint{},
		&types.SavedSession{},
	)
	if err != nil {
		return nil, err
	}

	if err := migrations.AddLedgerIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
