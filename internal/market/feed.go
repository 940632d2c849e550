package market

import (
	"context"
	"sync"
	"time"

	"github.com/Bokuhoggie/PhantomEx/internal/hub"
	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Quoter fetches a fresh price snapshot. Implemented by the CoinGecko
// client; tests substitute fixed quotes.
type Quoter interface {
	FetchPrices(ctx context.Context) (types.Prices, error)
}

// Feed polls the market provider on a fixed cadence, caches the latest
// snapshot for concurrent readers, persists each observation and publishes
// a prices event. Poll failures keep the previous snapshot.
type Feed struct {
	quoter   Quoter
	db       *Database
	hub      *hub.Hub
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.RWMutex
	prices types.Prices
}

func NewFeed(quoter Quoter, gormDB *gorm.DB, eventHub *hub.Hub, interval time.Duration) *Feed {
	return &Feed{
		quoter:   quoter,
		db:       NewDatabase(gormDB),
		hub:      eventHub,
		interval: interval,
		logger:   log.With().Str("component", "market").Logger(),
	}
}

// Start runs the polling loop until ctx is cancelled. The first poll
// happens immediately so agents have prices as soon as possible.
func (f *Feed) Start(ctx context.Context) {
	f.logger.Info().Dur("interval", f.interval).Msg("starting market feed")

	f.poll(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info().Msg("shutting down market feed")
			return
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

func (f *Feed) poll(ctx context.Context) {
	prices, err := f.quoter.FetchPrices(ctx)
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to fetch prices")
		return
	}
	if len(prices) == 0 {
		return
	}

	f.mu.Lock()
	f.prices = prices
	f.mu.Unlock()

	if err := f.db.SaveSnapshots(prices); err != nil {
		f.logger.Error().Err(err).Msg("failed to persist price snapshots")
	}
	f.hub.Publish(hub.Event{Type: hub.EventPrices, Data: prices})
}

// Current returns the latest snapshot; empty until the first successful
// poll. Safe for concurrent use by all agents.
func (f *Feed) Current() types.Prices {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.prices
}
