package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Bokuhoggie/PhantomEx/internal/hub"
	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type scriptedQuoter struct {
	mu     sync.Mutex
	prices types.Prices
	err    error
	calls  int
}

func (q *scriptedQuoter) FetchPrices(context.Context) (types.Prices, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return q.prices, q.err
}

func (q *scriptedQuoter) set(prices types.Prices, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prices, q.err = prices, err
}

func (q *scriptedQuoter) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.PriceSnapshot{}))
	return db
}

func TestFeedCachesPersistsAndBroadcasts(t *testing.T) {
	db := testDB(t)
	h := hub.New()
	sub := h.Subscribe()
	quoter := &scriptedQuoter{prices: types.Prices{"BTC": {Price: 50000, Change24h: 1.5}}}

	feed := NewFeed(quoter, db, h, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Start(ctx)

	require.Eventually(t, func() bool {
		return len(feed.Current()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 50000.0, feed.Current()["BTC"].Price)

	// Each successful poll is persisted
	require.Eventually(t, func() bool {
		var count int64
		require.NoError(t, db.Model(&types.PriceSnapshot{}).Where("symbol = ?", "BTC").Count(&count).Error)
		return count >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// And published to subscribers
	select {
	case evt := <-sub.Events():
		assert.Equal(t, hub.EventPrices, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no prices event published")
	}
}

func TestFeedKeepsLastSnapshotThroughPollFailures(t *testing.T) {
	db := testDB(t)
	quoter := &scriptedQuoter{prices: types.Prices{"ETH": {Price: 3000}}}

	feed := NewFeed(quoter, db, hub.New(), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Start(ctx)

	require.Eventually(t, func() bool {
		return len(feed.Current()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	quoter.set(nil, errors.New("provider down"))

	// Wait out several failed polls; the cached snapshot survives
	before := quoter.callCount()
	require.Eventually(t, func() bool {
		return quoter.callCount() > before+2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3000.0, feed.Current()["ETH"].Price)
}

func TestDefaultSymbolsAreSortedAndKnown(t *testing.T) {
	symbols := DefaultSymbols()
	require.NotEmpty(t, symbols)
	assert.True(t, sort.StringsAreSorted(symbols))
	for _, s := range symbols {
		_, ok := symbolToID[s]
		assert.True(t, ok, s)
	}
}
