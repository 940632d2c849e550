package market

import (
	"context"
	"strconv"
	"strings"

	"github.com/Bokuhoggie/PhantomEx/pkg/response"
	"github.com/gin-gonic/gin"
)

// CandleSource fetches OHLC history from the market provider. Implemented
// by the CoinGecko client; nil when the deployment has no chart provider.
type CandleSource interface {
	FetchHistory(ctx context.Context, symbol string, days int) ([]Candle, error)
}

// GinHandlers contains HTTP handlers for market data endpoints
type GinHandlers struct {
	feed    *Feed
	candles CandleSource
}

// NewGinHandlers creates a new set of HTTP handlers for market endpoints
func NewGinHandlers(feed *Feed, candles CandleSource) *GinHandlers {
	return &GinHandlers{
		feed:    feed,
		candles: candles,
	}
}

// SymbolsHandler handles GET requests for the tradeable symbol set
func (h *GinHandlers) SymbolsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, DefaultSymbols())
	}
}

// PricesHandler handles GET requests for the latest cached snapshot
func (h *GinHandlers) PricesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.feed.Current())
	}
}

// HistoryHandler handles GET requests for recent persisted observations
// URL parameter: symbol; query parameter: limit (default 100)
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := strings.ToUpper(c.Param("symbol"))
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 1000 {
				response.BadRequest(c, "limit must be between 1 and 1000")
				return
			}
			limit = n
		}

		snapshots, err := h.feed.db.RecentSnapshots(symbol, limit)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, snapshots)
	}
}

// CandlesHandler handles GET requests for OHLC chart candles fetched live
// from the market provider
// URL parameter: symbol; query parameter: days (default 7)
func (h *GinHandlers) CandlesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.candles == nil {
			response.ServiceUnavailable(c, "No chart provider configured")
			return
		}

		days := 7
		if raw := c.Query("days"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 365 {
				response.BadRequest(c, "days must be between 1 and 365")
				return
			}
			days = n
		}

		candles, err := h.candles.FetchHistory(c.Request.Context(), c.Param("symbol"), days)
		if err != nil {
			response.ServiceUnavailable(c, "Market provider unreachable")
			return
		}
		response.Success(c, candles)
	}
}
