package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/go-resty/resty/v2"
)

// symbolToID maps traded symbols to CoinGecko asset ids.
var symbolToID = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"SOL":   "solana",
	"BNB":   "binancecoin",
	"XRP":   "ripple",
	"ADA":   "cardano",
	"DOGE":  "dogecoin",
	"AVAX":  "avalanche-2",
	"DOT":   "polkadot",
	"MATIC": "matic-network",
}

// DefaultSymbols is the fixed symbol set agents trade against.
func DefaultSymbols() []string {
	symbols := make([]string, 0, len(symbolToID))
	for s := range symbolToID {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// CoinGeckoClient fetches spot prices and OHLC history from CoinGecko.
type CoinGeckoClient struct {
	client *resty.Client
}

func NewCoinGeckoClient() *CoinGeckoClient {
	client := resty.New()
	client.SetBaseURL("https://api.coingecko.com/api/v3")
	client.SetTimeout(10 * time.Second)
	return &CoinGeckoClient{client: client}
}

// FetchPrices returns the current quotes for the default symbol set.
func (c *CoinGeckoClient) FetchPrices(ctx context.Context) (types.Prices, error) {
	ids := make([]string, 0, len(symbolToID))
	idToSymbol := make(map[string]string, len(symbolToID))
	for symbol, id := range symbolToID {
		ids = append(ids, id)
		idToSymbol[id] = symbol
	}

	var raw map[string]map[string]float64
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":                 strings.Join(ids, ","),
			"vs_currencies":       "usd",
			"include_24hr_change": "true",
			"include_24hr_vol":    "true",
		}).
		SetResult(&raw).
		Get("/simple/price")
	if err != nil {
		return nil, fmt.Errorf("coingecko request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("coingecko returned status %d", resp.StatusCode())
	}

	now := time.Now().UTC()
	prices := make(types.Prices, len(raw))
	for id, data := range raw {
		symbol, ok := idToSymbol[id]
		if !ok {
			continue
		}
		prices[symbol] = types.Quote{
			Price:     data["usd"],
			Change24h: data["usd_24h_change"],
			Volume24h: data["usd_24h_vol"],
			Timestamp: now,
		}
	}
	return prices, nil
}

// Candle is one OHLC observation for charting.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
}

// FetchHistory returns daily OHLC candles for one symbol.
func (c *CoinGeckoClient) FetchHistory(ctx context.Context, symbol string, days int) ([]Candle, error) {
	id, ok := symbolToID[strings.ToUpper(symbol)]
	if !ok {
		id = strings.ToLower(symbol)
	}

	var raw [][]float64
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"vs_currency": "usd",
			"days":        fmt.Sprint(days),
		}).
		SetResult(&raw).
		Get("/coins/" + id + "/ohlc")
	if err != nil {
		return nil, fmt.Errorf("coingecko history request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("coingecko returned status %d", resp.StatusCode())
	}

	candles := make([]Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 5 {
			continue
		}
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(int64(row[0])).UTC(),
			Open:      row[1],
			High:      row[2],
			Low:       row[3],
			Close:     row[4],
		})
	}
	return candles, nil
}
