package watchlist

import (
	"context"
	"fmt"
	"strings"

	"sentinel/internal/model"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// BinanceScreener ranks Binance USDT-margined futures by 24h change using the
// public 24hr ticker statistics. No API key is needed.
type BinanceScreener struct {
	client *futures.Client
	cfg    ScreenerConfig
}

// NewBinanceScreener creates a screener. A non-empty BaseURL replaces the
// production futures endpoint.
func NewBinanceScreener(cfg ScreenerConfig) (*BinanceScreener, error) {
	if cfg.TopN <= 0 {
		return nil, fmt.Errorf("top n must be positive, got %d", cfg.TopN)
	}

	client := binance.NewFuturesClient("", "")
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return &BinanceScreener{client: client, cfg: cfg}, nil
}

// Watchlist returns the top gainers then the top losers among USDT pairs.
func (s *BinanceScreener) Watchlist(ctx context.Context) ([]model.WatchlistEntry, error) {
	stats, err := s.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: binance ticker stats: %v", ErrProviderUnavailable, err)
	}

	tickers := make([]ticker, 0, len(stats))
	for _, st := range stats {
		if st == nil || !strings.HasSuffix(st.Symbol, "USDT") {
			continue
		}
		pct, err := decimal.NewFromString(st.PriceChangePercent)
		if err != nil {
			continue
		}
		volume, err := decimal.NewFromString(st.QuoteVolume)
		if err != nil {
			continue
		}
		tickers = append(tickers, ticker{
			symbol:      st.Symbol,
			change:      pct.Shift(-2),
			quoteVolume: volume,
		})
	}

	return rank(tickers, s.cfg), nil
}
