package watchlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sentinel/internal/model"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	DefaultBitgetBaseURL = "https://api.bitget.com"
	bitgetTickersPath    = "/api/v2/mix/market/tickers"
	bitgetProductType    = "USDT-FUTURES"
	bitgetSuccessCode    = "00000"
)

type bitgetTickersResponse struct {
	Code string         `json:"code"`
	Msg  string         `json:"msg"`
	Data []bitgetTicker `json:"data"`
}

type bitgetTicker struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPr"`
	Change24h   string `json:"change24h"`
	QuoteVolume string `json:"quoteVolume"`
	USDTVolume  string `json:"usdtVolume"`
}

// BitgetScreener ranks Bitget USDT-margined perpetuals by 24h change.
type BitgetScreener struct {
	client  *http.Client
	baseURL string
	cfg     ScreenerConfig
}

// NewBitgetScreener creates a screener. An empty BaseURL selects the public API.
func NewBitgetScreener(cfg ScreenerConfig) (*BitgetScreener, error) {
	if cfg.TopN <= 0 {
		return nil, fmt.Errorf("top n must be positive, got %d", cfg.TopN)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBitgetBaseURL
	}

	return &BitgetScreener{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		cfg:     cfg,
	}, nil
}

// Watchlist fetches all tickers and returns the top gainers then the top losers.
func (s *BitgetScreener) Watchlist(ctx context.Context) ([]model.WatchlistEntry, error) {
	url := s.baseURL + bitgetTickersPath + "?productType=" + bitgetProductType
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build tickers request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: bitget tickers status %d: %s",
			ErrProviderUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload bitgetTickersResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode tickers: %v", ErrProviderUnavailable, err)
	}
	if payload.Code != bitgetSuccessCode {
		return nil, fmt.Errorf("%w: bitget code %s: %s", ErrProviderUnavailable, payload.Code, payload.Msg)
	}

	tickers := make([]ticker, 0, len(payload.Data))
	var skipped int
	for _, raw := range payload.Data {
		t, err := raw.toTicker()
		if err != nil {
			skipped++
			continue
		}
		tickers = append(tickers, t)
	}
	if skipped > 0 {
		log.Debug().Int("skipped", skipped).Msg("bitget tickers with unparsable fields skipped")
	}

	return rank(tickers, s.cfg), nil
}

func (b bitgetTicker) toTicker() (ticker, error) {
	if b.Symbol == "" {
		return ticker{}, errors.New("missing symbol")
	}
	change, err := decimal.NewFromString(b.Change24h)
	if err != nil {
		return ticker{}, fmt.Errorf("change24h: %w", err)
	}

	volume := b.QuoteVolume
	if volume == "" {
		volume = b.USDTVolume
	}
	quoteVolume, err := decimal.NewFromString(volume)
	if err != nil {
		return ticker{}, fmt.Errorf("quote volume: %w", err)
	}

	return ticker{symbol: b.Symbol, change: change, quoteVolume: quoteVolume}, nil
}
