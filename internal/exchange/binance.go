// Package exchange provides venue connectors for real-time market data.
//
// The Binance connector streams USDT-M futures data through a combined stream
// URL: a partial-depth channel that always pushes whole top-of-book snapshots
// and the aggregate trade channel. No subscription frame is needed because
// the streams are encoded in the URL.
package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"sentinel/internal/model"
	"sentinel/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var (
	// defaultBinanceConfig provides default configuration values for Binance connections.
	defaultBinanceConfig = ExchangeConfig{
		BaseURL:     "wss://fstream.binance.com",
		BookChannel: "depth20@100ms",
	}
)

// BinanceConnector implements Connector for Binance USDT-M futures.
type BinanceConnector struct {
	config   ExchangeConfig
	validate *validator.Validate
}

// msg is the combined-stream wrapper.
//
//	{
//		"stream": "btcusdt@aggTrade",
//		"data": {...}
//	}
type msg struct {
	Stream string          `json:"stream" validate:"required"`
	Data   json.RawMessage `json:"data" validate:"required"`
}

// aggTrade is the aggregate trade payload. BuyerMaker true means the
// aggressor sold.
type aggTrade struct {
	Symbol     string `json:"s" validate:"required"`
	AggID      int64  `json:"a"`
	Price      string `json:"p" validate:"required,numeric"`
	Quantity   string `json:"q" validate:"required,numeric"`
	Time       int64  `json:"T" validate:"required,gt=0"`
	BuyerMaker bool   `json:"m"`
}

// depth is the futures partial book depth payload.
type depth struct {
	EventTime     int64      `json:"E" validate:"required,gt=0"`
	TxTime        int64      `json:"T"`
	FinalUpdateID int64      `json:"u" validate:"required"`
	Bids          [][]string `json:"b" validate:"dive,min=2"`
	Asks          [][]string `json:"a" validate:"dive,min=2"`
}

// NewBinanceConnector creates a Binance connector. A nil cfg selects the defaults.
func NewBinanceConnector(cfg *ExchangeConfig) (*BinanceConnector, error) {
	if cfg == nil {
		c := defaultBinanceConfig
		cfg = &c
	}

	if err := validateConfig(cfg, &defaultBinanceConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &BinanceConnector{
		config:   *cfg,
		validate: validator.New(),
	}, nil
}

// Exchange implements Connector.
func (bc *BinanceConnector) Exchange() model.Exchange {
	return model.BinanceExchange
}

// StreamSpec implements Connector.
func (bc *BinanceConnector) StreamSpec(symbol string) (StreamSpec, error) {
	streamURL, err := bc.buildStreamUrl(symbol)
	if err != nil {
		return StreamSpec{}, err
	}
	return StreamSpec{Endpoint: streamURL}, nil
}

// buildStreamUrl returns
// wss://fstream.binance.com/stream?streams=btcusdt@depth20@100ms/btcusdt@aggTrade
func (bc *BinanceConnector) buildStreamUrl(symbol string) (string, error) {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return "", err
	}

	s := streamSymbol(symbol)
	return fmt.Sprintf("%s/stream?streams=%s@%s/%s@aggTrade",
		bc.config.BaseURL, s, bc.config.BookChannel, s), nil
}

// Parse implements Connector.
func (bc *BinanceConnector) Parse(symbol string, raw []byte) (Update, error) {
	var m msg
	if err := json.Unmarshal(raw, &m); err != nil {
		return Update{}, malformed("invalid outer JSON: %v", err)
	}
	if err := bc.validate.Struct(&m); err != nil {
		return Update{}, malformed("invalid wrapper: %v", err)
	}

	prefix := streamSymbol(symbol) + "@"
	if !strings.HasPrefix(m.Stream, prefix) {
		return Update{}, malformed("unexpected stream %q", m.Stream)
	}

	switch channel := strings.TrimPrefix(m.Stream, prefix); {
	case channel == "aggTrade":
		ev, err := bc.parseTrade(symbol, m.Data)
		if err != nil {
			return Update{}, err
		}
		return Update{Trades: []model.TradeEvent{ev}}, nil
	case strings.HasPrefix(channel, "depth"):
		book, err := bc.parseDepth(m.Data)
		if err != nil {
			return Update{}, err
		}
		return Update{Book: book}, nil
	default:
		return Update{}, malformed("unexpected stream %q", m.Stream)
	}
}

func (bc *BinanceConnector) parseTrade(symbol string, data json.RawMessage) (model.TradeEvent, error) {
	var t aggTrade
	if err := json.Unmarshal(data, &t); err != nil {
		return model.TradeEvent{}, malformed("invalid trade payload: %v", err)
	}
	if err := bc.validate.Struct(&t); err != nil {
		return model.TradeEvent{}, malformed("trade validation failed: %v", err)
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil || !price.IsPositive() {
		return model.TradeEvent{}, malformed("invalid trade price %q", t.Price)
	}
	quantity, err := decimal.NewFromString(t.Quantity)
	if err != nil || !quantity.IsPositive() {
		return model.TradeEvent{}, malformed("invalid trade quantity %q", t.Quantity)
	}
	if t.BuyerMaker {
		quantity = quantity.Neg()
	}

	return model.TradeEvent{
		Symbol:    symbol,
		Price:     price,
		Quantity:  quantity,
		TradeID:   strconv.FormatInt(t.AggID, 10),
		Timestamp: time.UnixMilli(t.Time),
		Exchange:  model.BinanceExchange,
	}, nil
}

func (bc *BinanceConnector) parseDepth(data json.RawMessage) (*BookUpdate, error) {
	var d depth
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, malformed("invalid depth payload: %v", err)
	}
	if err := bc.validate.Struct(&d); err != nil {
		return nil, malformed("depth validation failed: %v", err)
	}

	bids, err := parseLevels(d.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(d.Asks)
	if err != nil {
		return nil, err
	}

	ts := d.TxTime
	if ts <= 0 {
		ts = d.EventTime
	}

	return &BookUpdate{
		Snapshot:  true,
		Bids:      bids,
		Asks:      asks,
		Seq:       d.FinalUpdateID,
		Timestamp: time.UnixMilli(ts),
	}, nil
}

// streamSymbol converts "BTC-USDT" or "btcusdt" into Binance's "btcusdt".
func streamSymbol(symbol string) string {
	return strings.ToLower(strings.NewReplacer("-", "", "/", "", "_", "").Replace(strings.TrimSpace(symbol)))
}
