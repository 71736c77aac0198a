// Package exchange provides venue connectors for real-time market data.
//
// This file implements the Bitget v2 public connector for USDT-margined
// futures. Each symbol subscribes to two channels on one connection: a depth
// channel ("books" by default, snapshot followed by incremental updates) and
// the public trade channel.
package exchange

import (
	"bytes"
	"fmt"
	"strings"

	"sentinel/internal/model"
	"sentinel/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var (
	// defaultBitgetConfig targets the public v2 endpoint for USDT futures.
	defaultBitgetConfig = ExchangeConfig{
		BaseURL:     "wss://ws.bitget.com/v2/ws/public",
		BookChannel: "books",
		InstType:    "USDT-FUTURES",
	}

	bitgetPing = []byte("ping")
	bitgetPong = []byte("pong")
)

// BitgetConnector implements Connector for Bitget.
type BitgetConnector struct {
	config   ExchangeConfig
	validate *validator.Validate
}

// subscription is the Bitget request frame.
//
// Example JSON:
//
//	{
//	  "op": "subscribe",
//	  "args": [
//	    {"instType": "USDT-FUTURES", "channel": "books", "instId": "BTCUSDT"},
//	    {"instType": "USDT-FUTURES", "channel": "trade", "instId": "BTCUSDT"}
//	  ]
//	}
type subscription struct {
	Op   string      `json:"op"`
	Args []bitgetArg `json:"args"`
}

type bitgetArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel" validate:"required"`
	InstID   string `json:"instId" validate:"required"`
}

// bitgetEnvelope covers both push frames and event frames (subscribe acks,
// errors). Push frames carry action + data; event frames carry event.
type bitgetEnvelope struct {
	Event  string          `json:"event"`
	Msg    string          `json:"msg"`
	Action string          `json:"action"`
	Arg    bitgetArg       `json:"arg"`
	Data   json.RawMessage `json:"data"`
}

// bitgetBook is one element of a depth push.
//
// Example JSON:
//
//	{"asks":[["27000.5","8.760"]],"bids":[["27000.0","2.710"]],"checksum":0,"seq":123,"ts":"1695716059516"}
type bitgetBook struct {
	Asks [][]string `json:"asks" validate:"dive,min=2"`
	Bids [][]string `json:"bids" validate:"dive,min=2"`
	Seq  int64      `json:"seq"`
	TS   string     `json:"ts" validate:"required,numeric"`
}

// bitgetTrade is one element of a trade push.
//
// Example JSON:
//
//	{"ts":"1695716760565","price":"27000.5","size":"0.001","side":"buy","tradeId":"1111111111"}
type bitgetTrade struct {
	TS      string `json:"ts" validate:"required,numeric"`
	Price   string `json:"price" validate:"required,numeric"`
	Size    string `json:"size" validate:"required,numeric"`
	Side    string `json:"side" validate:"required,oneof=buy sell"`
	TradeID string `json:"tradeId"`
}

// NewBitgetConnector creates a connector. A nil cfg selects the defaults.
func NewBitgetConnector(cfg *ExchangeConfig) (*BitgetConnector, error) {
	if cfg == nil {
		c := defaultBitgetConfig
		cfg = &c
	}

	if err := validateConfig(cfg, &defaultBitgetConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &BitgetConnector{
		config:   *cfg,
		validate: validator.New(),
	}, nil
}

// Exchange implements Connector.
func (bc *BitgetConnector) Exchange() model.Exchange {
	return model.BitgetExchange
}

// StreamSpec implements Connector.
func (bc *BitgetConnector) StreamSpec(symbol string) (StreamSpec, error) {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return StreamSpec{}, err
	}

	msg, err := bc.buildSubscriptionMessage(symbol)
	if err != nil {
		return StreamSpec{}, fmt.Errorf("marshal subscription: %w", err)
	}

	return StreamSpec{
		Endpoint:             bc.config.BaseURL,
		SubscriptionMessages: [][]byte{msg},
		PingMessage:          bitgetPing,
	}, nil
}

func (bc *BitgetConnector) buildSubscriptionMessage(symbol string) ([]byte, error) {
	instID := bc.instID(symbol)
	return json.Marshal(subscription{
		Op: "subscribe",
		Args: []bitgetArg{
			{InstType: bc.config.InstType, Channel: bc.config.BookChannel, InstID: instID},
			{InstType: bc.config.InstType, Channel: "trade", InstID: instID},
		},
	})
}

// instID strips separators: Bitget futures use "BTCUSDT".
func (bc *BitgetConnector) instID(symbol string) string {
	return strings.NewReplacer("-", "", "/", "", "_", "").Replace(utils.NormalizeSymbol(symbol))
}

// Parse implements Connector.
func (bc *BitgetConnector) Parse(symbol string, raw []byte) (Update, error) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, bitgetPong) {
		return Update{}, nil
	}

	var env bitgetEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Update{}, malformed("decode envelope: %v", err)
	}

	switch env.Event {
	case "":
	case "error":
		return Update{}, fmt.Errorf("%w: %s", ErrSubscriptionRejected, env.Msg)
	default:
		// subscribe / unsubscribe acknowledgements
		return Update{}, nil
	}

	if err := bc.validate.Struct(&env.Arg); err != nil {
		return Update{}, malformed("invalid arg: %v", err)
	}
	if !strings.EqualFold(env.Arg.InstID, bc.instID(symbol)) {
		return Update{}, malformed("unexpected instrument %q", env.Arg.InstID)
	}

	switch env.Arg.Channel {
	case "trade":
		trades, err := bc.parseTrades(symbol, env.Data)
		if err != nil {
			return Update{}, err
		}
		return Update{Trades: trades}, nil
	case bc.config.BookChannel:
		book, err := bc.parseBook(env.Action, env.Data)
		if err != nil {
			return Update{}, err
		}
		return Update{Book: book}, nil
	default:
		return Update{}, malformed("unexpected channel %q", env.Arg.Channel)
	}
}

func (bc *BitgetConnector) parseBook(action string, data json.RawMessage) (*BookUpdate, error) {
	var books []bitgetBook
	if err := json.Unmarshal(data, &books); err != nil {
		return nil, malformed("decode book: %v", err)
	}
	if len(books) != 1 {
		return nil, malformed("expected one book, got %d", len(books))
	}

	b := books[0]
	if err := bc.validate.Struct(&b); err != nil {
		return nil, malformed("invalid book: %v", err)
	}

	ts, err := parseMillis(b.TS)
	if err != nil {
		return nil, err
	}
	bids, err := parseLevels(b.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(b.Asks)
	if err != nil {
		return nil, err
	}

	// Only the full-depth "books" channel sends incremental updates; the
	// fixed-depth channels (books5, books15) always push whole snapshots.
	snapshot := action != "update" || bc.config.BookChannel != "books"

	return &BookUpdate{
		Snapshot:  snapshot,
		Bids:      bids,
		Asks:      asks,
		Seq:       b.Seq,
		Timestamp: ts,
	}, nil
}

func (bc *BitgetConnector) parseTrades(symbol string, data json.RawMessage) ([]model.TradeEvent, error) {
	var trades []bitgetTrade
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, malformed("decode trades: %v", err)
	}

	events := make([]model.TradeEvent, 0, len(trades))
	for i := range trades {
		t := &trades[i]
		if err := bc.validate.Struct(t); err != nil {
			return nil, malformed("invalid trade: %v", err)
		}

		ts, err := parseMillis(t.TS)
		if err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil || !price.IsPositive() {
			return nil, malformed("invalid trade price %q", t.Price)
		}
		qty, err := decimal.NewFromString(t.Size)
		if err != nil || !qty.IsPositive() {
			return nil, malformed("invalid trade size %q", t.Size)
		}
		if t.Side == "sell" {
			qty = qty.Neg()
		}

		events = append(events, model.TradeEvent{
			Symbol:    symbol,
			Price:     price,
			Quantity:  qty,
			TradeID:   t.TradeID,
			Timestamp: ts,
			Exchange:  model.BitgetExchange,
		})
	}

	return events, nil
}
