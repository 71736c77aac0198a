// Package model defines core data types for the order-flow signal daemon.
//
// This package contains the market data structures shared by the stream,
// the OFI engine and the signal pipeline. Prices and quantities use
// decimal.Decimal so that windowed sums can be added and subtracted
// without floating-point drift.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange represents a market data venue.
type Exchange int

const (
	// BitgetExchange represents the Bitget USDT-margined futures venue
	BitgetExchange Exchange = iota

	// BinanceExchange represents the Binance USDT-M futures venue
	BinanceExchange
)

// String returns the lowercase venue name used in configuration.
func (e Exchange) String() string {
	switch e {
	case BitgetExchange:
		return "bitget"
	case BinanceExchange:
		return "binance"
	default:
		return "unknown"
	}
}

// ParseExchange maps a configuration name to an Exchange.
func ParseExchange(name string) (Exchange, bool) {
	switch name {
	case "bitget":
		return BitgetExchange, true
	case "binance":
		return BinanceExchange, true
	default:
		return 0, false
	}
}

// OrderBookLevel is a single price level of one side of the book.
type OrderBookLevel struct {
	Price    decimal.Decimal // Level price
	Quantity decimal.Decimal // Resting quantity, never negative
}

// OrderBookSnapshot is a full view of the book for one symbol.
//
// Bids are sorted by price descending and asks ascending. A well-formed
// snapshot never has best bid >= best ask when both sides are present.
type OrderBookSnapshot struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Seq       int64     // Exchange sequence number, zero when the venue has none
	Timestamp time.Time // Exchange timestamp of the update
}

// BestBid returns the highest bid level, if any.
func (s OrderBookSnapshot) BestBid() (OrderBookLevel, bool) {
	if len(s.Bids) == 0 {
		return OrderBookLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask level, if any.
func (s OrderBookSnapshot) BestAsk() (OrderBookLevel, bool) {
	if len(s.Asks) == 0 {
		return OrderBookLevel{}, false
	}
	return s.Asks[0], true
}

// Crossed reports whether best bid >= best ask.
func (s OrderBookSnapshot) Crossed() bool {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// MidPrice returns the midpoint of the top of book, or zero when a side is empty.
func (s OrderBookSnapshot) MidPrice() decimal.Decimal {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
}

// TradeEvent represents a single executed trade.
//
// Quantity is signed: positive when the aggressor bought, negative when the
// aggressor sold. A zero quantity is never valid.
type TradeEvent struct {
	Symbol    string          // Trading symbol (e.g., "BTCUSDT")
	Price     decimal.Decimal // Trade execution price
	Quantity  decimal.Decimal // Signed base quantity
	TradeID   string          // Venue trade identifier, may be empty
	Timestamp time.Time       // Exchange timestamp of the trade
	Exchange  Exchange        // Source venue
}

// IsBuy reports whether the aggressor was a buyer.
func (t TradeEvent) IsBuy() bool {
	return t.Quantity.IsPositive()
}

// MarketEventKind tags the payload carried by a MarketEvent.
type MarketEventKind int

const (
	// BookEvent carries a full order book snapshot
	BookEvent MarketEventKind = iota

	// TradeEventKind carries a single trade
	TradeEventKind

	// ResetEvent tells the consumer that any previously received book is stale
	ResetEvent
)

// String returns a short label used in logs and metrics.
func (k MarketEventKind) String() string {
	switch k {
	case BookEvent:
		return "book"
	case TradeEventKind:
		return "trade"
	case ResetEvent:
		return "reset"
	default:
		return "unknown"
	}
}

// MarketEvent is the normalized unit delivered by a market data stream.
type MarketEvent struct {
	Kind  MarketEventKind
	Book  OrderBookSnapshot
	Trade TradeEvent
}

// WatchlistEntry is one symbol selected by a watchlist provider.
type WatchlistEntry struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason,omitempty"` // Opaque provider metadata, e.g. "gainer +12.4%"
}
