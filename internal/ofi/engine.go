package ofi

import (
	"fmt"
	"math"
	"time"

	"sentinel/internal/model"

	"github.com/shopspring/decimal"
)

// Engine keeps the order-flow state of one symbol: the latest book, the
// depths of the book before it, a bounded trade buffer and the cumulative
// delta over the lookback window.
//
// The window is anchored on event time. Both trades and books advance it, so a
// quiet tape still ages out old trades as long as books keep arriving.
type Engine struct {
	symbol string
	cfg    Config

	book     model.OrderBookSnapshot
	hasBook  bool
	bidDepth decimal.Decimal
	askDepth decimal.Decimal
	prevBid  decimal.Decimal
	prevAsk  decimal.Decimal

	// flowBetween holds signed trade quantity between the previous and the
	// latest book; flowSince holds what arrived after the latest book.
	flowBetween decimal.Decimal
	flowSince   decimal.Decimal

	// trades is a ring buffer; the newest windowLen entries form the window.
	// tradeIDs indexes the non-empty venue IDs currently buffered.
	trades    []model.TradeEvent
	tradeIDs  map[string]struct{}
	head      int
	size      int
	windowLen int
	delta     decimal.Decimal

	latest     time.Time
	lastOFI    float64
	stale      int64
	duplicates int64
}

// Snapshot is a read-only view of the engine used for logs and status.
type Snapshot struct {
	Symbol         string
	OFI            float64
	Delta          decimal.Decimal
	BidDepth       decimal.Decimal
	AskDepth       decimal.Decimal
	MidPrice       decimal.Decimal
	Spread         decimal.Decimal
	BufferedTrades int
	WindowTrades   int
	StaleTrades    int64
	DupTrades      int64
	HasBook        bool
	LastEvent      time.Time
}

// NewEngine creates an engine for symbol.
func NewEngine(symbol string, cfg Config) (*Engine, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		symbol:   symbol,
		cfg:      cfg,
		trades:   make([]model.TradeEvent, cfg.TradeStorageLimit),
		tradeIDs: make(map[string]struct{}, cfg.TradeStorageLimit),
	}, nil
}

// Symbol returns the symbol the engine tracks.
func (e *Engine) Symbol() string {
	return e.symbol
}

// IngestBook replaces the current book. Crossed books are rejected and leave
// the state untouched.
func (e *Engine) IngestBook(snap model.OrderBookSnapshot) error {
	if snap.Symbol != "" && snap.Symbol != e.symbol {
		return fmt.Errorf("%w: %s", ErrSymbolMismatch, snap.Symbol)
	}
	if snap.Crossed() {
		return ErrCrossedBook
	}

	if e.hasBook {
		e.prevBid, e.prevAsk = e.bidDepth, e.askDepth
	} else {
		e.prevBid, e.prevAsk = decimal.Zero, decimal.Zero
	}

	e.book = snap
	e.hasBook = true
	e.bidDepth = sumQuantity(snap.Bids)
	e.askDepth = sumQuantity(snap.Asks)

	e.flowBetween = e.flowSince
	e.flowSince = decimal.Zero

	e.advance(snap.Timestamp)
	return nil
}

// IngestTrade appends a trade and updates the windowed delta. A trade whose
// venue ID is still buffered is a replay (venues resend recent trades after a
// resubscribe) and is skipped.
func (e *Engine) IngestTrade(t model.TradeEvent) error {
	if t.Quantity.IsZero() {
		return ErrZeroQuantity
	}
	if t.Symbol != "" && t.Symbol != e.symbol {
		return fmt.Errorf("%w: %s", ErrSymbolMismatch, t.Symbol)
	}
	if _, seen := e.tradeIDs[t.TradeID]; seen && t.TradeID != "" {
		e.duplicates++
		return nil
	}

	now := t.Timestamp
	if e.latest.After(now) {
		now = e.latest
	}
	if t.Timestamp.Before(now.Add(-e.cfg.LookbackPeriod)) {
		e.stale++
		return nil
	}

	limit := len(e.trades)
	if e.size == limit {
		if e.windowLen == e.size {
			e.delta = e.delta.Sub(e.trades[e.head].Quantity)
			e.windowLen--
		}
		delete(e.tradeIDs, e.trades[e.head].TradeID)
		e.trades[e.head] = model.TradeEvent{}
		e.head = (e.head + 1) % limit
		e.size--
	}

	e.trades[(e.head+e.size)%limit] = t
	if t.TradeID != "" {
		e.tradeIDs[t.TradeID] = struct{}{}
	}
	e.size++
	e.windowLen++
	e.delta = e.delta.Add(t.Quantity)
	e.flowSince = e.flowSince.Add(t.Quantity)

	e.advance(now)
	return nil
}

// Advance moves the window forward to now without new events.
func (e *Engine) Advance(now time.Time) {
	e.advance(now)
}

func (e *Engine) advance(now time.Time) {
	if now.After(e.latest) {
		e.latest = now
	}
	cutoff := e.latest.Add(-e.cfg.LookbackPeriod)

	limit := len(e.trades)
	for e.windowLen > 0 {
		idx := (e.head + e.size - e.windowLen) % limit
		oldest := e.trades[idx]
		if !oldest.Timestamp.Before(cutoff) {
			break
		}
		e.delta = e.delta.Sub(oldest.Quantity)
		e.windowLen--
	}
}

// CurrentOFI returns the depth-normalized order-flow imbalance since the
// previous book update, clamped to ±OFILimit. It is zero when either side of
// the book is empty.
func (e *Engine) CurrentOFI() float64 {
	if !e.hasBook || !e.bidDepth.IsPositive() || !e.askDepth.IsPositive() {
		e.lastOFI = 0
		return 0
	}

	flow := e.bidDepth.Sub(e.prevBid).
		Sub(e.askDepth.Sub(e.prevAsk)).
		Add(e.flowBetween).
		Add(e.flowSince)

	ratio := flow.Div(e.bidDepth.Add(e.askDepth)).InexactFloat64()
	if math.IsNaN(ratio) {
		ratio = 0
	}
	e.lastOFI = math.Max(-e.cfg.OFILimit, math.Min(e.cfg.OFILimit, ratio))
	return e.lastOFI
}

// Delta returns the signed trade quantity inside the lookback window.
func (e *Engine) Delta() decimal.Decimal {
	return e.delta
}

// MidPrice returns the mid of the current book, or the last trade price when
// no usable book is held.
func (e *Engine) MidPrice() decimal.Decimal {
	if e.hasBook {
		if mid := e.book.MidPrice(); mid.IsPositive() {
			return mid
		}
	}
	if e.size > 0 {
		return e.trades[(e.head+e.size-1)%len(e.trades)].Price
	}
	return decimal.Zero
}

// HasBook reports whether a book has been ingested since creation or Reset.
func (e *Engine) HasBook() bool {
	return e.hasBook
}

// Reset discards the book and book-derived flow. Trades stay in the window.
func (e *Engine) Reset() {
	e.book = model.OrderBookSnapshot{}
	e.hasBook = false
	e.bidDepth, e.askDepth = decimal.Zero, decimal.Zero
	e.prevBid, e.prevAsk = decimal.Zero, decimal.Zero
	e.flowBetween, e.flowSince = decimal.Zero, decimal.Zero
	e.lastOFI = 0
}

// Snapshot returns auxiliary metrics. It does not recompute OFI.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Symbol:         e.symbol,
		OFI:            e.lastOFI,
		Delta:          e.delta,
		BidDepth:       e.bidDepth,
		AskDepth:       e.askDepth,
		MidPrice:       e.MidPrice(),
		BufferedTrades: e.size,
		WindowTrades:   e.windowLen,
		StaleTrades:    e.stale,
		DupTrades:      e.duplicates,
		HasBook:        e.hasBook,
		LastEvent:      e.latest,
	}
	bid, okBid := e.book.BestBid()
	ask, okAsk := e.book.BestAsk()
	if e.hasBook && okBid && okAsk {
		s.Spread = ask.Price.Sub(bid.Price)
	}
	return s
}

func sumQuantity(levels []model.OrderBookLevel) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Quantity)
	}
	return total
}
