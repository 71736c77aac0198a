package stream

import (
	"sort"
	"time"

	"sentinel/internal/exchange"
	"sentinel/internal/model"

	"github.com/shopspring/decimal"
)

// localBook rebuilds a full order book from snapshot and delta messages.
// Bids are kept descending and asks ascending by price.
type localBook struct {
	bids   []model.OrderBookLevel
	asks   []model.OrderBookLevel
	seq    int64
	ts     time.Time
	synced bool
}

// apply merges an update. Deltas received before the first snapshot are
// ignored and reported with ok=false.
func (b *localBook) apply(u *exchange.BookUpdate) (ok bool) {
	if u.Snapshot {
		b.bids = sortLevels(copyLevels(u.Bids), true)
		b.asks = sortLevels(copyLevels(u.Asks), false)
		b.synced = true
	} else {
		if !b.synced {
			return false
		}
		for _, l := range u.Bids {
			b.bids = upsert(b.bids, l, true)
		}
		for _, l := range u.Asks {
			b.asks = upsert(b.asks, l, false)
		}
	}

	b.seq = u.Seq
	b.ts = u.Timestamp
	return true
}

func (b *localBook) reset() {
	*b = localBook{}
}

// snapshot returns the top depth levels per side. depth <= 0 means all.
func (b *localBook) snapshot(symbol string, depth int) model.OrderBookSnapshot {
	return model.OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      head(b.bids, depth),
		Asks:      head(b.asks, depth),
		Seq:       b.seq,
		Timestamp: b.ts,
	}
}

func head(levels []model.OrderBookLevel, depth int) []model.OrderBookLevel {
	n := len(levels)
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]model.OrderBookLevel, n)
	copy(out, levels[:n])
	return out
}

func copyLevels(levels []model.OrderBookLevel) []model.OrderBookLevel {
	out := make([]model.OrderBookLevel, 0, len(levels))
	for _, l := range levels {
		if l.Quantity.IsPositive() {
			out = append(out, l)
		}
	}
	return out
}

func sortLevels(levels []model.OrderBookLevel, desc bool) []model.OrderBookLevel {
	sort.Slice(levels, func(i, j int) bool {
		return before(levels[i].Price, levels[j].Price, desc)
	})
	return levels
}

func before(a, b decimal.Decimal, desc bool) bool {
	if desc {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// upsert sets, replaces or (for zero quantity) removes the level at l.Price.
func upsert(levels []model.OrderBookLevel, l model.OrderBookLevel, desc bool) []model.OrderBookLevel {
	i := sort.Search(len(levels), func(i int) bool {
		return !before(levels[i].Price, l.Price, desc)
	})
	found := i < len(levels) && levels[i].Price.Equal(l.Price)

	switch {
	case l.Quantity.IsZero() || l.Quantity.IsNegative():
		if found {
			levels = append(levels[:i], levels[i+1:]...)
		}
	case found:
		levels[i].Quantity = l.Quantity
	default:
		levels = append(levels, model.OrderBookLevel{})
		copy(levels[i+1:], levels[i:])
		levels[i] = l
	}
	return levels
}
