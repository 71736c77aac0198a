package stream

import (
	"testing"
	"time"

	"sentinel/internal/exchange"
	"sentinel/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lvl(price, qty string) model.OrderBookLevel {
	return model.OrderBookLevel{
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	}
}

func prices(levels []model.OrderBookLevel) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String() + "@" + l.Quantity.String()
	}
	return out
}

func TestLocalBook_Apply(t *testing.T) {
	ts := time.UnixMilli(1700000000000)

	tests := []struct {
		name       string
		updates    []*exchange.BookUpdate
		expectOK   bool
		expectBids []string
		expectAsks []string
	}{
		{
			name: "snapshot is sorted and drops empty levels",
			updates: []*exchange.BookUpdate{{
				Snapshot: true,
				Bids:     []model.OrderBookLevel{lvl("99", "1"), lvl("100", "2"), lvl("98", "0")},
				Asks:     []model.OrderBookLevel{lvl("102", "1"), lvl("101", "3")},
			}},
			expectOK:   true,
			expectBids: []string{"100@2", "99@1"},
			expectAsks: []string{"101@3", "102@1"},
		},
		{
			name: "delta inserts replaces and removes",
			updates: []*exchange.BookUpdate{
				{
					Snapshot: true,
					Bids:     []model.OrderBookLevel{lvl("100", "2"), lvl("99", "1")},
					Asks:     []model.OrderBookLevel{lvl("101", "3"), lvl("103", "1")},
				},
				{
					Bids: []model.OrderBookLevel{lvl("99.5", "4"), lvl("100", "0")},
					Asks: []model.OrderBookLevel{lvl("102", "5"), lvl("101", "1")},
				},
			},
			expectOK:   true,
			expectBids: []string{"99.5@4", "99@1"},
			expectAsks: []string{"101@1", "102@5", "103@1"},
		},
		{
			name: "removing an unknown level is a no-op",
			updates: []*exchange.BookUpdate{
				{Snapshot: true, Bids: []model.OrderBookLevel{lvl("100", "2")}, Asks: []model.OrderBookLevel{lvl("101", "3")}},
				{Bids: []model.OrderBookLevel{lvl("97", "0")}},
			},
			expectOK:   true,
			expectBids: []string{"100@2"},
			expectAsks: []string{"101@3"},
		},
		{
			name:       "delta before snapshot is refused",
			updates:    []*exchange.BookUpdate{{Bids: []model.OrderBookLevel{lvl("100", "2")}}},
			expectOK:   false,
			expectBids: []string{},
			expectAsks: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b localBook
			ok := true
			for _, u := range tt.updates {
				u.Timestamp = ts
				ok = b.apply(u)
			}
			assert.Equal(t, tt.expectOK, ok)

			snap := b.snapshot("BTCUSDT", 0)
			assert.Equal(t, tt.expectBids, prices(snap.Bids))
			assert.Equal(t, tt.expectAsks, prices(snap.Asks))
		})
	}
}

func TestLocalBook_SnapshotDepthAndIsolation(t *testing.T) {
	var b localBook
	require.True(t, b.apply(&exchange.BookUpdate{
		Snapshot:  true,
		Bids:      []model.OrderBookLevel{lvl("100", "1"), lvl("99", "1"), lvl("98", "1")},
		Asks:      []model.OrderBookLevel{lvl("101", "1"), lvl("102", "1"), lvl("103", "1")},
		Seq:       42,
		Timestamp: time.UnixMilli(5),
	}))

	snap := b.snapshot("BTCUSDT", 2)
	assert.Equal(t, []string{"100@1", "99@1"}, prices(snap.Bids))
	assert.Equal(t, []string{"101@1", "102@1"}, prices(snap.Asks))
	assert.Equal(t, int64(42), snap.Seq)
	assert.Equal(t, "BTCUSDT", snap.Symbol)

	// later deltas must not leak into an emitted snapshot
	b.apply(&exchange.BookUpdate{Bids: []model.OrderBookLevel{lvl("100", "7")}})
	assert.Equal(t, "1", snap.Bids[0].Quantity.String())

	b.reset()
	assert.False(t, b.synced)
	assert.Empty(t, b.snapshot("BTCUSDT", 0).Bids)
}
