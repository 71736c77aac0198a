package ofi

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"sentinel/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func createTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine("BTCUSDT", cfg)
	require.NoError(t, err)
	return e
}

func level(price, qty string) model.OrderBookLevel {
	return model.OrderBookLevel{Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty)}
}

func book(at time.Time, bids, asks []model.OrderBookLevel) model.OrderBookSnapshot {
	return model.OrderBookSnapshot{Symbol: "BTCUSDT", Bids: bids, Asks: asks, Timestamp: at}
}

func tradeAt(at time.Time, qty float64) model.TradeEvent {
	return model.TradeEvent{
		Symbol:    "BTCUSDT",
		Price:     decimal.NewFromInt(100),
		Quantity:  decimal.NewFromFloat(qty),
		Timestamp: at,
	}
}

func Test_NewEngine(t *testing.T) {
	_, err := NewEngine("", DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.TradeStorageLimit = 0
	_, err = NewEngine("BTCUSDT", cfg)
	assert.Error(t, err)

	e, err := NewEngine("BTCUSDT", DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", e.Symbol())
	assert.False(t, e.HasBook())
	assert.Zero(t, e.CurrentOFI())
	assert.True(t, e.Delta().IsZero())
}

func TestEngine_IngestBook(t *testing.T) {
	t.Run("crossed book rejected and state unchanged", func(t *testing.T) {
		e := createTestEngine(t, nil)
		require.NoError(t, e.IngestBook(book(baseTime,
			[]model.OrderBookLevel{level("100", "10")},
			[]model.OrderBookLevel{level("101", "10")},
		)))
		before := e.Snapshot()

		err := e.IngestBook(book(baseTime.Add(time.Second),
			[]model.OrderBookLevel{level("101", "5")},
			[]model.OrderBookLevel{level("101", "5")},
		))
		assert.ErrorIs(t, err, ErrCrossedBook)
		assert.Equal(t, before, e.Snapshot())
	})

	t.Run("other symbol rejected", func(t *testing.T) {
		e := createTestEngine(t, nil)
		snap := book(baseTime, nil, nil)
		snap.Symbol = "ETHUSDT"
		assert.ErrorIs(t, e.IngestBook(snap), ErrSymbolMismatch)
	})

	t.Run("one-sided book gives zero ofi", func(t *testing.T) {
		e := createTestEngine(t, nil)
		require.NoError(t, e.IngestBook(book(baseTime, []model.OrderBookLevel{level("100", "10")}, nil)))
		assert.True(t, e.HasBook())
		assert.Zero(t, e.CurrentOFI())
	})

	t.Run("mid price and spread", func(t *testing.T) {
		e := createTestEngine(t, nil)
		require.NoError(t, e.IngestBook(book(baseTime,
			[]model.OrderBookLevel{level("100", "10"), level("99", "3")},
			[]model.OrderBookLevel{level("101", "7")},
		)))
		snap := e.Snapshot()
		assert.True(t, decimal.RequireFromString("100.5").Equal(snap.MidPrice))
		assert.True(t, decimal.NewFromInt(1).Equal(snap.Spread))
		assert.True(t, decimal.NewFromInt(13).Equal(snap.BidDepth))
		assert.True(t, decimal.NewFromInt(7).Equal(snap.AskDepth))
	})
}

func TestEngine_CurrentOFI(t *testing.T) {
	tests := []struct {
		name     string
		first    [2]string // bid qty, ask qty
		second   [2]string
		trades   []float64
		expected float64
	}{
		{
			name:     "balanced book without flow",
			first:    [2]string{"10", "10"},
			second:   [2]string{"10", "10"},
			expected: 0,
		},
		{
			name:     "bids added",
			first:    [2]string{"10", "10"},
			second:   [2]string{"20", "10"},
			expected: 10.0 / 30.0,
		},
		{
			name:     "asks added",
			first:    [2]string{"10", "10"},
			second:   [2]string{"10", "30"},
			expected: -20.0 / 40.0,
		},
		{
			name:     "trade flow after book",
			first:    [2]string{"10", "10"},
			second:   [2]string{"10", "10"},
			trades:   []float64{5, -1},
			expected: 4.0 / 20.0,
		},
		{
			name:     "clamped at limit",
			first:    [2]string{"10", "10"},
			second:   [2]string{"10", "10"},
			trades:   []float64{5000, 4000},
			expected: 10,
		},
		{
			name:     "clamped at negative limit",
			first:    [2]string{"10", "10"},
			second:   [2]string{"10", "10"},
			trades:   []float64{-5000},
			expected: -10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := createTestEngine(t, nil)
			require.NoError(t, e.IngestBook(book(baseTime,
				[]model.OrderBookLevel{level("100", tt.first[0])},
				[]model.OrderBookLevel{level("101", tt.first[1])},
			)))
			require.NoError(t, e.IngestBook(book(baseTime.Add(100*time.Millisecond),
				[]model.OrderBookLevel{level("100", tt.second[0])},
				[]model.OrderBookLevel{level("101", tt.second[1])},
			)))
			for i, q := range tt.trades {
				require.NoError(t, e.IngestTrade(tradeAt(baseTime.Add(time.Duration(200+i)*time.Millisecond), q)))
			}

			assert.InDelta(t, tt.expected, e.CurrentOFI(), 1e-9)
			assert.InDelta(t, tt.expected, e.Snapshot().OFI, 1e-9)
		})
	}
}

func TestEngine_OFICoversTradesBetweenBooks(t *testing.T) {
	e := createTestEngine(t, nil)
	require.NoError(t, e.IngestBook(book(baseTime,
		[]model.OrderBookLevel{level("100", "10")},
		[]model.OrderBookLevel{level("101", "10")},
	)))
	require.NoError(t, e.IngestTrade(tradeAt(baseTime.Add(10*time.Millisecond), 4)))
	require.NoError(t, e.IngestBook(book(baseTime.Add(20*time.Millisecond),
		[]model.OrderBookLevel{level("100", "10")},
		[]model.OrderBookLevel{level("101", "10")},
	)))
	require.NoError(t, e.IngestTrade(tradeAt(baseTime.Add(30*time.Millisecond), 2)))

	assert.InDelta(t, 6.0/20.0, e.CurrentOFI(), 1e-9)

	// A third book drops the flow that preceded the second one.
	require.NoError(t, e.IngestBook(book(baseTime.Add(40*time.Millisecond),
		[]model.OrderBookLevel{level("100", "10")},
		[]model.OrderBookLevel{level("101", "10")},
	)))
	assert.InDelta(t, 2.0/20.0, e.CurrentOFI(), 1e-9)
}

func TestEngine_IngestTrade(t *testing.T) {
	t.Run("zero quantity rejected", func(t *testing.T) {
		e := createTestEngine(t, nil)
		assert.ErrorIs(t, e.IngestTrade(tradeAt(baseTime, 0)), ErrZeroQuantity)
		assert.Zero(t, e.Snapshot().BufferedTrades)
	})

	t.Run("window expiry subtracts exactly once", func(t *testing.T) {
		e := createTestEngine(t, nil)
		require.NoError(t, e.IngestTrade(tradeAt(baseTime, 100)))
		require.NoError(t, e.IngestTrade(tradeAt(baseTime.Add(2*time.Second), -30)))
		assert.True(t, decimal.NewFromInt(70).Equal(e.Delta()))

		// exactly at the boundary the first trade is not strictly older
		e.Advance(baseTime.Add(5 * time.Second))
		assert.True(t, decimal.NewFromInt(70).Equal(e.Delta()))

		e.Advance(baseTime.Add(5*time.Second + time.Millisecond))
		assert.True(t, decimal.NewFromInt(-30).Equal(e.Delta()))

		// advancing again over the same range changes nothing
		e.Advance(baseTime.Add(6 * time.Second))
		assert.True(t, decimal.NewFromInt(-30).Equal(e.Delta()))

		e.Advance(baseTime.Add(10 * time.Second))
		assert.True(t, e.Delta().IsZero())
		assert.Equal(t, 2, e.Snapshot().BufferedTrades, "expired trades stay buffered")
		assert.Zero(t, e.Snapshot().WindowTrades)
	})

	t.Run("capacity eviction removes windowed contribution", func(t *testing.T) {
		e := createTestEngine(t, func(c *Config) { c.TradeStorageLimit = 3 })
		for i, q := range []float64{1, 2, 3, 4, 5} {
			require.NoError(t, e.IngestTrade(tradeAt(baseTime.Add(time.Duration(i)*time.Millisecond), q)))
		}
		assert.Equal(t, 3, e.Snapshot().BufferedTrades)
		assert.True(t, decimal.NewFromInt(12).Equal(e.Delta()), "only 3+4+5 remain")
	})

	t.Run("stale trade ignored", func(t *testing.T) {
		e := createTestEngine(t, nil)
		require.NoError(t, e.IngestTrade(tradeAt(baseTime.Add(10*time.Second), 1)))
		require.NoError(t, e.IngestTrade(tradeAt(baseTime, 50)))
		assert.True(t, decimal.NewFromInt(1).Equal(e.Delta()))
		assert.Equal(t, int64(1), e.Snapshot().StaleTrades)
	})

	t.Run("replayed trade id counted once", func(t *testing.T) {
		e := createTestEngine(t, nil)
		first := tradeAt(baseTime, 4)
		first.TradeID = "1111"
		require.NoError(t, e.IngestTrade(first))

		// a resubscribe replays the latest trade with the same id
		replay := first
		replay.Timestamp = baseTime.Add(time.Millisecond)
		require.NoError(t, e.IngestTrade(replay))

		assert.True(t, decimal.NewFromInt(4).Equal(e.Delta()))
		assert.Equal(t, 1, e.Snapshot().BufferedTrades)
		assert.Equal(t, int64(1), e.Snapshot().DupTrades)

		// trades without an id are never treated as replays
		require.NoError(t, e.IngestTrade(tradeAt(baseTime, 1)))
		require.NoError(t, e.IngestTrade(tradeAt(baseTime, 1)))
		assert.True(t, decimal.NewFromInt(6).Equal(e.Delta()))
	})

	t.Run("evicted trade id may recur", func(t *testing.T) {
		e := createTestEngine(t, func(c *Config) { c.TradeStorageLimit = 2 })
		for i, id := range []string{"a", "b", "c", "a"} {
			tr := tradeAt(baseTime.Add(time.Duration(i)*time.Millisecond), 1)
			tr.TradeID = id
			require.NoError(t, e.IngestTrade(tr))
		}
		assert.Zero(t, e.Snapshot().DupTrades)
		assert.True(t, decimal.NewFromInt(2).Equal(e.Delta()))
	})

	t.Run("books advance the window", func(t *testing.T) {
		e := createTestEngine(t, nil)
		require.NoError(t, e.IngestTrade(tradeAt(baseTime, 10)))
		require.NoError(t, e.IngestBook(book(baseTime.Add(6*time.Second),
			[]model.OrderBookLevel{level("100", "1")},
			[]model.OrderBookLevel{level("101", "1")},
		)))
		assert.True(t, e.Delta().IsZero())
	})
}

// TestEngine_WindowMatchesBruteForce feeds a random tape and compares the
// incremental delta with a recomputation from the buffered trades.
func TestEngine_WindowMatchesBruteForce(t *testing.T) {
	const limit = 50
	e := createTestEngine(t, func(c *Config) {
		c.TradeStorageLimit = limit
		c.LookbackPeriod = 500 * time.Millisecond
	})

	rng := rand.New(rand.NewSource(7))
	now := baseTime
	var all []model.TradeEvent

	for i := 0; i < 2000; i++ {
		now = now.Add(time.Duration(rng.Intn(40)) * time.Millisecond)
		q := float64(rng.Intn(2000)-1000) / 10
		if q == 0 {
			q = 0.1
		}
		tr := tradeAt(now, q)
		require.NoError(t, e.IngestTrade(tr))
		all = append(all, tr)

		// reference: the last `limit` trades that are inside the window
		start := 0
		if len(all) > limit {
			start = len(all) - limit
		}
		expected := decimal.Zero
		cutoff := now.Add(-500 * time.Millisecond)
		for _, ref := range all[start:] {
			if !ref.Timestamp.Before(cutoff) {
				expected = expected.Add(ref.Quantity)
			}
		}

		require.Truef(t, expected.Equal(e.Delta()), "step %d: expected %s got %s", i, expected, e.Delta())
		require.LessOrEqual(t, e.Snapshot().BufferedTrades, limit)
	}
}

func TestEngine_OFIAlwaysBounded(t *testing.T) {
	e := createTestEngine(t, nil)
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 500; i++ {
		at := baseTime.Add(time.Duration(i) * 10 * time.Millisecond)
		if rng.Intn(3) == 0 {
			bidQty := decimal.NewFromInt(int64(rng.Intn(100)))
			askQty := decimal.NewFromInt(int64(rng.Intn(100)))
			_ = e.IngestBook(book(at,
				[]model.OrderBookLevel{{Price: decimal.NewFromInt(100), Quantity: bidQty}},
				[]model.OrderBookLevel{{Price: decimal.NewFromInt(101), Quantity: askQty}},
			))
		} else {
			_ = e.IngestTrade(tradeAt(at, float64(rng.Intn(20000)-10000)+0.5))
		}

		v := e.CurrentOFI()
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		require.LessOrEqual(t, math.Abs(v), DefaultConfig().OFILimit)
	}
}

func TestEngine_Reset(t *testing.T) {
	e := createTestEngine(t, nil)
	require.NoError(t, e.IngestBook(book(baseTime,
		[]model.OrderBookLevel{level("100", "10")},
		[]model.OrderBookLevel{level("101", "10")},
	)))
	require.NoError(t, e.IngestTrade(tradeAt(baseTime.Add(time.Millisecond), 3)))

	e.Reset()

	assert.False(t, e.HasBook())
	assert.Zero(t, e.CurrentOFI())
	assert.True(t, decimal.NewFromInt(3).Equal(e.Delta()), "trades survive a book reset")
	assert.True(t, decimal.NewFromInt(100).Equal(e.MidPrice()), "falls back to last trade price")
}

func BenchmarkEngine_IngestTrade(b *testing.B) {
	e, _ := NewEngine("BTCUSDT", DefaultConfig())
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = e.IngestTrade(tradeAt(baseTime.Add(time.Duration(i)*time.Millisecond), 1))
	}
}
