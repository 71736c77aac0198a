package watchlist

import (
	"fmt"
	"sort"

	"sentinel/internal/model"
	"sentinel/internal/utils"

	"github.com/shopspring/decimal"
)

// ScreenerConfig controls how tickers are ranked.
type ScreenerConfig struct {
	BaseURL        string
	TopN           int             // gainers and losers each
	MinQuoteVolume decimal.Decimal // 24h turnover in quote currency
}

// ticker is the venue independent view of one 24h statistics row.
type ticker struct {
	symbol      string
	change      decimal.Decimal // fraction, 0.05 is +5%
	quoteVolume decimal.Decimal
}

// rank picks the TopN biggest gainers followed by the TopN biggest losers.
// Tickers below the volume floor, with a non-positive change for gainers or
// non-negative change for losers, or with an unusable symbol are skipped.
func rank(tickers []ticker, cfg ScreenerConfig) []model.WatchlistEntry {
	eligible := make([]ticker, 0, len(tickers))
	for _, t := range tickers {
		t.symbol = utils.NormalizeSymbol(t.symbol)
		if utils.ValidateSymbol(t.symbol) != nil {
			continue
		}
		if t.quoteVolume.LessThan(cfg.MinQuoteVolume) {
			continue
		}
		eligible = append(eligible, t)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].change.GreaterThan(eligible[j].change)
	})

	seen := make(map[string]struct{}, 2*cfg.TopN)
	entries := make([]model.WatchlistEntry, 0, 2*cfg.TopN)
	add := func(t ticker, label string) {
		if _, dup := seen[t.symbol]; dup {
			return
		}
		seen[t.symbol] = struct{}{}
		entries = append(entries, model.WatchlistEntry{
			Symbol: t.symbol,
			Reason: fmt.Sprintf("%s %s%%", label, signedPercent(t.change)),
		})
	}

	for i := 0; i < len(eligible) && i < cfg.TopN; i++ {
		if !eligible[i].change.IsPositive() {
			break
		}
		add(eligible[i], "gainer")
	}
	for i, n := len(eligible)-1, 0; i >= 0 && n < cfg.TopN; i, n = i-1, n+1 {
		if !eligible[i].change.IsNegative() {
			break
		}
		add(eligible[i], "loser")
	}
	return entries
}

func signedPercent(change decimal.Decimal) string {
	pct := change.Shift(2).StringFixed(2)
	if change.IsPositive() {
		return "+" + pct
	}
	return pct
}
