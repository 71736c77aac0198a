// Package watchlist provides the symbol sources the scheduler reconciles
// against: a fixed list from configuration and screeners that rank futures
// markets by their 24 hour move.
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sentinel/internal/model"
	"sentinel/internal/utils"
)

// ErrProviderUnavailable wraps any failure to reach or decode a remote source.
var ErrProviderUnavailable = errors.New("watchlist provider unavailable")

// Static always returns the same, already normalized symbols.
type Static struct {
	entries []model.WatchlistEntry
}

// NewStatic normalizes symbols and rejects the list if any entry is invalid.
func NewStatic(symbols []string) (*Static, error) {
	valid, invalid := utils.NormalizeSymbols(symbols)
	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: %s", utils.ErrInvalidSymbol, strings.Join(invalid, ", "))
	}
	if len(valid) == 0 {
		return nil, utils.ErrNoSymbols
	}

	entries := make([]model.WatchlistEntry, len(valid))
	for i, s := range valid {
		entries[i] = model.WatchlistEntry{Symbol: s, Reason: "static"}
	}
	return &Static{entries: entries}, nil
}

// Watchlist returns a copy of the configured entries.
func (s *Static) Watchlist(context.Context) ([]model.WatchlistEntry, error) {
	out := make([]model.WatchlistEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}
