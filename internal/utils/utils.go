// Package utils provides symbol validation and normalization helpers.
//
// Watchlist providers, the supervisor and the exchange connectors all agree on
// a single canonical symbol form: upper case, no surrounding whitespace, for
// example "BTCUSDT" or "ETH-USDT".
package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MaxSymbolLength is the longest symbol accepted by ValidateSymbol.
const MaxSymbolLength = 20

var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
	ErrInvalidSymbol  = errors.New("invalid symbol")
)

// QuoteAssetSet contains the quote assets the screener will accept.
var QuoteAssetSet = map[string]bool{
	"USDT": true, // Tether USD
	"USDC": true, // USD Coin
	"BTC":  true, // Bitcoin
	"ETH":  true, // Ethereum
}

var supportedQuotesCache = getSupportedQuotes(QuoteAssetSet)

// NormalizeSymbol trims whitespace and upper-cases the symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateSymbol checks that a symbol is 1 to 20 characters drawn from
// letters, digits, '_', '-' and '/'.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidSymbol)
	}

	if len(symbol) > MaxSymbolLength {
		return fmt.Errorf("%w: %q longer than %d characters", ErrInvalidSymbol, symbol, MaxSymbolLength)
	}

	for _, r := range symbol {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '/':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidSymbol, symbol, r)
		}
	}

	return nil
}

// ValidateSymbols validates a slice of symbols and enforces quantity limits.
func ValidateSymbols(symbols []string, maxAllowed int) error {
	if len(symbols) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(symbols) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(symbols), maxAllowed)
	}

	for i, symbol := range symbols {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
	}

	return nil
}

// NormalizeSymbols normalizes, validates and deduplicates symbols while
// preserving first-seen order. Invalid symbols are returned separately.
func NormalizeSymbols(symbols []string) (valid []string, invalid []string) {
	seen := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		s := NormalizeSymbol(raw)
		if err := ValidateSymbol(s); err != nil {
			invalid = append(invalid, raw)
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		valid = append(valid, s)
	}
	return valid, invalid
}

// QuoteAsset returns the supported quote asset a symbol ends with, if any.
// Separators such as "BTC-USDT" or "BTC/USDT" are ignored.
func QuoteAsset(symbol string) (string, bool) {
	s := strings.NewReplacer("-", "", "/", "", "_", "").Replace(NormalizeSymbol(symbol))
	for quote := range QuoteAssetSet {
		if len(s) > len(quote) && strings.HasSuffix(s, quote) {
			return quote, true
		}
	}
	return "", false
}

// SupportedQuotes returns the supported quote assets in sorted order.
func SupportedQuotes() string {
	return supportedQuotesCache
}

func getSupportedQuotes(quoteAssetSet map[string]bool) string {
	keys := make([]string, 0, len(quoteAssetSet))
	for k := range quoteAssetSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
