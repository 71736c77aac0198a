// Package exchange provides venue connectors that translate raw WebSocket
// frames into normalized order book and trade updates.
//
// This file contains the shared configuration, error values and parsing
// helpers used by every connector.
package exchange

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"sentinel/internal/model"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidConfig indicates that the provided ExchangeConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMalformedMessage marks a frame that could not be decoded or failed validation.
	// Streams count and drop such frames; they are never fatal.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrSubscriptionRejected reports an explicit error event from the venue.
	ErrSubscriptionRejected = errors.New("subscription rejected")
)

// ExchangeConfig provides common configuration parameters for all connectors.
type ExchangeConfig struct {
	// BaseURL is the WebSocket endpoint URL for the venue.
	BaseURL string

	// BookChannel selects the depth feed, e.g. "books" on Bitget or "depth20@100ms" on Binance.
	BookChannel string

	// InstType is the Bitget instrument type; ignored by other venues.
	InstType string
}

// validateConfig applies defaults for empty fields and checks the endpoint scheme.
func validateConfig(cfg *ExchangeConfig, defaultCfg *ExchangeConfig) error {
	if defaultCfg == nil {
		return errors.New("default configuration is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCfg.BaseURL
	}
	if cfg.BookChannel == "" {
		cfg.BookChannel = defaultCfg.BookChannel
	}
	if cfg.InstType == "" {
		cfg.InstType = defaultCfg.InstType
	}

	if len(cfg.BaseURL) < 5 || (cfg.BaseURL[:5] != "ws://" && cfg.BaseURL[:5] != "wss:/") {
		return fmt.Errorf("base URL must use ws:// or wss://, got %q", cfg.BaseURL)
	}

	return nil
}

// malformed wraps err so that callers can match ErrMalformedMessage.
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// parseMillis converts a millisecond unix timestamp string.
func parseMillis(ts string) (time.Time, error) {
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, malformed("invalid timestamp %q", ts)
	}
	return time.UnixMilli(ms), nil
}

// parseLevels converts [[price, size], ...] pairs. Zero sizes are kept so that
// delta updates can express level removal; callers drop them for snapshots.
func parseLevels(raw [][]string) ([]model.OrderBookLevel, error) {
	levels := make([]model.OrderBookLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			return nil, malformed("level has %d fields", len(lvl))
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			return nil, malformed("invalid level price %q", lvl[0])
		}
		qty, err := decimal.NewFromString(lvl[1])
		if err != nil {
			return nil, malformed("invalid level size %q", lvl[1])
		}
		if !price.IsPositive() || qty.IsNegative() {
			return nil, malformed("invalid level %s@%s", lvl[1], lvl[0])
		}
		levels = append(levels, model.OrderBookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}
