// Package ofi computes order-flow imbalance for a single symbol and
// classifies the result into trading signals.
//
// An Engine is owned by exactly one analysis task and is never shared; none of
// its methods are safe for concurrent use. The Detector is a pure function of
// its inputs and can be shared freely.
package ofi

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the thresholds shared by Engine and Detector.
type Config struct {
	// ImbalanceRatio is the |OFI| needed for a strong signal.
	ImbalanceRatio float64

	// DeltaThreshold is the |cumulative delta| needed for a strong signal,
	// in base-asset quantity.
	DeltaThreshold float64

	// LookbackPeriod bounds the cumulative delta window.
	LookbackPeriod time.Duration

	// TradeStorageLimit caps the trade buffer.
	TradeStorageLimit int

	// OFILimit clamps the OFI value to [-OFILimit, +OFILimit].
	OFILimit float64

	StrongConfidence     float64
	ReversalConfidence   float64
	ExhaustionConfidence float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ImbalanceRatio:       3.0,
		DeltaThreshold:       50000,
		LookbackPeriod:       5 * time.Second,
		TradeStorageLimit:    200,
		OFILimit:             10,
		StrongConfidence:     0.8,
		ReversalConfidence:   0.6,
		ExhaustionConfidence: 0.5,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.ImbalanceRatio <= 0:
		return fmt.Errorf("imbalance ratio must be positive, got %v", c.ImbalanceRatio)
	case c.DeltaThreshold <= 0:
		return fmt.Errorf("delta threshold must be positive, got %v", c.DeltaThreshold)
	case c.LookbackPeriod <= 0:
		return fmt.Errorf("lookback period must be positive, got %v", c.LookbackPeriod)
	case c.TradeStorageLimit <= 0:
		return fmt.Errorf("trade storage limit must be positive, got %d", c.TradeStorageLimit)
	case c.OFILimit < c.ImbalanceRatio:
		return fmt.Errorf("ofi limit %v must be at least the imbalance ratio %v", c.OFILimit, c.ImbalanceRatio)
	}

	for name, v := range map[string]float64{
		"strong":     c.StrongConfidence,
		"reversal":   c.ReversalConfidence,
		"exhaustion": c.ExhaustionConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s confidence must be within [0,1], got %v", name, v)
		}
	}

	return nil
}

var (
	// ErrCrossedBook rejects a snapshot whose best bid is at or above its best ask.
	ErrCrossedBook = errors.New("crossed order book")

	// ErrZeroQuantity rejects a trade with zero quantity.
	ErrZeroQuantity = errors.New("trade quantity is zero")

	// ErrSymbolMismatch rejects events addressed to another symbol.
	ErrSymbolMismatch = errors.New("event for another symbol")
)
