package model

import (
	"time"
)

// SignalKind classifies a detected order-flow pattern.
type SignalKind int

const (
	// StrongSignal fires when book imbalance and tape delta agree and both exceed thresholds
	StrongSignal SignalKind = iota + 1

	// ReversalSignal fires when book pressure opposes an elevated delta
	ReversalSignal

	// ExhaustionSignal fires when a previously large delta has decayed while imbalance persists
	ExhaustionSignal
)

// String returns the lowercase kind name.
func (k SignalKind) String() string {
	switch k {
	case StrongSignal:
		return "strong"
	case ReversalSignal:
		return "reversal"
	case ExhaustionSignal:
		return "exhaustion"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k SignalKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Direction is the side a signal points to.
type Direction int

const (
	// Long indicates expected upward movement
	Long Direction = iota + 1

	// Short indicates expected downward movement
	Short
)

// String returns "long" or "short".
func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// MarshalText encodes the direction by name.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Signal is an immutable record of a detected trading opportunity.
type Signal struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Kind       SignalKind `json:"kind"`
	Direction  Direction  `json:"direction"`
	Confidence float64    `json:"confidence"`
	OFI        float64    `json:"ofi"`
	Delta      float64    `json:"delta"`
	Price      float64    `json:"price"` // Mid price at detection time
	Reason     string     `json:"reason"`
	Timestamp  time.Time  `json:"timestamp"`
}
