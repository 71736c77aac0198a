package ofi

import (
	"fmt"
	"math"
	"time"

	"sentinel/internal/model"
)

// Input is everything the detector looks at for one evaluation.
type Input struct {
	Symbol     string
	OFI        float64
	Delta      float64
	PriorDelta float64 // peak delta since the task's last strong or exhaustion signal
	Price      float64
	At         time.Time
}

// Detector classifies engine state into at most one signal.
type Detector struct {
	cfg Config
}

// NewDetector returns a detector using the thresholds and confidences of cfg.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Evaluate checks the rules in priority order (strong, reversal, exhaustion)
// and returns the first match. The returned signal has no ID.
func (d *Detector) Evaluate(in Input) (model.Signal, bool) {
	absOFI := math.Abs(in.OFI)
	absDelta := math.Abs(in.Delta)
	halfRatio := d.cfg.ImbalanceRatio / 2
	halfDelta := d.cfg.DeltaThreshold / 2

	switch {
	case absOFI >= d.cfg.ImbalanceRatio && absDelta >= d.cfg.DeltaThreshold:
		return d.signal(in, model.StrongSignal, directionOf(in.OFI), d.cfg.StrongConfidence,
			fmt.Sprintf("ofi %.2f and delta %.2f both beyond thresholds", in.OFI, in.Delta)), true

	case in.OFI != 0 && in.Delta != 0 && (in.OFI > 0) != (in.Delta > 0) &&
		absOFI >= halfRatio && absDelta >= halfDelta:
		return d.signal(in, model.ReversalSignal, directionOf(in.OFI), d.cfg.ReversalConfidence,
			fmt.Sprintf("book pressure %.2f opposes delta %.2f", in.OFI, in.Delta)), true

	case math.Abs(in.PriorDelta) >= d.cfg.DeltaThreshold && absDelta < halfDelta && absOFI >= halfRatio:
		return d.signal(in, model.ExhaustionSignal, directionOf(in.PriorDelta).Opposite(), d.cfg.ExhaustionConfidence,
			fmt.Sprintf("delta decayed from %.2f to %.2f with ofi %.2f", in.PriorDelta, in.Delta, in.OFI)), true
	}

	return model.Signal{}, false
}

func (d *Detector) signal(in Input, kind model.SignalKind, dir model.Direction, confidence float64, reason string) model.Signal {
	return model.Signal{
		Symbol:     in.Symbol,
		Kind:       kind,
		Direction:  dir,
		Confidence: confidence,
		OFI:        in.OFI,
		Delta:      in.Delta,
		Price:      in.Price,
		Reason:     reason,
		Timestamp:  in.At,
	}
}

func directionOf(v float64) model.Direction {
	if v < 0 {
		return model.Short
	}
	return model.Long
}
