// Package task runs the per-symbol analysis pipeline and supervises the set
// of running pipelines.
//
// A Task owns one market data stream, one OFI engine and one detector. Every
// event is applied to the engine in arrival order on the task goroutine; once
// per cycle the detector looks at the engine and any signal is handed to a
// SignalSink. The Supervisor keeps exactly one Task per watched symbol.
package task

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"sentinel/internal/metrics"
	"sentinel/internal/model"
	"sentinel/internal/ofi"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrStreamEnded is reported when the stream stops without an error while the
// task was still supposed to run.
var ErrStreamEnded = errors.New("market data stream ended")

// State is the lifecycle stage of a Task.
type State int32

const (
	Starting State = iota
	Streaming
	Cycling
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Cycling:
		return "cycling"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarketDataStream is the event source a task consumes.
type MarketDataStream interface {
	// Run blocks until ctx is cancelled (nil) or the stream gives up.
	Run(ctx context.Context) error
	// Events is closed when Run returns.
	Events() <-chan model.MarketEvent
	Connected() bool
	LastMessageAt() time.Time
}

// SignalSink accepts signals from tasks. Send may drop the signal and return
// an error when the sink is saturated.
type SignalSink interface {
	Send(ctx context.Context, sig model.Signal) error
}

// Config holds per-task tuning.
type Config struct {
	OFI ofi.Config

	// CycleInterval is how often the detector runs.
	CycleInterval time.Duration

	// SignalCooldown suppresses a repeat of the same kind and direction.
	SignalCooldown time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		OFI:            ofi.DefaultConfig(),
		CycleInterval:  5 * time.Second,
		SignalCooldown: 5 * time.Second,
	}
}

type signalKey struct {
	kind model.SignalKind
	dir  model.Direction
}

// Task is the analysis pipeline of one symbol.
type Task struct {
	symbol   string
	cfg      Config
	stream   MarketDataStream
	sink     SignalSink
	engine   *ofi.Engine
	detector *ofi.Detector

	state     atomic.Int32
	startedAt time.Time
	done      chan struct{}
	err       error // written once before done is closed

	// owned by the Run goroutine; peakDelta is the delta of largest magnitude
	// seen since the last strong or exhaustion signal
	peakDelta float64
	lastSent  map[signalKey]time.Time

	emitted    atomic.Int64
	suppressed atomic.Int64
	dropped    atomic.Int64

	now    func() time.Time
	newID  func() string
	logger zerolog.Logger
}

// New creates a task in the Starting state.
func New(symbol string, stream MarketDataStream, sink SignalSink, cfg Config) (*Task, error) {
	if stream == nil {
		return nil, errors.New("stream is required")
	}
	if sink == nil {
		return nil, errors.New("signal sink is required")
	}
	if cfg.CycleInterval <= 0 {
		return nil, fmt.Errorf("cycle interval must be positive, got %v", cfg.CycleInterval)
	}

	engine, err := ofi.NewEngine(symbol, cfg.OFI)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	return &Task{
		symbol:    symbol,
		cfg:       cfg,
		stream:    stream,
		sink:      sink,
		engine:    engine,
		detector:  ofi.NewDetector(cfg.OFI),
		startedAt: time.Now(),
		done:      make(chan struct{}),
		lastSent:  make(map[signalKey]time.Time),
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    log.With().Str("component", "task").Str("symbol", symbol).Logger(),
	}, nil
}

// Symbol returns the symbol the task analyses.
func (t *Task) Symbol() string { return t.symbol }

// State returns the current lifecycle stage.
func (t *Task) State() State { return State(t.state.Load()) }

// StartedAt is when the task was created.
func (t *Task) StartedAt() time.Time { return t.startedAt }

// Done is closed once the task reached Stopped.
func (t *Task) Done() <-chan struct{} { return t.done }

// Connected reports whether the stream currently holds a live session.
func (t *Task) Connected() bool { return t.stream.Connected() }

// LastMessageAt is the arrival time of the last venue frame, zero before any.
func (t *Task) LastMessageAt() time.Time { return t.stream.LastMessageAt() }

// SignalsEmitted counts signals accepted by the sink.
func (t *Task) SignalsEmitted() int64 { return t.emitted.Load() }

// SignalsSuppressed counts signals withheld by the cooldown.
func (t *Task) SignalsSuppressed() int64 { return t.suppressed.Load() }

// SignalsDropped counts signals the sink refused.
func (t *Task) SignalsDropped() int64 { return t.dropped.Load() }

func (t *Task) setState(s State) { t.state.Store(int32(s)) }

// Err returns the failure cause once Done is closed, nil otherwise.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Run drives the task until ctx is cancelled or the stream fails. It returns
// nil on cancellation and the stream error otherwise.
func (t *Task) Run(ctx context.Context) (err error) {
	defer func() {
		t.err = err
		t.setState(Stopped)
		close(t.done)
		t.logger.Info().Err(err).Msg("task stopped")
	}()

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	streamErr := make(chan error, 1)
	go func() { streamErr <- t.stream.Run(streamCtx) }()

	ticker := time.NewTicker(t.cfg.CycleInterval)
	defer ticker.Stop()

	t.logger.Info().Msg("task started")
	events := t.stream.Events()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case ev, ok := <-events:
			if !ok {
				events = nil
				err = <-streamErr
				streamErr = nil
				if err == nil && ctx.Err() == nil {
					err = ErrStreamEnded
				}
				break loop
			}
			t.apply(ev)

		case <-ticker.C:
			if t.State() == Streaming {
				t.cycle(ctx)
			}
		}
	}

	t.setState(Stopping)
	cancelStream()
	if events != nil {
		for range events {
		}
	}
	if streamErr != nil {
		if serr := <-streamErr; serr != nil && ctx.Err() == nil {
			err = serr
		}
	}
	return err
}

func (t *Task) apply(ev model.MarketEvent) {
	switch ev.Kind {
	case model.BookEvent:
		if err := t.engine.IngestBook(ev.Book); err != nil {
			t.logger.Debug().Err(err).Msg("book rejected")
			return
		}
		if t.State() == Starting {
			t.setState(Streaming)
			t.logger.Info().Msg("first book received, streaming")
		}
	case model.TradeEventKind:
		if err := t.engine.IngestTrade(ev.Trade); err != nil {
			t.logger.Debug().Err(err).Msg("trade rejected")
		}
	case model.ResetEvent:
		t.engine.Reset()
		t.logger.Info().Msg("stream reset, book discarded")
	}
}

// cycle runs the detector once and forwards any signal.
func (t *Task) cycle(ctx context.Context) {
	t.setState(Cycling)
	defer t.setState(Streaming)

	now := t.now()
	ofiValue := t.engine.CurrentOFI()
	delta := t.engine.Delta().InexactFloat64()

	metrics.OFI.WithLabelValues(t.symbol).Set(ofiValue)
	metrics.CumulativeDelta.WithLabelValues(t.symbol).Set(delta)

	in := ofi.Input{
		Symbol:     t.symbol,
		OFI:        ofiValue,
		Delta:      delta,
		PriorDelta: t.peakDelta,
		Price:      t.engine.MidPrice().InexactFloat64(),
		At:         now,
	}
	if math.Abs(delta) > math.Abs(t.peakDelta) {
		t.peakDelta = delta
	}

	t.logger.Debug().Float64("ofi", ofiValue).Float64("delta", delta).Float64("peakDelta", t.peakDelta).Msg("cycle")

	sig, ok := t.detector.Evaluate(in)
	if !ok {
		return
	}
	if sig.Kind == model.StrongSignal || sig.Kind == model.ExhaustionSignal {
		t.peakDelta = delta
	}

	key := signalKey{kind: sig.Kind, dir: sig.Direction}
	if last, seen := t.lastSent[key]; seen && now.Sub(last) < t.cfg.SignalCooldown {
		t.suppressed.Add(1)
		metrics.SignalsSuppressedTotal.WithLabelValues(t.symbol).Inc()
		return
	}

	sig.ID = t.newID()
	if err := t.sink.Send(ctx, sig); err != nil {
		t.dropped.Add(1)
		t.logger.Warn().Err(err).Str("signalId", sig.ID).Stringer("kind", sig.Kind).Msg("signal not delivered")
		return
	}

	t.lastSent[key] = now
	t.emitted.Add(1)
	metrics.SignalsTotal.WithLabelValues(t.symbol, sig.Kind.String(), sig.Direction.String()).Inc()
	t.logger.Info().
		Str("signalId", sig.ID).
		Stringer("kind", sig.Kind).
		Stringer("direction", sig.Direction).
		Float64("ofi", sig.OFI).
		Float64("delta", sig.Delta).
		Float64("confidence", sig.Confidence).
		Msg("signal emitted")
}
