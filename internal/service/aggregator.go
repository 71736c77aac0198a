// Package service provides the long-running components that sit between the
// analysis tasks and the outside world.
//
// The Aggregator collects signals from every task into one bounded queue and
// hands them to the execution dispatcher in arrival order. Producers never
// block for more than a short send timeout: a saturated queue drops the signal
// and reports ErrSignalDropped.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/internal/metrics"
	"sentinel/internal/model"

	"github.com/rs/zerolog/log"
)

// ErrSignalDropped is returned by Send when the queue stayed full for the
// whole send timeout or the caller gave up first.
var ErrSignalDropped = errors.New("signal dropped")

// Dispatcher delivers a signal to the execution side.
type Dispatcher interface {
	Dispatch(ctx context.Context, sig model.Signal) error
}

// AggregatorConfig holds configuration parameters for the Aggregator.
type AggregatorConfig struct {
	Buffer          int           // Queue capacity shared by all producers
	SendTimeout     time.Duration // How long Send waits on a full queue
	DispatchTimeout time.Duration // Deadline for a single Dispatch call
	Workers         int           // Concurrent Dispatch calls; 1 keeps strict arrival order
}

// DefaultAggregatorConfig returns production defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Buffer:          100,
		SendTimeout:     250 * time.Millisecond,
		DispatchTimeout: 10 * time.Second,
		Workers:         1,
	}
}

// AggregatorStats counts what went through the aggregator.
type AggregatorStats struct {
	Accepted   int64 `json:"accepted"`
	Dropped    int64 `json:"dropped"`
	Dispatched int64 `json:"dispatched"`
	Failed     int64 `json:"failed"`
	Queued     int   `json:"queued"`
}

// Aggregator is a many-producer, single-consumer signal queue.
//
// A single goroutine owns the consumer side; producers only touch the
// channel, so no lock is needed around the queue itself.
type Aggregator struct {
	cfg        AggregatorConfig
	dispatcher Dispatcher
	signals    chan model.Signal
	started    atomic.Bool
	done       chan struct{}

	accepted   atomic.Int64
	dropped    atomic.Int64
	dispatched atomic.Int64
	failed     atomic.Int64
}

// NewAggregator creates an Aggregator. Zero config fields take defaults.
func NewAggregator(dispatcher Dispatcher, cfg AggregatorConfig) (*Aggregator, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	def := DefaultAggregatorConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}

	return &Aggregator{
		cfg:        cfg,
		dispatcher: dispatcher,
		signals:    make(chan model.Signal, cfg.Buffer),
		done:       make(chan struct{}),
	}, nil
}

// Send enqueues a signal. It waits at most SendTimeout for room and then
// drops the signal.
func (a *Aggregator) Send(ctx context.Context, sig model.Signal) error {
	select {
	case a.signals <- sig:
		a.accepted.Add(1)
		return nil
	default:
	}

	timer := time.NewTimer(a.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case a.signals <- sig:
		a.accepted.Add(1)
		return nil
	case <-timer.C:
		a.drop(sig)
		return fmt.Errorf("%w: queue full for %v", ErrSignalDropped, a.cfg.SendTimeout)
	case <-ctx.Done():
		a.drop(sig)
		return fmt.Errorf("%w: %v", ErrSignalDropped, ctx.Err())
	}
}

func (a *Aggregator) drop(sig model.Signal) {
	a.dropped.Add(1)
	metrics.SignalsDroppedTotal.WithLabelValues(sig.Symbol).Inc()
	log.Warn().
		Str("component", "aggregator").
		Str("symbol", sig.Symbol).
		Str("signalId", sig.ID).
		Msg("aggregator full, dropping signal")
}

// Start launches the consumer goroutine. When ctx ends the signals still
// queued are flushed for at most one DispatchTimeout, then Done is closed.
func (a *Aggregator) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("aggregator already started")
	}

	go a.consume(ctx)
	return nil
}

func (a *Aggregator) consume(ctx context.Context) {
	sem := make(chan struct{}, a.cfg.Workers)
	var wg sync.WaitGroup

	defer close(a.done)

	for {
		select {
		case <-ctx.Done():
			a.shutdown(ctx, &wg, nil)
			return

		case sig := <-a.signals:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				a.shutdown(ctx, &wg, &sig)
				return
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				a.dispatch(context.WithoutCancel(ctx), sig)
			}()
		}
	}
}

// shutdown waits for in-flight deliveries, then flushes pending and whatever
// is still queued within a single DispatchTimeout.
func (a *Aggregator) shutdown(parent context.Context, wg *sync.WaitGroup, pending *model.Signal) {
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), a.cfg.DispatchTimeout)
	defer cancel()

	if pending != nil {
		a.dispatch(ctx, *pending)
	}

flush:
	for ctx.Err() == nil {
		select {
		case sig := <-a.signals:
			a.dispatch(ctx, sig)
		default:
			break flush
		}
	}

	log.Info().
		Str("component", "aggregator").
		Int64("dispatched", a.dispatched.Load()).
		Int("abandoned", len(a.signals)).
		Msg("aggregator stopped")
}

// dispatch delivers one signal. In-flight deliveries are not interrupted by
// shutdown; each is bounded by DispatchTimeout.
func (a *Aggregator) dispatch(parent context.Context, sig model.Signal) {
	ctx, cancel := context.WithTimeout(parent, a.cfg.DispatchTimeout)
	defer cancel()

	if err := a.dispatcher.Dispatch(ctx, sig); err != nil {
		a.failed.Add(1)
		metrics.DispatchFailuresTotal.Inc()
		log.Error().
			Err(err).
			Str("component", "aggregator").
			Str("symbol", sig.Symbol).
			Str("signalId", sig.ID).
			Msg("dispatch failed")
		return
	}
	a.dispatched.Add(1)
}

// Done is closed once the consumer goroutine has exited.
func (a *Aggregator) Done() <-chan struct{} {
	return a.done
}

// Stats returns the aggregator counters.
func (a *Aggregator) Stats() AggregatorStats {
	return AggregatorStats{
		Accepted:   a.accepted.Load(),
		Dropped:    a.dropped.Load(),
		Dispatched: a.dispatched.Load(),
		Failed:     a.failed.Load(),
		Queued:     len(a.signals),
	}
}
