// Package stream turns a venue WebSocket feed into an ordered sequence of
// normalized market events for one symbol.
//
// A Stream owns its connection for its whole life: it dials, rebuilds the
// order book from deltas, reconnects with exponential backoff and gives up
// once the retry budget is spent. Consumers read Events() until it closes.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"sentinel/internal/exchange"
	"sentinel/internal/metrics"
	"sentinel/internal/model"
	"sentinel/internal/ofi"
	"sentinel/internal/websocket"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrRetryBudgetExhausted is returned by Run after too many consecutive
// failed connection attempts.
var ErrRetryBudgetExhausted = errors.New("reconnect retry budget exhausted")

// errDeltaBeforeSnapshot marks a book delta received before any snapshot.
var errDeltaBeforeSnapshot = errors.New("book delta before snapshot")

// Config controls connection management.
type Config struct {
	// BookDepth caps the levels per side in emitted snapshots; 0 keeps all.
	BookDepth int

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxReconnectAttempts is the number of consecutive failed sessions
	// tolerated before Run gives up.
	MaxReconnectAttempts int

	// StaleAfter forces a reconnect when no frame arrives for this long.
	StaleAfter time.Duration

	// EventBuffer sizes the Events channel.
	EventBuffer int

	TLSInsecureSkip bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BookDepth:            50,
		BackoffBase:          time.Second,
		BackoffMax:           30 * time.Second,
		MaxReconnectAttempts: 10,
		StaleAfter:           120 * time.Second,
		EventBuffer:          256,
	}
}

// Stats is a point-in-time view of the stream counters.
type Stats struct {
	Messages      int64
	Malformed     int64
	Reconnects    int64
	Connected     bool
	LastMessageAt time.Time
}

// Stream is a reconnecting market data stream for a single symbol.
type Stream struct {
	symbol    string
	connector exchange.Connector
	cfg       Config
	events    chan model.MarketEvent

	// book is only touched by the active session's read goroutine and, between
	// sessions, by Run.
	book localBook

	running     atomic.Bool
	connected   atomic.Bool
	lastMessage atomic.Int64
	messages    atomic.Int64
	malformed   atomic.Int64
	reconnects  atomic.Int64

	warnLimiter *rate.Limiter
	logger      zerolog.Logger
}

// New creates a stream. It does not connect until Run is called.
func New(symbol string, connector exchange.Connector, cfg Config) (*Stream, error) {
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if connector == nil {
		return nil, errors.New("connector is required")
	}

	def := DefaultConfig()
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(def.BackoffMax, cfg.BackoffBase)
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	return &Stream{
		symbol:      symbol,
		connector:   connector,
		cfg:         cfg,
		events:      make(chan model.MarketEvent, cfg.EventBuffer),
		warnLimiter: rate.NewLimiter(rate.Every(10*time.Second), 3),
		logger: log.With().
			Str("component", "stream").
			Str("symbol", symbol).
			Str("exchange", connector.Exchange().String()).
			Logger(),
	}, nil
}

// Events delivers book snapshots, trades and resets in arrival order. It is
// closed when Run returns.
func (s *Stream) Events() <-chan model.MarketEvent {
	return s.events
}

// Connected reports whether a session is currently open.
func (s *Stream) Connected() bool {
	return s.connected.Load()
}

// LastMessageAt returns when the last frame arrived, or the zero time.
func (s *Stream) LastMessageAt() time.Time {
	ns := s.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats returns the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Messages:      s.messages.Load(),
		Malformed:     s.malformed.Load(),
		Reconnects:    s.reconnects.Load(),
		Connected:     s.connected.Load(),
		LastMessageAt: s.LastMessageAt(),
	}
}

// Run streams until ctx is cancelled, in which case it returns nil, or until
// the retry budget is exhausted. It may be called only once.
func (s *Stream) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("stream already running")
	}
	defer close(s.events)
	defer s.setConnected(false)

	spec, err := s.connector.StreamSpec(s.symbol)
	if err != nil {
		return fmt.Errorf("stream spec: %w", err)
	}

	failures := 0
	for {
		established, healthy, err := s.session(ctx, spec)
		if ctx.Err() != nil {
			return nil
		}

		if healthy {
			failures = 0
		} else {
			failures++
		}
		if failures >= s.cfg.MaxReconnectAttempts {
			s.logger.Error().Err(err).Int("attempts", failures).Msg("giving up on stream")
			return fmt.Errorf("%w: %d consecutive failures, last: %v", ErrRetryBudgetExhausted, failures, err)
		}

		if established {
			s.book.reset()
			if !s.emit(ctx, model.MarketEvent{Kind: model.ResetEvent}) {
				return nil
			}
		}

		delay := s.backoff(failures)
		s.logger.Warn().Err(err).Int("failures", failures).Dur("retryIn", delay).Msg("stream disconnected, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		s.reconnects.Add(1)
		metrics.ReconnectsTotal.WithLabelValues(s.symbol).Inc()
	}
}

// session runs one connection until it drops. established reports whether
// the dial succeeded; healthy whether the session delivered a book or stayed
// up for at least BackoffMax.
func (s *Stream) session(ctx context.Context, spec exchange.StreamSpec) (established, healthy bool, err error) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var gotBook atomic.Bool
	// venue errors end the session so they count against the retry budget
	venueErr := make(chan error, 1)
	handler := func(raw []byte) error {
		err := s.handle(sessCtx, raw, &gotBook)
		if err != nil {
			select {
			case venueErr <- err:
			default:
			}
		}
		return err
	}

	client, err := websocket.NewWebsocketClient(sessCtx, websocket.Config{
		Endpoint:             spec.Endpoint,
		Handler:              handler,
		TLSInsecureSkip:      s.cfg.TLSInsecureSkip,
		PingMessage:          spec.PingMessage,
		IdleTimeout:          s.cfg.StaleAfter,
		SubscriptionMessages: spec.SubscriptionMessages,
	})
	if err != nil {
		return false, false, err
	}

	connectedAt := time.Now()
	s.setConnected(true)
	s.logger.Info().Str("endpoint", spec.Endpoint).Msg("stream connected")

	select {
	case <-ctx.Done():
	case err = <-venueErr:
	case <-client.DisconnectChan():
		select {
		case err = <-client.ErrChan():
		default:
		}
	}

	cancel()
	client.Close()
	s.setConnected(false)

	return true, gotBook.Load() || time.Since(connectedAt) >= s.cfg.BackoffMax, err
}

// handle decodes one frame and forwards the resulting events.
func (s *Stream) handle(ctx context.Context, raw []byte, gotBook *atomic.Bool) error {
	s.messages.Add(1)
	s.lastMessage.Store(time.Now().UnixNano())
	metrics.StreamMessagesTotal.WithLabelValues(s.symbol).Inc()

	u, err := s.connector.Parse(s.symbol, raw)
	if err != nil {
		if errors.Is(err, exchange.ErrMalformedMessage) {
			s.dropMalformed(err)
			return nil
		}
		s.logger.Error().Err(err).Msg("venue returned an error")
		return err
	}

	if u.Book != nil {
		switch {
		case !s.book.apply(u.Book):
			s.dropMalformed(errDeltaBeforeSnapshot)
		default:
			snap := s.book.snapshot(s.symbol, s.cfg.BookDepth)
			if snap.Crossed() {
				s.dropMalformed(ofi.ErrCrossedBook)
				break
			}
			if !s.emit(ctx, model.MarketEvent{Kind: model.BookEvent, Book: snap}) {
				return nil
			}
			gotBook.Store(true)
		}
	}

	for _, t := range u.Trades {
		if !s.emit(ctx, model.MarketEvent{Kind: model.TradeEventKind, Trade: t}) {
			return nil
		}
	}
	return nil
}

// emit blocks until the consumer takes ev or ctx ends.
func (s *Stream) emit(ctx context.Context, ev model.MarketEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) dropMalformed(err error) {
	s.malformed.Add(1)
	metrics.MalformedMessagesTotal.WithLabelValues(s.symbol).Inc()
	if s.warnLimiter.Allow() {
		s.logger.Warn().Err(err).Int64("malformedTotal", s.malformed.Load()).Msg("dropping malformed message")
	}
}

// backoff returns BackoffBase doubled per consecutive failure, capped at BackoffMax.
func (s *Stream) backoff(failures int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < failures && d < s.cfg.BackoffMax; i++ {
		d *= 2
	}
	return min(d, s.cfg.BackoffMax)
}

func (s *Stream) setConnected(v bool) {
	s.connected.Store(v)
	g := metrics.StreamConnected.WithLabelValues(s.symbol)
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
