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
	"sentinel/internal/task"
	"sentinel/internal/utils"

	"github.com/rs/zerolog/log"
)

// ErrEmptyWatchlist is returned when a provider succeeds with no symbols.
// The scheduler treats it like a provider failure and keeps the previous list.
var ErrEmptyWatchlist = errors.New("provider returned an empty watchlist")

// WatchlistProvider supplies the symbols to watch.
type WatchlistProvider interface {
	Watchlist(ctx context.Context) ([]model.WatchlistEntry, error)
}

// Reconciler applies a symbol list to the running tasks.
type Reconciler interface {
	Reconcile(ctx context.Context, symbols []string) (task.ReconcileResult, error)
}

// SchedulerConfig holds configuration parameters for the Scheduler.
type SchedulerConfig struct {
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration // bounds one provider call plus reconcile
}

// SchedulerStatus describes the last refresh.
type SchedulerStatus struct {
	Entries     []model.WatchlistEntry `json:"entries"`
	LastRefresh time.Time              `json:"lastRefresh"`
	LastError   string                 `json:"lastError,omitempty"`
}

// Scheduler periodically pulls the watchlist and reconciles the task set.
//
// Provider failures are fail-open: the error is logged and counted and the
// previously applied watchlist keeps running.
type Scheduler struct {
	provider   WatchlistProvider
	reconciler Reconciler
	cfg        SchedulerConfig
	started    atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}

	// refreshMu serializes refreshes from the loop and from Refresh callers.
	refreshMu sync.Mutex

	mu          sync.RWMutex
	current     []model.WatchlistEntry
	lastRefresh time.Time
	lastErr     error
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(provider WatchlistProvider, reconciler Reconciler, cfg SchedulerConfig) (*Scheduler, error) {
	if provider == nil {
		return nil, errors.New("watchlist provider is required")
	}
	if reconciler == nil {
		return nil, errors.New("reconciler is required")
	}
	if cfg.RefreshInterval <= 0 {
		return nil, fmt.Errorf("refresh interval must be positive, got %v", cfg.RefreshInterval)
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = time.Minute
	}

	return &Scheduler{
		provider:   provider,
		reconciler: reconciler,
		cfg:        cfg,
	}, nil
}

// Start refreshes immediately and then every RefreshInterval until Stop or
// until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler has already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	_ = s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "scheduler").Msg("scheduler stopped")
			return
		case <-ticker.C:
			_ = s.Refresh(ctx)
		}
	}
}

// Stop cancels the refresh loop and waits for it to exit.
func (s *Scheduler) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return errors.New("scheduler not started")
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	<-s.done
	return nil
}

// Refresh pulls the watchlist once and reconciles. The previous watchlist
// stays in effect when either step fails.
func (s *Scheduler) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	logger := log.With().Str("component", "scheduler").Logger()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()

	entries, err := s.provider.Watchlist(ctx)
	if err == nil && len(entries) == 0 {
		err = ErrEmptyWatchlist
	}
	if err != nil {
		metrics.WatchlistRefreshTotal.WithLabelValues("provider_error").Inc()
		logger.Error().Err(err).Int("retained", len(s.Current())).Msg("watchlist refresh failed, keeping previous watchlist")
		s.recordError(err)
		return fmt.Errorf("fetch watchlist: %w", err)
	}

	symbols := make([]string, 0, len(entries))
	for _, e := range entries {
		symbols = append(symbols, e.Symbol)
	}

	res, err := s.reconciler.Reconcile(ctx, symbols)
	if err != nil {
		metrics.WatchlistRefreshTotal.WithLabelValues("reconcile_error").Inc()
		logger.Error().Err(err).Msg("reconcile failed")
		s.recordError(err)
		return fmt.Errorf("reconcile: %w", err)
	}

	running := make(map[string]struct{}, len(res.Started)+len(res.Kept))
	for _, sym := range res.Started {
		running[sym] = struct{}{}
	}
	for _, sym := range res.Kept {
		running[sym] = struct{}{}
	}
	applied := make([]model.WatchlistEntry, 0, len(running))
	for _, e := range entries {
		sym := utils.NormalizeSymbol(e.Symbol)
		if _, ok := running[sym]; ok {
			applied = append(applied, model.WatchlistEntry{Symbol: sym, Reason: e.Reason})
			delete(running, sym)
		}
	}

	s.mu.Lock()
	s.current = applied
	s.lastRefresh = time.Now()
	s.lastErr = nil
	s.mu.Unlock()

	metrics.WatchlistRefreshTotal.WithLabelValues("ok").Inc()
	metrics.WatchlistSize.Set(float64(len(applied)))
	logger.Info().
		Int("symbols", len(applied)).
		Strs("started", res.Started).
		Strs("stopped", res.Stopped).
		Strs("rejected", res.Rejected).
		Msg("watchlist refreshed")
	return nil
}

func (s *Scheduler) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Current returns the last successfully applied watchlist.
func (s *Scheduler) Current() []model.WatchlistEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.WatchlistEntry(nil), s.current...)
}

// Status returns the applied watchlist along with the last refresh outcome.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := SchedulerStatus{
		Entries:     append([]model.WatchlistEntry(nil), s.current...),
		LastRefresh: s.lastRefresh,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
