package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sentinel/internal/metrics"
	"sentinel/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrSupervisorClosed is returned by Reconcile after Shutdown.
var ErrSupervisorClosed = errors.New("supervisor is shut down")

// StreamFactory builds the market data stream for a symbol.
type StreamFactory func(symbol string) (MarketDataStream, error)

// StatusReporter is told about task lifecycle transitions.
type StatusReporter interface {
	TaskStarted(symbol string)
	TaskStopped(symbol string)
	TaskFailed(symbol string, err error)
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Task     Config
	MaxTasks int
}

// TaskStatus is the externally visible state of one task.
type TaskStatus struct {
	Symbol        string    `json:"symbol"`
	State         string    `json:"state"`
	Connected     bool      `json:"connected"`
	StartedAt     time.Time `json:"startedAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	Signals       int64     `json:"signals"`
	Err           string    `json:"error,omitempty"`
}

// ReconcileResult lists what a Reconcile call changed.
type ReconcileResult struct {
	Started  []string
	Stopped  []string
	Kept     []string
	Rejected []string
}

type handle struct {
	task   *Task
	cancel context.CancelFunc
}

// Supervisor keeps one running Task per watched symbol.
type Supervisor struct {
	cfg      SupervisorConfig
	factory  StreamFactory
	sink     SignalSink
	reporter StatusReporter

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// reconcileMu serializes Reconcile calls. It is never taken by readers.
	reconcileMu sync.Mutex

	// mu guards tasks, stopping and closed. It is not held while waiting.
	mu       sync.Mutex
	tasks    map[string]*handle
	stopping map[string]*handle // cancelled, not yet confirmed stopped
	closed   bool
	wg       sync.WaitGroup

	logger zerolog.Logger
}

// NewSupervisor creates a supervisor with no tasks. reporter may be nil.
func NewSupervisor(factory StreamFactory, sink SignalSink, cfg SupervisorConfig, reporter StatusReporter) (*Supervisor, error) {
	if factory == nil {
		return nil, errors.New("stream factory is required")
	}
	if sink == nil {
		return nil, errors.New("signal sink is required")
	}
	if cfg.MaxTasks <= 0 {
		return nil, fmt.Errorf("max tasks must be positive, got %d", cfg.MaxTasks)
	}
	if reporter == nil {
		reporter = nopReporter{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:        cfg,
		factory:    factory,
		sink:       sink,
		reporter:   reporter,
		baseCtx:    ctx,
		baseCancel: cancel,
		tasks:      make(map[string]*handle),
		stopping:   make(map[string]*handle),
		logger:     log.With().Str("component", "supervisor").Logger(),
	}, nil
}

// Reconcile makes the running set equal to symbols. Tasks for symbols that
// left the list are cancelled and awaited before new ones are spawned.
// Symbols beyond MaxTasks are rejected. Calling it twice with the same list is
// a no-op. ctx bounds only the wait for stopping tasks; when it expires the
// cancelled tasks keep draining in the background and a later Reconcile
// spawns their symbols afresh.
func (s *Supervisor) Reconcile(ctx context.Context, symbols []string) (ReconcileResult, error) {
	var res ReconcileResult

	valid, invalid := utils.NormalizeSymbols(symbols)
	if len(invalid) > 0 {
		s.logger.Warn().Strs("symbols", invalid).Msg("ignoring invalid symbols")
		res.Rejected = append(res.Rejected, invalid...)
	}
	if len(valid) > s.cfg.MaxTasks {
		s.logger.Warn().Int("requested", len(valid)).Int("maxTasks", s.cfg.MaxTasks).Msg("watchlist exceeds task limit, truncating")
		res.Rejected = append(res.Rejected, valid[s.cfg.MaxTasks:]...)
		valid = valid[:s.cfg.MaxTasks]
	}

	wanted := make(map[string]struct{}, len(valid))
	for _, sym := range valid {
		wanted[sym] = struct{}{}
	}

	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	// Cancel removed tasks and collect everything that must be gone before
	// spawning, including earlier tasks of re-added symbols still draining.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return res, ErrSupervisorClosed
	}
	var removed, draining []*handle
	for sym, h := range s.tasks {
		if _, ok := wanted[sym]; !ok {
			h.cancel()
			delete(s.tasks, sym)
			s.stopping[sym] = h
			removed = append(removed, h)
		}
	}
	for sym, h := range s.stopping {
		if _, ok := wanted[sym]; ok {
			draining = append(draining, h)
		}
	}
	s.mu.Unlock()

	for _, h := range append(removed, draining...) {
		if err := s.awaitStop(ctx, h); err != nil {
			return res, err
		}
	}
	for _, h := range removed {
		res.Stopped = append(res.Stopped, h.task.Symbol())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return res, ErrSupervisorClosed
	}

	for _, sym := range valid {
		if h, ok := s.tasks[sym]; ok {
			if !h.stopped() {
				res.Kept = append(res.Kept, sym)
				continue
			}
			delete(s.tasks, sym)
		}
		if err := s.spawn(sym); err != nil {
			s.logger.Error().Err(err).Str("symbol", sym).Msg("failed to start task")
			s.reporter.TaskFailed(sym, err)
			res.Rejected = append(res.Rejected, sym)
			continue
		}
		res.Started = append(res.Started, sym)
	}

	sort.Strings(res.Stopped)
	s.logger.Info().
		Strs("started", res.Started).
		Strs("stopped", res.Stopped).
		Int("running", len(s.tasks)).
		Msg("watchlist reconciled")
	return res, nil
}

// spawn starts a task for sym. Callers hold mu.
func (s *Supervisor) spawn(sym string) error {
	stream, err := s.factory(sym)
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	t, err := New(sym, stream, s.sink, s.cfg.Task)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	h := &handle{task: t, cancel: cancel}
	s.tasks[sym] = h

	metrics.ActiveTasks.Inc()
	s.reporter.TaskStarted(sym)

	s.wg.Add(1)
	go s.run(ctx, h)
	return nil
}

// awaitStop waits for a cancelled task. On timeout the handle stays in
// stopping and run removes it once the task is done.
func (s *Supervisor) awaitStop(ctx context.Context, h *handle) error {
	sym := h.task.Symbol()
	select {
	case <-h.task.Done():
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s to stop: %w", sym, ctx.Err())
	}

	s.mu.Lock()
	if cur, ok := s.stopping[sym]; ok && cur == h {
		delete(s.stopping, sym)
	}
	s.mu.Unlock()
	metrics.ForgetSymbol(sym)
	return nil
}

func (h *handle) stopped() bool {
	select {
	case <-h.task.Done():
		return true
	default:
		return false
	}
}

func (s *Supervisor) run(ctx context.Context, h *handle) {
	defer s.wg.Done()
	defer h.cancel()

	err := h.task.Run(ctx)
	metrics.ActiveTasks.Dec()

	sym := h.task.Symbol()

	// a handle leaves the maps only through its own run or awaitStop
	s.mu.Lock()
	if cur, ok := s.tasks[sym]; ok && cur == h {
		delete(s.tasks, sym)
	}
	drained := false
	if cur, ok := s.stopping[sym]; ok && cur == h {
		delete(s.stopping, sym)
		drained = true
	}
	s.mu.Unlock()
	if drained {
		metrics.ForgetSymbol(sym)
	}

	if err != nil {
		// a failed task gives up its slot; the next reconcile respawns it
		s.logger.Error().Err(err).Str("symbol", sym).Msg("task failed")
		metrics.TaskFailuresTotal.WithLabelValues(sym).Inc()
		s.reporter.TaskFailed(sym, err)
		return
	}
	s.reporter.TaskStopped(sym)
}

// Snapshot returns the status of every running task sorted by symbol.
func (s *Supervisor) Snapshot() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for sym, h := range s.tasks {
		st := TaskStatus{
			Symbol:        sym,
			State:         h.task.State().String(),
			Connected:     h.task.Connected(),
			StartedAt:     h.task.StartedAt(),
			LastMessageAt: h.task.LastMessageAt(),
			Signals:       h.task.SignalsEmitted(),
		}
		if err := h.task.Err(); err != nil {
			st.Err = err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols returns the symbols with a running task, sorted.
func (s *Supervisor) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.tasks))
	for sym := range s.tasks {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Shutdown cancels every task and waits for them to stop or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.baseCancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.mu.Lock()
		for sym := range s.tasks {
			metrics.ForgetSymbol(sym)
		}
		s.tasks = make(map[string]*handle)
		s.stopping = make(map[string]*handle)
		s.mu.Unlock()
		s.logger.Info().Msg("all tasks stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor shutdown: %w", ctx.Err())
	}
}

type nopReporter struct{}

func (nopReporter) TaskStarted(string)       {}
func (nopReporter) TaskStopped(string)       {}
func (nopReporter) TaskFailed(string, error) {}
