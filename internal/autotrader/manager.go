// Package autotrader runs auto-trading sessions: one polling loop per
// session that turns indicator signals into bounded market orders.
package autotrader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/equityfunk/internal/broker"
	"github.com/ajitpratap0/equityfunk/internal/config"
	"github.com/ajitpratap0/equityfunk/internal/db"
	"github.com/ajitpratap0/equityfunk/internal/metrics"
	"github.com/ajitpratap0/equityfunk/internal/signal"
)

var (
	// ErrSessionRunning is returned when starting a session that already runs
	ErrSessionRunning = errors.New("session is already running")

	// ErrSessionNotRunning is returned when stopping a session that does not run
	ErrSessionNotRunning = errors.New("session is not running")
)

// CreateRequest describes a new session
type CreateRequest struct {
	Symbol              string                 `json:"symbol" yaml:"symbol"`
	StrategyName        string                 `json:"strategy" yaml:"strategy"`
	StrategyParams      map[string]interface{} `json:"params" yaml:"params"`
	PollIntervalSeconds int32                  `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	MaxPositionSize     int64                  `json:"max_position_size" yaml:"max_position_size"`
	MaxDailyTrades      int32                  `json:"max_daily_trades" yaml:"max_daily_trades"`
	PaperTrading        bool                   `json:"paper_trading" yaml:"paper_trading"`
	// Start launches the session right after creation
	Start bool `json:"start" yaml:"start"`
}

// Validate checks a request before anything is persisted
func (r CreateRequest) Validate() error {
	if normalizeSymbol(r.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.MaxPositionSize <= 0 {
		return fmt.Errorf("max_position_size must be positive")
	}
	if r.MaxDailyTrades <= 0 {
		return fmt.Errorf("max_daily_trades must be positive")
	}
	if r.PollIntervalSeconds < 0 {
		return fmt.Errorf("poll_interval_seconds must not be negative")
	}
	if err := signal.Validate(signal.Strategy{Name: r.StrategyName, Params: r.StrategyParams}); err != nil {
		return err
	}
	return nil
}

// SyncResult reports how a position sync was handled
type SyncResult struct {
	// Queued is true when a running session will sync on its next cycle
	Queued   bool  `json:"queued"`
	Position int64 `json:"position"`
}

type runnerDeps struct {
	store     SessionStore
	submitter OrderSubmitter
	gateway   broker.Gateway
	generator signal.Generator
	sink      PriceSink
	events    SessionEvents
	now       func() time.Time
}

// Manager owns the registry of running sessions. The registry mutex only
// guards registration and removal; each runner owns its own state.
type Manager struct {
	deps runnerDeps
	opts RunnerOptions
	log  zerolog.Logger

	mu      sync.Mutex
	runners map[uuid.UUID]*Runner

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager with no running sessions
func NewManager(store SessionStore, submitter OrderSubmitter, gateway broker.Gateway, generator signal.Generator, opts RunnerOptions) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps: runnerDeps{
			store:     store,
			submitter: submitter,
			gateway:   gateway,
			generator: generator,
			now:       time.Now,
		},
		opts:    opts,
		log:     config.NewLogger("autotrader"),
		runners: make(map[uuid.UUID]*Runner),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetPriceSink attaches a sink for polled bars
func (m *Manager) SetPriceSink(sink PriceSink) {
	m.deps.sink = sink
}

// SetEvents attaches a session event sink
func (m *Manager) SetEvents(events SessionEvents) {
	m.deps.events = events
}

// Create persists a new STOPPED session, starting it when asked to
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*db.AutoTraderSession, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	interval := req.PollIntervalSeconds
	if interval == 0 {
		interval = int32(m.opts.DefaultInterval / time.Second)
	}

	s := &db.AutoTraderSession{
		Symbol:              normalizeSymbol(req.Symbol),
		StrategyName:        req.StrategyName,
		StrategyParams:      req.StrategyParams,
		PollIntervalSeconds: interval,
		MaxPositionSize:     req.MaxPositionSize,
		MaxDailyTrades:      req.MaxDailyTrades,
		PaperTrading:        req.PaperTrading,
	}
	if err := m.deps.store.CreateAutoTraderSession(ctx, s); err != nil {
		return nil, err
	}
	m.publish(ctx, EventSessionCreated, s)

	if req.Start {
		if err := m.Start(ctx, s.ID); err != nil {
			return s, err
		}
		return m.Get(ctx, s.ID)
	}
	return s, nil
}

// Start launches the session loop
func (m *Manager) Start(ctx context.Context, id uuid.UUID) error {
	s, err := m.deps.store.GetAutoTraderSession(ctx, id)
	if err != nil {
		return err
	}

	r := newRunner(s, m.deps, m.opts)
	if !m.register(id, r) {
		return ErrSessionRunning
	}

	if err := m.deps.store.SetSessionStatus(ctx, id, db.SessionStatusRunning, nil); err != nil {
		m.remove(id, r)
		return err
	}

	go func() {
		r.Run(m.ctx)
		m.remove(id, r)
	}()

	s.Status = db.SessionStatusRunning
	m.publish(ctx, EventSessionStarted, s)
	m.log.Info().Str("session_id", id.String()).Str("symbol", s.Symbol).Msg("Auto-trader session started")
	return nil
}

// Stop signals the session loop and waits up to the join timeout. The
// session is marked STOPPED even when the loop does not exit in time.
func (m *Manager) Stop(ctx context.Context, id uuid.UUID) error {
	r := m.lookup(id)
	if r == nil {
		s, err := m.deps.store.GetAutoTraderSession(ctx, id)
		if err != nil {
			return err
		}
		if s.Status != db.SessionStatusRunning {
			return ErrSessionNotRunning
		}
		// Left RUNNING by a previous process
		return m.markStopped(ctx, s)
	}

	r.Stop()
	if !r.Wait(m.opts.JoinTimeout) {
		m.log.Warn().
			Str("session_id", id.String()).
			Dur("join_timeout", m.opts.JoinTimeout).
			Msg("Session loop did not exit in time, abandoning it")
	}
	m.remove(id, r)

	s, err := m.deps.store.GetAutoTraderSession(ctx, id)
	if err != nil {
		return err
	}
	return m.markStopped(ctx, s)
}

// List returns persisted sessions, all of them when status is empty
func (m *Manager) List(ctx context.Context, status db.SessionStatus) ([]*db.AutoTraderSession, error) {
	return m.deps.store.ListAutoTraderSessions(ctx, status)
}

// Get returns one persisted session
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*db.AutoTraderSession, error) {
	return m.deps.store.GetAutoTraderSession(ctx, id)
}

// IsRunning reports whether a loop is registered for id
func (m *Manager) IsRunning(id uuid.UUID) bool {
	return m.lookup(id) != nil
}

// Running returns the ids of registered loops
func (m *Manager) Running() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	return ids
}

// SyncPosition re-derives the session position from the broker. A running
// session applies it on its next cycle; otherwise it is written directly.
func (m *Manager) SyncPosition(ctx context.Context, id uuid.UUID) (SyncResult, error) {
	if r := m.lookup(id); r != nil {
		r.RequestSync()
		return SyncResult{Queued: true}, nil
	}

	s, err := m.deps.store.GetAutoTraderSession(ctx, id)
	if err != nil {
		return SyncResult{}, err
	}
	positions, err := m.deps.gateway.Positions(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to fetch positions: %w", err)
	}
	held := broker.PositionFor(positions, s.Symbol)
	if err := m.deps.store.SetSessionPosition(ctx, id, held); err != nil {
		return SyncResult{}, err
	}

	s.CurrentPosition = held
	m.publish(ctx, EventSessionSynced, s)
	return SyncResult{Position: held}, nil
}

// RestoreRunning restarts sessions a previous process left RUNNING and
// returns how many were started
func (m *Manager) RestoreRunning(ctx context.Context) (int, error) {
	sessions, err := m.deps.store.ListAutoTraderSessions(ctx, db.SessionStatusRunning)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, s := range sessions {
		if err := m.Start(ctx, s.ID); err != nil {
			m.log.Error().Err(err).Str("session_id", s.ID.String()).Msg("Failed to restore session")
			continue
		}
		started++
	}

	m.log.Info().Int("restored", started).Int("found", len(sessions)).Msg("Running sessions restored")
	return started, nil
}

// Seed creates the sessions described by reqs unless a session with the
// same symbol and strategy already exists
func (m *Manager) Seed(ctx context.Context, reqs []CreateRequest) (int, error) {
	existing, err := m.deps.store.ListAutoTraderSessions(ctx, "")
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s.Symbol+"/"+s.StrategyName] = true
	}

	created := 0
	for _, req := range reqs {
		key := normalizeSymbol(req.Symbol) + "/" + req.StrategyName
		if seen[key] {
			continue
		}
		if _, err := m.Create(ctx, req); err != nil {
			return created, fmt.Errorf("failed to seed session %s: %w", key, err)
		}
		seen[key] = true
		created++
	}
	return created, nil
}

// StopAll stops every running session concurrently
func (m *Manager) StopAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range m.Running() {
		id := id
		g.Go(func() error {
			if err := m.Stop(gctx, id); err != nil && !errors.Is(err, ErrSessionNotRunning) {
				return fmt.Errorf("failed to stop session %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close cancels any loop still running
func (m *Manager) Close() {
	m.cancel()
}

func (m *Manager) markStopped(ctx context.Context, s *db.AutoTraderSession) error {
	if err := m.deps.store.SetSessionStatus(context.WithoutCancel(ctx), s.ID, db.SessionStatusStopped, nil); err != nil {
		return err
	}
	s.Status = db.SessionStatusStopped
	m.publish(ctx, EventSessionStopped, s)
	m.log.Info().Str("session_id", s.ID.String()).Str("symbol", s.Symbol).Msg("Auto-trader session stopped")
	return nil
}

func (m *Manager) register(id uuid.UUID, r *Runner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runners[id]; ok {
		return false
	}
	m.runners[id] = r
	metrics.ActiveSessions.Inc()
	return true
}

// remove unregisters r if it is still the runner registered for id
func (m *Manager) remove(id uuid.UUID, r *Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.runners[id]; ok && current == r {
		delete(m.runners, id)
		metrics.ActiveSessions.Dec()
	}
}

func (m *Manager) lookup(id uuid.UUID) *Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners[id]
}

func (m *Manager) publish(ctx context.Context, event string, s *db.AutoTraderSession) {
	if m.deps.events == nil {
		return
	}
	m.deps.events.PublishSession(ctx, event, s)
}
