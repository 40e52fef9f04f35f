package autotrader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/equityfunk/internal/broker"
	"github.com/ajitpratap0/equityfunk/internal/db"
	"github.com/ajitpratap0/equityfunk/internal/execution"
	"github.com/ajitpratap0/equityfunk/internal/signal"
)

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*db.AutoTraderSession
	cycles   int

	dailyCount int
	cycleErr   error
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[uuid.UUID]*db.AutoTraderSession)}
}

func (m *memSessionStore) CreateAutoTraderSession(ctx context.Context, s *db.AutoTraderSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Status = db.SessionStatusStopped
	s.CreatedAt = time.Now().UTC()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessionStore) GetAutoTraderSession(ctx context.Context, id uuid.UUID) (*db.AutoTraderSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("auto-trader session %s: %w", id, db.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionStore) ListAutoTraderSessions(ctx context.Context, status db.SessionStatus) ([]*db.AutoTraderSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*db.AutoTraderSession
	for _, s := range m.sessions {
		if status == "" || s.Status == status {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memSessionStore) SetSessionStatus(ctx context.Context, id uuid.UUID, status db.SessionStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return db.ErrNotFound
	}
	s.Status = status
	s.ErrorMessage = errMsg
	return nil
}

func (m *memSessionStore) RecordSessionCycle(ctx context.Context, id uuid.UUID, c db.SessionCycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cycleErr != nil {
		return m.cycleErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return db.ErrNotFound
	}
	s.CurrentPosition = c.CurrentPosition
	s.TotalOrders = c.TotalOrders
	s.SuccessfulOrders = c.SuccessfulOrders
	s.FailedOrders = c.FailedOrders
	if c.LastSignal != nil {
		s.LastSignal = c.LastSignal
		s.LastSignalAt = c.LastSignalAt
	}
	at := c.LastCheckAt
	s.LastCheckAt = &at
	m.cycles++
	return nil
}

func (m *memSessionStore) SetSessionPosition(ctx context.Context, id uuid.UUID, position int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return db.ErrNotFound
	}
	s.CurrentPosition = position
	return nil
}

func (m *memSessionStore) CountSessionOrdersSince(ctx context.Context, sessionID uuid.UUID, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyCount, nil
}

func (m *memSessionStore) status(id uuid.UUID) db.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Status
}

// fakeSubmitter records requests and answers with err when set
type fakeSubmitter struct {
	mu       sync.Mutex
	requests []execution.SubmitRequest
	err      error
	block    chan struct{}
}

func (f *fakeSubmitter) Submit(ctx context.Context, req execution.SubmitRequest) (int64, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return int64(len(f.requests)), f.err
	}
	return int64(len(f.requests)), nil
}

func (f *fakeSubmitter) calls() []execution.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execution.SubmitRequest(nil), f.requests...)
}

// scriptedGenerator always returns sig, or err when set
type scriptedGenerator struct {
	mu    sync.Mutex
	sig   signal.Signal
	err   error
	calls int
}

func (g *scriptedGenerator) Generate(bars []broker.Bar, strategy signal.Strategy) (signal.Signal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.sig, g.err
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func testRunnerOptions() RunnerOptions {
	return RunnerOptions{
		BufferCapacity:    50,
		MinWarmup:         1,
		StepDivisor:       10,
		DefaultInterval:   10 * time.Millisecond,
		JoinTimeout:       time.Second,
		TransientCooldown: 10 * time.Millisecond,
	}
}
