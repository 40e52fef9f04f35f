package autotrader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/equityfunk/internal/broker"
	"github.com/ajitpratap0/equityfunk/internal/config"
	"github.com/ajitpratap0/equityfunk/internal/db"
	"github.com/ajitpratap0/equityfunk/internal/execution"
	"github.com/ajitpratap0/equityfunk/internal/metrics"
	"github.com/ajitpratap0/equityfunk/internal/retry"
	"github.com/ajitpratap0/equityfunk/internal/signal"
)

// SessionStore is the session persistence used by runners and the manager
type SessionStore interface {
	CreateAutoTraderSession(ctx context.Context, s *db.AutoTraderSession) error
	GetAutoTraderSession(ctx context.Context, id uuid.UUID) (*db.AutoTraderSession, error)
	ListAutoTraderSessions(ctx context.Context, status db.SessionStatus) ([]*db.AutoTraderSession, error)
	SetSessionStatus(ctx context.Context, id uuid.UUID, status db.SessionStatus, errMsg *string) error
	RecordSessionCycle(ctx context.Context, id uuid.UUID, c db.SessionCycle) error
	SetSessionPosition(ctx context.Context, id uuid.UUID, position int64) error
	CountSessionOrdersSince(ctx context.Context, sessionID uuid.UUID, since time.Time) (int, error)
}

// OrderSubmitter places orders on behalf of a session
type OrderSubmitter interface {
	Submit(ctx context.Context, req execution.SubmitRequest) (int64, error)
}

// PriceSink receives every polled bar
type PriceSink interface {
	Put(ctx context.Context, bar broker.Bar) error
}

// Session event names
const (
	EventSessionCreated = "created"
	EventSessionStarted = "started"
	EventSessionStopped = "stopped"
	EventSessionError   = "error"
	EventSessionSynced  = "position_synced"
)

// SessionEvents receives session lifecycle notifications
type SessionEvents interface {
	PublishSession(ctx context.Context, event string, s *db.AutoTraderSession)
}

// Cycle outcomes recorded in metrics
const (
	outcomeNoPrice   = "no_price"
	outcomeWarming   = "warming"
	outcomeHold      = "hold"
	outcomeLimit     = "daily_limit"
	outcomeOrdered   = "ordered"
	outcomeRejected  = "rejected"
	outcomeTransient = "transient"
	outcomeFatal     = "fatal"
)

// RunnerOptions tunes every session loop
type RunnerOptions struct {
	BufferCapacity    int
	MinWarmup         int
	StepDivisor       int64
	DefaultInterval   time.Duration
	JoinTimeout       time.Duration
	TransientCooldown time.Duration
	// Reconnect retries a dropped broker connection before the cycle
	// gives up; the zero policy makes a single attempt
	Reconnect retry.Policy
}

// RunnerOptionsFromConfig maps auto-trader config onto RunnerOptions
func RunnerOptionsFromConfig(cfg config.AutoTraderConfig) RunnerOptions {
	return RunnerOptions{
		BufferCapacity:    cfg.BufferCapacity,
		MinWarmup:         cfg.MinWarmup,
		StepDivisor:       cfg.StepDivisor,
		DefaultInterval:   cfg.DefaultInterval,
		JoinTimeout:       cfg.JoinTimeout,
		TransientCooldown: cfg.TransientCooldown,
		Reconnect:         retry.DefaultPolicy(),
	}
}

// decideOrder sizes the order for a signal. BUY steps towards maxPosition by
// maxPosition/stepDivisor shares (at least one); SELL exits the whole
// position. A zero quantity means no action.
func decideOrder(sig signal.Signal, position, maxPosition, stepDivisor int64) (broker.Side, int64) {
	switch sig {
	case signal.Buy:
		if position >= maxPosition {
			return "", 0
		}
		step := int64(1)
		if stepDivisor > 0 && maxPosition/stepDivisor > 1 {
			step = maxPosition / stepDivisor
		}
		qty := maxPosition - position
		if step < qty {
			qty = step
		}
		return broker.SideBuy, qty
	case signal.Sell:
		if position <= 0 {
			return "", 0
		}
		return broker.SideSell, position
	default:
		return "", 0
	}
}

// Runner polls prices for one session and turns signals into orders. All
// of its bookkeeping is owned by its goroutine.
type Runner struct {
	session   db.AutoTraderSession
	strategy  signal.Strategy
	interval  time.Duration
	store     SessionStore
	submitter OrderSubmitter
	gateway   broker.Gateway
	generator signal.Generator
	sink      PriceSink
	events    SessionEvents
	opts      RunnerOptions
	log       zerolog.Logger
	now       func() time.Time

	buffer       *PriceBuffer
	position     int64
	total        int32
	successful   int32
	failed       int32
	lastSignal   *string
	lastSignalAt *time.Time
	tradesToday  int
	tradingDay   time.Time

	syncRequests chan struct{}
	stop         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
}

func newRunner(s *db.AutoTraderSession, deps runnerDeps, opts RunnerOptions) *Runner {
	interval := s.PollInterval()
	if interval <= 0 {
		interval = opts.DefaultInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}

	return &Runner{
		session:      *s,
		strategy:     signal.Strategy{Name: s.StrategyName, Params: s.StrategyParams},
		interval:     interval,
		store:        deps.store,
		submitter:    deps.submitter,
		gateway:      deps.gateway,
		generator:    deps.generator,
		sink:         deps.sink,
		events:       deps.events,
		opts:         opts,
		log:          config.NewSessionLogger(s.ID.String(), s.Symbol),
		now:          deps.now,
		buffer:       NewPriceBuffer(opts.BufferCapacity),
		position:     s.CurrentPosition,
		total:        s.TotalOrders,
		successful:   s.SuccessfulOrders,
		failed:       s.FailedOrders,
		lastSignal:   s.LastSignal,
		lastSignalAt: s.LastSignalAt,
		syncRequests: make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// RequestSync asks the runner to re-derive its position from the broker at
// the start of its next cycle
func (r *Runner) RequestSync() {
	select {
	case r.syncRequests <- struct{}{}:
	default:
	}
}

// Stop signals the loop to exit after the current cycle
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Wait blocks until the loop exits or timeout elapses and reports whether
// the loop exited
func (r *Runner) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return true
	case <-timer.C:
		return false
	}
}

// Done is closed when the loop exits
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Run executes cycles until stopped, cancelled or a fatal error occurs
func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)

	r.seedDailyCount(ctx)
	r.log.Info().
		Str("strategy", r.strategy.Name).
		Dur("interval", r.interval).
		Int64("position", r.position).
		Int("trades_today", r.tradesToday).
		Msg("Auto-trader session loop started")

	for {
		select {
		case <-r.stop:
			r.log.Info().Msg("Auto-trader session loop stopped")
			return
		case <-ctx.Done():
			return
		default:
		}

		wait := r.interval
		if err := r.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if !broker.IsDisconnect(err) {
				r.fail(ctx, err)
				return
			}
			metrics.SessionCycles.WithLabelValues(outcomeTransient).Inc()
			r.log.Warn().Err(err).Dur("cooldown", r.opts.TransientCooldown).Msg("Broker unavailable, cooling down")
			wait = r.opts.TransientCooldown
		}

		if !r.sleep(ctx, wait) {
			r.log.Info().Msg("Auto-trader session loop stopped")
			return
		}
	}
}

// cycle runs one poll. Returned errors are either transient broker
// failures or fatal for the session.
func (r *Runner) cycle(ctx context.Context) error {
	now := r.now()
	r.rollTradingDay(now)

	select {
	case <-r.syncRequests:
		if err := r.syncPosition(ctx); err != nil {
			return err
		}
	default:
	}

	if !r.gateway.IsConnected() {
		r.log.Warn().Msg("Broker disconnected, reconnecting")
		if err := retry.Do(ctx, r.opts.Reconnect, broker.IsDisconnect, r.gateway.Connect); err != nil {
			return fmt.Errorf("%w: reconnect failed: %v", broker.ErrNotConnected, err)
		}
	}

	bar, err := r.gateway.LatestPrice(ctx, r.session.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch latest price: %w", err)
	}
	if bar == nil {
		r.log.Debug().Msg("No price available, skipping cycle")
		return r.record(ctx, now, outcomeNoPrice)
	}

	r.buffer.Push(*bar)
	if r.sink != nil {
		if err := r.sink.Put(ctx, *bar); err != nil {
			r.log.Debug().Err(err).Msg("Failed to cache latest price")
		}
	}

	if r.buffer.Len() < r.opts.MinWarmup {
		r.log.Debug().Int("bars", r.buffer.Len()).Int("min_warmup", r.opts.MinWarmup).Msg("Warming up")
		return r.record(ctx, now, outcomeWarming)
	}

	sig, err := r.generator.Generate(r.buffer.Bars(), r.strategy)
	if err != nil {
		return fmt.Errorf("failed to generate signal: %w", err)
	}
	sigStr := string(sig)
	r.lastSignal = &sigStr
	r.lastSignalAt = &now
	metrics.SignalsGenerated.WithLabelValues(sigStr).Inc()

	side, qty := decideOrder(sig, r.position, r.session.MaxPositionSize, r.opts.StepDivisor)
	if qty == 0 {
		return r.record(ctx, now, outcomeHold)
	}

	if r.tradesToday >= int(r.session.MaxDailyTrades) {
		r.log.Info().
			Int("trades_today", r.tradesToday).
			Int32("max_daily_trades", r.session.MaxDailyTrades).
			Str("signal", sigStr).
			Msg("Daily trade limit reached, ignoring signal")
		return r.record(ctx, now, outcomeLimit)
	}

	strategyRef := r.strategy.Name
	sessionID := r.session.ID
	orderID, submitErr := r.submitter.Submit(ctx, execution.SubmitRequest{
		Symbol:      r.session.Symbol,
		Side:        string(side),
		Kind:        broker.KindMarket,
		Quantity:    qty,
		SessionID:   &sessionID,
		StrategyRef: &strategyRef,
	})

	r.total++
	outcome := outcomeOrdered
	if submitErr == nil {
		if side == broker.SideBuy {
			r.position += qty
		} else {
			r.position -= qty
		}
		r.successful++
		r.tradesToday++
		r.log.Info().
			Int64("order_id", orderID).
			Str("side", string(side)).
			Int64("quantity", qty).
			Int64("position", r.position).
			Msg("Order placed from signal")
	} else {
		r.failed++
		outcome = outcomeRejected
		r.log.Warn().
			Err(submitErr).
			Int64("order_id", orderID).
			Str("side", string(side)).
			Int64("quantity", qty).
			Msg("Order from signal failed")
	}

	if err := r.record(ctx, now, outcome); err != nil {
		return err
	}
	if submitErr != nil && !execution.IsPerOrder(submitErr) {
		return submitErr
	}
	return nil
}

// record commits the cycle bookkeeping
func (r *Runner) record(ctx context.Context, now time.Time, outcome string) error {
	metrics.SessionCycles.WithLabelValues(outcome).Inc()
	metrics.SessionPosition.WithLabelValues(r.session.ID.String(), r.session.Symbol).Set(float64(r.position))

	err := r.store.RecordSessionCycle(ctx, r.session.ID, db.SessionCycle{
		CurrentPosition:  r.position,
		TotalOrders:      r.total,
		SuccessfulOrders: r.successful,
		FailedOrders:     r.failed,
		LastSignal:       r.lastSignal,
		LastSignalAt:     r.lastSignalAt,
		LastCheckAt:      now,
	})
	if err != nil {
		return fmt.Errorf("failed to record session cycle: %w", err)
	}
	return nil
}

func (r *Runner) syncPosition(ctx context.Context) error {
	positions, err := r.gateway.Positions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch positions: %w", err)
	}
	held := broker.PositionFor(positions, r.session.Symbol)

	if err := r.store.SetSessionPosition(ctx, r.session.ID, held); err != nil {
		return err
	}
	r.log.Info().Int64("from", r.position).Int64("to", held).Msg("Position synchronised with broker")
	r.position = held

	if r.events != nil {
		snapshot := r.snapshot(db.SessionStatusRunning, nil)
		r.events.PublishSession(ctx, EventSessionSynced, snapshot)
	}
	return nil
}

func (r *Runner) seedDailyCount(ctx context.Context) {
	now := r.now()
	r.tradingDay = startOfDay(now)

	count, err := r.store.CountSessionOrdersSince(ctx, r.session.ID, r.tradingDay)
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to seed daily trade count, starting from zero")
		return
	}
	r.tradesToday = count
}

func (r *Runner) rollTradingDay(now time.Time) {
	day := startOfDay(now)
	if day.After(r.tradingDay) {
		r.tradingDay = day
		r.tradesToday = 0
	}
}

// fail marks the session ERROR; the store write outlives ctx
func (r *Runner) fail(ctx context.Context, cause error) {
	metrics.SessionCycles.WithLabelValues(outcomeFatal).Inc()
	select {
	case <-r.stop:
		// Stop ran, possibly past its join timeout; the session stays STOPPED
		r.log.Warn().Err(cause).Msg("Session failed after stop, keeping STOPPED status")
		return
	default:
	}
	r.log.Error().Err(cause).Msg("Auto-trader session failed")

	msg := cause.Error()
	if db.IsContention(cause) {
		msg = "store contention: " + msg
	}
	bgCtx := context.WithoutCancel(ctx)
	if err := r.store.SetSessionStatus(bgCtx, r.session.ID, db.SessionStatusError, &msg); err != nil {
		r.log.Error().Err(err).Msg("Failed to mark session as error")
	}
	if r.events != nil {
		r.events.PublishSession(bgCtx, EventSessionError, r.snapshot(db.SessionStatusError, &msg))
	}
}

func (r *Runner) snapshot(status db.SessionStatus, errMsg *string) *db.AutoTraderSession {
	s := r.session
	s.Status = status
	s.ErrorMessage = errMsg
	s.CurrentPosition = r.position
	s.TotalOrders = r.total
	s.SuccessfulOrders = r.successful
	s.FailedOrders = r.failed
	s.LastSignal = r.lastSignal
	s.LastSignalAt = r.lastSignalAt
	return &s
}

// sleep waits d and reports false when stopped or cancelled first
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-r.stop:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// normalizeSymbol upper-cases and trims a ticker
func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
