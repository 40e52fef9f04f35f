// Package execution submits orders to the broker and reconciles broker
// executions back into the order store.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/equityfunk/internal/broker"
	"github.com/ajitpratap0/equityfunk/internal/config"
	"github.com/ajitpratap0/equityfunk/internal/db"
	"github.com/ajitpratap0/equityfunk/internal/metrics"
)

// Store is the order persistence the executor and reconciler need
type Store interface {
	InsertOrder(ctx context.Context, order *db.Order) error
	GetOrder(ctx context.Context, id int64) (*db.Order, error)
	ListReconcilableOrders(ctx context.Context) ([]*db.Order, error)
	ListBrokerOrderIDs(ctx context.Context) (map[int64]int64, error)
	MarkOrderSubmitted(ctx context.Context, id, brokerOrderID int64, permID *int64) (*db.Order, error)
	MarkOrderError(ctx context.Context, id int64, msg string) (*db.Order, error)
	MarkOrderCancelled(ctx context.Context, id int64, msg string) (*db.Order, error)
	ApplyOrderFill(ctx context.Context, id int64, fill db.Fill) (*db.Order, bool, error)
}

// Order event names
const (
	EventOrderCreated   = "created"
	EventOrderSubmitted = "submitted"
	EventOrderError     = "error"
	EventOrderFilled    = "filled"
	EventOrderPartial   = "partially_filled"
	EventOrderCancelled = "cancelled"
)

// OrderEvents receives order lifecycle notifications
type OrderEvents interface {
	PublishOrder(ctx context.Context, event string, order *db.Order)
}

// Options configures the executor
type Options struct {
	Exchange       string
	Currencies     []string
	ResolveTimeout time.Duration
	PlaceTimeout   time.Duration
	PaperTrade     bool
}

// OptionsFromConfig builds executor options from the loaded configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Exchange:       cfg.Broker.Exchange,
		Currencies:     cfg.Broker.Currencies,
		ResolveTimeout: cfg.Broker.ResolveTimeout,
		PlaceTimeout:   cfg.Broker.PlaceTimeout,
		PaperTrade:     cfg.Execution.PaperTrade,
	}
}

// SubmitRequest is an order as asked for by a caller
type SubmitRequest struct {
	Symbol      string
	Side        string
	Kind        string
	Quantity    int64
	LimitPrice  *float64
	StopPrice   *float64
	SessionID   *uuid.UUID
	StrategyRef *string
}

// Executor drives an order from request to broker acknowledgement and
// schedules the post-submission fill check
type Executor struct {
	store      Store
	gateway    broker.Gateway
	reconciler *Reconciler
	events     OrderEvents
	opts       Options
	log        zerolog.Logger

	// checks tracks detached fill checks; mu orders Add against Close
	mu     sync.Mutex
	closed bool
	checks sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewExecutor creates an executor. reconciler may be nil, in which case no
// post-submission check is scheduled.
func NewExecutor(store Store, gateway broker.Gateway, reconciler *Reconciler, opts Options) *Executor {
	if len(opts.Currencies) == 0 {
		opts.Currencies = []string{"USD", "EUR"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:      store,
		gateway:    gateway,
		reconciler: reconciler,
		opts:       opts,
		log:        config.NewLogger("executor"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetEvents attaches an event sink
func (e *Executor) SetEvents(events OrderEvents) {
	e.events = events
}

// Submit validates, persists and places an order. The returned id is
// non-zero whenever a row was written, including when placement failed.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (int64, error) {
	start := time.Now()

	side, orderType, err := validate(req)
	if err != nil {
		metrics.OrdersFailed.WithLabelValues("validation").Inc()
		return 0, err
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))

	order := &db.Order{
		SessionID:   req.SessionID,
		Symbol:      symbol,
		Side:        db.OrderSide(side),
		Kind:        db.OrderKind(orderType.Kind()),
		Quantity:    req.Quantity,
		LimitPrice:  broker.LimitPrice(orderType),
		StopPrice:   broker.StopPrice(orderType),
		PaperTrade:  e.opts.PaperTrade,
		StrategyRef: req.StrategyRef,
	}
	if err := e.store.InsertOrder(ctx, order); err != nil {
		metrics.OrdersFailed.WithLabelValues("store").Inc()
		return 0, fmt.Errorf("failed to persist order: %w", err)
	}
	e.publish(ctx, EventOrderCreated, order)

	logger := e.log.With().
		Int64("order_id", order.ID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("kind", orderType.Kind()).
		Int64("quantity", req.Quantity).
		Logger()

	// Bookkeeping after this point must land even if the caller gives up
	bgCtx := context.WithoutCancel(ctx)

	contract, err := e.resolve(ctx, symbol)
	if err != nil {
		logger.Warn().Err(err).Msg("Contract resolution failed")
		e.markError(bgCtx, order.ID, err.Error())
		metrics.OrdersFailed.WithLabelValues("contract").Inc()
		return order.ID, err
	}

	placeCtx := ctx
	if e.opts.PlaceTimeout > 0 {
		var cancel context.CancelFunc
		placeCtx, cancel = context.WithTimeout(ctx, e.opts.PlaceTimeout)
		defer cancel()
	}

	res, err := e.gateway.PlaceOrder(placeCtx, *contract, broker.OrderSpec{
		Side:     side,
		Quantity: req.Quantity,
		Type:     orderType,
		Ref:      fmt.Sprintf("eqf-%d", order.ID),
	})
	if err != nil {
		subErr := &SubmissionError{Err: err, Disconnected: broker.IsDisconnect(err)}
		logger.Error().Err(err).Bool("disconnected", subErr.Disconnected).Msg("Order placement failed")
		e.markError(bgCtx, order.ID, subErr.Error())
		metrics.OrdersFailed.WithLabelValues("broker").Inc()
		return order.ID, subErr
	}

	var permID *int64
	if res.PermID != 0 {
		permID = &res.PermID
	}
	submitted, err := e.store.MarkOrderSubmitted(bgCtx, order.ID, res.OrderID, permID)
	if err != nil {
		logger.Error().Err(err).Int64("broker_order_id", res.OrderID).Msg("Failed to record broker acknowledgement")
		return order.ID, fmt.Errorf("failed to mark order %d submitted: %w", order.ID, err)
	}

	metrics.OrdersSubmitted.WithLabelValues(string(side), orderType.Kind()).Inc()
	metrics.OrderSubmitLatency.Observe(float64(time.Since(start).Milliseconds()))
	e.publish(bgCtx, EventOrderSubmitted, submitted)

	logger.Info().
		Int64("broker_order_id", res.OrderID).
		Str("currency", contract.Currency).
		Msg("Order submitted")

	e.scheduleFillCheck(order.ID)
	return order.ID, nil
}

// Cancel cancels an open order at the broker, best effort, then locally
func (e *Executor) Cancel(ctx context.Context, id int64) (*db.Order, error) {
	order, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, ErrOrderTerminal
	}

	logger := e.log.With().Int64("order_id", id).Str("symbol", order.Symbol).Logger()

	if order.BrokerOrderID != nil {
		if err := e.gateway.CancelOrder(ctx, *order.BrokerOrderID); err != nil {
			logger.Warn().
				Err(err).
				Int64("broker_order_id", *order.BrokerOrderID).
				Msg("Broker cancel failed, cancelling locally")
		}
	}

	cancelled, err := e.store.MarkOrderCancelled(context.WithoutCancel(ctx), id, "cancelled by request")
	if err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			return nil, ErrOrderTerminal
		}
		return nil, fmt.Errorf("failed to cancel order %d: %w", id, err)
	}

	metrics.OrdersCancelled.Inc()
	e.publish(ctx, EventOrderCancelled, cancelled)
	logger.Info().Msg("Order cancelled")
	return cancelled, nil
}

// Close stops scheduling and waits for in-flight fill checks to return
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.cancel()
	e.mu.Unlock()

	e.checks.Wait()
}

func (e *Executor) scheduleFillCheck(id int64) {
	if e.reconciler == nil {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.checks.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.checks.Done()
		if err := e.reconciler.CheckAfterSettle(e.ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn().Err(err).Int64("order_id", id).Msg("Post-submission fill check failed")
		}
	}()
}

// resolve tries each configured currency in order
func (e *Executor) resolve(ctx context.Context, symbol string) (*broker.Contract, error) {
	var lastErr error
	for _, currency := range e.opts.Currencies {
		attemptCtx := ctx
		cancel := func() {}
		if e.opts.ResolveTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.opts.ResolveTimeout)
		}
		contract, err := e.gateway.ResolveContract(attemptCtx, symbol, e.opts.Exchange, currency)
		cancel()

		if err != nil {
			e.log.Debug().Err(err).Str("symbol", symbol).Str("currency", currency).Msg("Contract lookup failed")
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if contract != nil {
			return contract, nil
		}
	}
	return nil, &ContractResolutionError{Symbol: symbol, Currencies: e.opts.Currencies, Err: lastErr}
}

func (e *Executor) markError(ctx context.Context, id int64, msg string) {
	order, err := e.store.MarkOrderError(ctx, id, msg)
	if err != nil {
		e.log.Error().Err(err).Int64("order_id", id).Msg("Failed to mark order as error")
		return
	}
	e.publish(ctx, EventOrderError, order)
}

func (e *Executor) publish(ctx context.Context, event string, order *db.Order) {
	if e.events == nil || order == nil {
		return
	}
	e.events.PublishOrder(ctx, event, order)
}

func validate(req SubmitRequest) (broker.Side, broker.OrderType, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return "", nil, &ValidationError{Field: "symbol", Message: "is required"}
	}
	side, err := broker.ParseSide(req.Side)
	if err != nil {
		return "", nil, &ValidationError{Field: "side", Message: err.Error()}
	}
	if req.Quantity <= 0 {
		return "", nil, &ValidationError{Field: "quantity", Message: "must be a positive whole number of shares"}
	}
	orderType, err := broker.ParseOrderType(req.Kind, req.LimitPrice, req.StopPrice)
	if err != nil {
		field := "price"
		switch strings.ToUpper(req.Kind) {
		case broker.KindMarket, broker.KindLimit, broker.KindStop, broker.KindStopLimit:
		default:
			field = "kind"
		}
		return "", nil, &ValidationError{Field: field, Message: err.Error()}
	}
	return side, orderType, nil
}
