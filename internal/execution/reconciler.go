package execution

import (
	"context"
	"fmt"
	"sort"
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

// Match tiers
const (
	TierExact     = "exact"
	TierHeuristic = "heuristic"
)

// executionLookback widens the execution query of a settle check to cover
// broker clock skew
const executionLookback = time.Minute

// Reconciler moves broker executions into the order store, either for a
// single order shortly after submission or for every open order in bulk
type Reconciler struct {
	store       Store
	gateway     broker.Gateway
	settleDelay time.Duration
	events      OrderEvents
	log         zerolog.Logger

	// sweepMu keeps periodic and on-demand sweeps from interleaving
	sweepMu sync.Mutex
}

// NewReconciler creates a reconciler
func NewReconciler(store Store, gateway broker.Gateway, settleDelay time.Duration) *Reconciler {
	return &Reconciler{
		store:       store,
		gateway:     gateway,
		settleDelay: settleDelay,
		log:         config.NewLogger("reconciler"),
	}
}

// SetEvents attaches an event sink
func (r *Reconciler) SetEvents(events OrderEvents) {
	r.events = events
}

// CheckAfterSettle waits for the settle delay and then applies whatever the
// broker reports for the order. For BUY orders a broker position at least as
// large as the order quantity marks it FILLED even without tagged executions;
// the average price then stays as it was. The position inference is
// deliberately limited to BUY orders: a flat or reduced position cannot tell
// which of several sells filled, so SELL orders wait for executions or the
// bulk sweep.
func (r *Reconciler) CheckAfterSettle(ctx context.Context, orderID int64) error {
	if r.settleDelay > 0 {
		timer := time.NewTimer(r.settleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to reload order %d: %w", orderID, err)
	}
	if order.Status.IsTerminal() {
		return nil
	}

	positions, err := r.gateway.Positions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch positions: %w", err)
	}
	since := order.CreatedAt.Add(-executionLookback)
	execs, err := r.gateway.Executions(ctx, &since)
	if err != nil {
		return fmt.Errorf("failed to fetch executions: %w", err)
	}

	var fill db.Fill
	var total int64
	var notional float64
	if order.BrokerOrderID != nil {
		for _, e := range execs {
			if e.OrderID == *order.BrokerOrderID && strings.EqualFold(e.Symbol, order.Symbol) {
				total += e.Quantity
				notional += e.Price * float64(e.Quantity)
			}
		}
	}
	if total > 0 {
		avg := notional / float64(total)
		fill.FilledQuantity = total
		fill.AvgPrice = &avg
	}

	held := broker.PositionFor(positions, order.Symbol)
	if order.Side == db.OrderSideBuy && held >= order.Quantity && fill.FilledQuantity < order.Quantity {
		fill.FilledQuantity = order.Quantity
		fill.Message = "filled (inferred from broker position)"
	}

	if fill.FilledQuantity == 0 {
		r.log.Debug().
			Int64("order_id", orderID).
			Str("symbol", order.Symbol).
			Msg("No fill observed after settle delay")
		return nil
	}

	updated, changed, err := r.store.ApplyOrderFill(ctx, orderID, fill)
	if err != nil {
		return fmt.Errorf("failed to apply fill to order %d: %w", orderID, err)
	}
	if changed {
		r.fillApplied(ctx, updated, "settle_check")
	}
	return nil
}

// SweepReport summarizes one bulk reconciliation pass
type SweepReport struct {
	ID               uuid.UUID     `json:"id"`
	Checked          int           `json:"checked"`
	Trades           int           `json:"trades"`
	ExactMatches     int           `json:"exact_matches"`
	HeuristicMatches int           `json:"heuristic_matches"`
	Unmatched        int           `json:"unmatched"`
	Updated          int           `json:"updated"`
	Failed           int           `json:"failed"`
	MatchedTradeIDs  []int64       `json:"matched_trade_ids"`
	Duration         time.Duration `json:"duration"`
}

// brokerTrade is the sum of all executions sharing one broker order id
type brokerTrade struct {
	ID       int64
	Symbol   string
	Side     broker.Side
	Quantity int64
	AvgPrice float64
}

// aggregateExecutions folds executions into trades ordered by broker id
func aggregateExecutions(execs []broker.Execution) []*brokerTrade {
	byID := make(map[int64]*brokerTrade)
	notional := make(map[int64]float64)

	for _, e := range execs {
		t, ok := byID[e.OrderID]
		if !ok {
			t = &brokerTrade{ID: e.OrderID, Symbol: strings.ToUpper(e.Symbol), Side: e.Side}
			byID[e.OrderID] = t
		}
		t.Quantity += e.Quantity
		notional[e.OrderID] += e.Price * float64(e.Quantity)
	}

	trades := make([]*brokerTrade, 0, len(byID))
	for id, t := range byID {
		if t.Quantity > 0 {
			t.AvgPrice = notional[id] / float64(t.Quantity)
		}
		trades = append(trades, t)
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })
	return trades
}

// Sweep matches every open order carrying a broker id against the broker's
// executions. Exact matches on broker id are taken first for all orders;
// the remaining orders may then claim an unmatched trade with the same
// symbol, side and quantity that no other local order references, in which
// case the local broker id is corrected. Each trade satisfies at most one
// order per sweep, and a sweep without new executions writes nothing.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	start := time.Now()
	report := SweepReport{ID: uuid.New(), MatchedTradeIDs: []int64{}}
	logger := r.log.With().Str("sweep_id", report.ID.String()).Logger()

	orders, err := r.store.ListReconcilableOrders(ctx)
	if err != nil {
		metrics.ReconciliationSweeps.WithLabelValues(metrics.ResultFailure).Inc()
		return report, fmt.Errorf("failed to list open orders: %w", err)
	}
	report.Checked = len(orders)
	if len(orders) == 0 {
		metrics.ReconciliationSweeps.WithLabelValues(metrics.ResultSuccess).Inc()
		report.Duration = time.Since(start)
		return report, nil
	}

	execs, err := r.gateway.Executions(ctx, nil)
	if err != nil {
		metrics.ReconciliationSweeps.WithLabelValues(metrics.ResultFailure).Inc()
		return report, fmt.Errorf("failed to fetch executions: %w", err)
	}
	trades := aggregateExecutions(execs)
	report.Trades = len(trades)

	byID := make(map[int64]*brokerTrade, len(trades))
	for _, t := range trades {
		byID[t.ID] = t
	}

	known, err := r.store.ListBrokerOrderIDs(ctx)
	if err != nil {
		metrics.ReconciliationSweeps.WithLabelValues(metrics.ResultFailure).Inc()
		return report, fmt.Errorf("failed to list broker order ids: %w", err)
	}

	matched := make(map[int64]struct{})
	var remaining []*db.Order

	for _, o := range orders {
		t, ok := byID[*o.BrokerOrderID]
		if !ok {
			remaining = append(remaining, o)
			continue
		}
		if _, taken := matched[t.ID]; taken {
			remaining = append(remaining, o)
			continue
		}
		matched[t.ID] = struct{}{}
		report.ExactMatches++
		metrics.ReconciliationMatches.WithLabelValues(TierExact).Inc()

		r.applyTrade(ctx, logger, &report, o, t, nil)
	}

	for _, o := range remaining {
		t := findHeuristicMatch(o, trades, matched, known)
		if t == nil {
			report.Unmatched++
			metrics.ReconciliationUnmatched.Inc()
			logger.Warn().
				Int64("order_id", o.ID).
				Int64("broker_order_id", *o.BrokerOrderID).
				Str("symbol", o.Symbol).
				Str("side", string(o.Side)).
				Int64("quantity", o.Quantity).
				Msg("Reconciliation mismatch: no broker trade for open order")
			continue
		}
		matched[t.ID] = struct{}{}
		report.HeuristicMatches++
		metrics.ReconciliationMatches.WithLabelValues(TierHeuristic).Inc()

		logger.Info().
			Int64("order_id", o.ID).
			Int64("broker_order_id", *o.BrokerOrderID).
			Int64("observed_broker_order_id", t.ID).
			Msg("Correcting broker order id from heuristic match")

		id := t.ID
		r.applyTrade(ctx, logger, &report, o, t, &id)
	}

	for id := range matched {
		report.MatchedTradeIDs = append(report.MatchedTradeIDs, id)
	}
	sort.Slice(report.MatchedTradeIDs, func(i, j int) bool { return report.MatchedTradeIDs[i] < report.MatchedTradeIDs[j] })
	report.Duration = time.Since(start)

	metrics.ReconciliationSweeps.WithLabelValues(metrics.ResultSuccess).Inc()
	logger.Info().
		Int("checked", report.Checked).
		Int("exact", report.ExactMatches).
		Int("heuristic", report.HeuristicMatches).
		Int("unmatched", report.Unmatched).
		Int("updated", report.Updated).
		Dur("duration", report.Duration).
		Msg("Reconciliation sweep complete")

	return report, nil
}

// Run sweeps every interval until ctx is cancelled
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", interval).Msg("Reconciliation sweeper started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Reconciliation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("Reconciliation sweep failed")
			}
		}
	}
}

func findHeuristicMatch(o *db.Order, trades []*brokerTrade, matched map[int64]struct{}, known map[int64]int64) *brokerTrade {
	for _, t := range trades {
		if _, taken := matched[t.ID]; taken {
			continue
		}
		if t.Symbol != strings.ToUpper(o.Symbol) || string(t.Side) != string(o.Side) || t.Quantity != o.Quantity {
			continue
		}
		if owner, ok := known[t.ID]; ok && owner != o.ID {
			continue
		}
		return t
	}
	return nil
}

func (r *Reconciler) applyTrade(ctx context.Context, logger zerolog.Logger, report *SweepReport, o *db.Order, t *brokerTrade, correctedID *int64) {
	avg := t.AvgPrice
	updated, changed, err := r.store.ApplyOrderFill(ctx, o.ID, db.Fill{
		FilledQuantity: t.Quantity,
		AvgPrice:       &avg,
		BrokerOrderID:  correctedID,
	})
	if err != nil {
		report.Failed++
		logger.Error().Err(err).Int64("order_id", o.ID).Msg("Failed to apply reconciled fill")
		return
	}
	if changed {
		report.Updated++
		r.fillApplied(ctx, updated, "sweep")
	}
}

func (r *Reconciler) fillApplied(ctx context.Context, order *db.Order, source string) {
	event := EventOrderPartial
	if order.Status == db.OrderStatusFilled {
		event = EventOrderFilled
		metrics.OrdersFilled.WithLabelValues(source).Inc()
	}

	r.log.Info().
		Int64("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("status", string(order.Status)).
		Int64("filled_quantity", order.FilledQuantity).
		Str("source", source).
		Msg("Order fill recorded")

	if r.events != nil {
		r.events.PublishOrder(ctx, event, order)
	}
}
