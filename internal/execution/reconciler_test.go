package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/equityfunk/internal/broker"
	"github.com/ajitpratap0/equityfunk/internal/db"
)

func int64Ptr(v int64) *int64 { return &v }

func submittedOrder(symbol string, side db.OrderSide, qty, brokerID int64) db.Order {
	return db.Order{
		Symbol:        symbol,
		Side:          side,
		Kind:          db.OrderKindMarket,
		Quantity:      qty,
		Status:        db.OrderStatusSubmitted,
		BrokerOrderID: int64Ptr(brokerID),
	}
}

func TestCheckAfterSettlePartialFill(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	paper := broker.NewPaperBroker(broker.PaperOptions{MaxFillPerStep: 4})
	require.NoError(t, paper.Connect(ctx))
	paper.ListContract("AAPL", "USD")
	paper.SetMarketPrice("AAPL", 20)

	exec := NewExecutor(store, paper, nil, testOptions())
	defer exec.Close()
	rec := NewReconciler(store, paper, 0)

	id, err := exec.Submit(ctx, SubmitRequest{Symbol: "AAPL", Side: "BUY", Kind: "MARKET", Quantity: 10})
	require.NoError(t, err)

	require.NoError(t, rec.CheckAfterSettle(ctx, id))
	o, _ := store.GetOrder(ctx, id)
	assert.Equal(t, db.OrderStatusSubmitted, o.Status)
	assert.Equal(t, int64(4), o.FilledQuantity)
	assert.Equal(t, int64(6), o.RemainingQuantity)
	require.NotNil(t, o.AvgFillPrice)
	assert.InDelta(t, 20.0, *o.AvgFillPrice, 1e-9)

	paper.SetMarketPrice("AAPL", 22)
	paper.SetMarketPrice("AAPL", 22)
	require.NoError(t, rec.CheckAfterSettle(ctx, id))

	o, _ = store.GetOrder(ctx, id)
	assert.Equal(t, db.OrderStatusFilled, o.Status)
	assert.Equal(t, int64(10), o.FilledQuantity)
	assert.InDelta(t, (4*20.0+6*22.0)/10, *o.AvgFillPrice, 1e-9)
}

func TestCheckAfterSettleInfersBuyFromPosition(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	paper := newPaper(t)
	paper.SetPosition("AAPL", 10, 99)

	prior := 101.5
	seed := submittedOrder("AAPL", db.OrderSideBuy, 10, 999)
	seed.AvgFillPrice = &prior
	o := store.put(seed)

	rec := NewReconciler(store, paper, 0)
	require.NoError(t, rec.CheckAfterSettle(ctx, o.ID))

	got, _ := store.GetOrder(ctx, o.ID)
	assert.Equal(t, db.OrderStatusFilled, got.Status)
	assert.Equal(t, int64(10), got.FilledQuantity)
	require.NotNil(t, got.AvgFillPrice)
	assert.Equal(t, prior, *got.AvgFillPrice, "average price is kept when no executions are tagged")
	assert.Contains(t, got.StatusMessage, "inferred")
}

func TestCheckAfterSettleNoInferenceForSell(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	paper := newPaper(t)
	paper.SetPosition("AAPL", 50, 99)

	o := store.put(submittedOrder("AAPL", db.OrderSideSell, 10, 999))
	rec := NewReconciler(store, paper, 0)
	require.NoError(t, rec.CheckAfterSettle(ctx, o.ID))

	got, _ := store.GetOrder(ctx, o.ID)
	assert.Equal(t, db.OrderStatusSubmitted, got.Status)
	assert.Zero(t, got.FilledQuantity)
	assert.Equal(t, 0, store.updateCount())
}

func TestCheckAfterSettleTerminalOrder(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	paper := newPaper(t)
	paper.SetPosition("AAPL", 10, 1)

	seed := submittedOrder("AAPL", db.OrderSideBuy, 10, 1)
	seed.Status = db.OrderStatusCancelled
	o := store.put(seed)

	rec := NewReconciler(store, paper, 0)
	require.NoError(t, rec.CheckAfterSettle(ctx, o.ID))
	assert.Equal(t, 0, store.updateCount())
}

func TestCheckAfterSettleHonoursContext(t *testing.T) {
	store := newMemStore()
	paper := newPaper(t)
	rec := NewReconciler(store, paper, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, rec.CheckAfterSettle(ctx, 1), context.Canceled)
}

func TestSweepCorrectsBrokerID(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	paper := newPaper(t)
	paper.InjectExecution(broker.Execution{OrderID: 77, Symbol: "TTE", Side: broker.SideBuy, Quantity: 6, Price: 60})
	paper.InjectExecution(broker.Execution{OrderID: 77, Symbol: "TTE", Side: broker.SideBuy, Quantity: 4, Price: 61})

	o := store.put(submittedOrder("TTE", db.OrderSideBuy, 10, 55))

	rec := NewReconciler(store, paper, 0)
	report, err := rec.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, report.ExactMatches)
	assert.Equal(t, 1, report.HeuristicMatches)
	assert.Equal(t, 0, report.Unmatched)
	assert.Equal(t, []int64{77}, report.MatchedTradeIDs)

	got, _ := store.GetOrder(ctx, o.ID)
	assert.Equal(t, db.OrderStatusFilled, got.Status)
	require.NotNil(t, got.BrokerOrderID)
	assert.Equal(t, int64(77), *got.BrokerOrderID)
	require.NotNil(t, got.AvgFillPrice)
	assert.InDelta(t, 60.4, *got.AvgFillPrice, 1e-9)
}

func TestSweepExactBeforeHeuristic(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	paper := newPaper(t)
	paper.InjectExecution(broker.Execution{OrderID: 10, Symbol: "AAPL", Side: broker.SideBuy, Quantity: 5, Price: 100})

	// Lower id would claim trade 10 heuristically if tiers were interleaved
	stale := store.put(submittedOrder("AAPL", db.OrderSideBuy, 5, 3))
	exact := store.put(submittedOrder("AAPL", db.OrderSideBuy, 5, 10))

	rec := NewReconciler(store, paper, 0)
	report, err := rec.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.ExactMatches)
	assert.Equal(t, 0, report.HeuristicMatches)
	assert.Equal(t, 1, report.Unmatched)

	got, _ := store.GetOrder(ctx, exact.ID)
	assert.Equal(t, db.OrderStatusFilled, got.Status)
	got, _ = store.GetOrder(ctx, stale.ID)
	assert.Equal(t, db.OrderStatusSubmitted, got.Status)
	assert.Equal(t, int64(3), *got.BrokerOrderID)
}

func TestSweepSkipsTradesOwnedByOtherOrders(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	paper := newPaper(t)
	paper.InjectExecution(broker.Execution{OrderID: 40, Symbol: "AAPL", Side: broker.SideSell, Quantity: 2, Price: 100})

	// Order 1 already recorded broker id 40 and is FILLED; order 2 looks alike
	owner := submittedOrder("AAPL", db.OrderSideSell, 2, 40)
	owner.Status = db.OrderStatusFilled
	owner.FilledQuantity = 2
	store.put(owner)
	candidate := store.put(submittedOrder("AAPL", db.OrderSideSell, 2, 41))

	rec := NewReconciler(store, paper, 0)
	report, err := rec.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, report.HeuristicMatches)
	assert.Equal(t, 1, report.Unmatched)

	got, _ := store.GetOrder(ctx, candidate.ID)
	assert.Equal(t, db.OrderStatusSubmitted, got.Status)
}

func TestSweepOneTradePerOrder(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	paper := newPaper(t)
	paper.InjectExecution(broker.Execution{OrderID: 500, Symbol: "MSFT", Side: broker.SideBuy, Quantity: 3, Price: 300})

	store.put(submittedOrder("MSFT", db.OrderSideBuy, 3, 1))
	store.put(submittedOrder("MSFT", db.OrderSideBuy, 3, 2))

	rec := NewReconciler(store, paper, 0)
	report, err := rec.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.HeuristicMatches)
	assert.Equal(t, 1, report.Unmatched)
	assert.Len(t, report.MatchedTradeIDs, report.ExactMatches+report.HeuristicMatches)
}

func TestSweepIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	paper := newPaper(t)
	paper.InjectExecution(broker.Execution{OrderID: 8, Symbol: "AAPL", Side: broker.SideBuy, Quantity: 4, Price: 10})

	o := store.put(submittedOrder("AAPL", db.OrderSideBuy, 10, 8))
	rec := NewReconciler(store, paper, 0)

	first, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Updated)
	updates := store.updateCount()

	second, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.ExactMatches)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, updates, store.updateCount(), "a repeat sweep writes nothing")

	got, _ := store.GetOrder(ctx, o.ID)
	assert.Equal(t, int64(4), got.FilledQuantity)
	assert.Equal(t, db.OrderStatusSubmitted, got.Status)
}

func TestSweepNoOpenOrders(t *testing.T) {
	paper := broker.NewPaperBroker(broker.DefaultPaperOptions())
	rec := NewReconciler(newMemStore(), paper, 0)

	report, err := rec.Sweep(context.Background())
	require.NoError(t, err, "broker is not consulted when nothing is open")
	assert.Zero(t, report.Checked)
}

func TestSweepBrokerFailure(t *testing.T) {
	store := newMemStore()
	store.put(submittedOrder("AAPL", db.OrderSideBuy, 1, 1))
	paper := broker.NewPaperBroker(broker.DefaultPaperOptions())

	rec := NewReconciler(store, paper, 0)
	_, err := rec.Sweep(context.Background())
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}

func TestAggregateExecutions(t *testing.T) {
	trades := aggregateExecutions([]broker.Execution{
		{OrderID: 2, Symbol: "b", Side: broker.SideSell, Quantity: 1, Price: 10},
		{OrderID: 1, Symbol: "a", Side: broker.SideBuy, Quantity: 1, Price: 10},
		{OrderID: 1, Symbol: "a", Side: broker.SideBuy, Quantity: 3, Price: 20},
	})

	require.Len(t, trades, 2)
	assert.Equal(t, int64(1), trades[0].ID)
	assert.Equal(t, "A", trades[0].Symbol)
	assert.Equal(t, int64(4), trades[0].Quantity)
	assert.InDelta(t, 17.5, trades[0].AvgPrice, 1e-9)
	assert.Equal(t, broker.SideSell, trades[1].Side)
}

func TestRunStopsOnCancel(t *testing.T) {
	rec := NewReconciler(newMemStore(), newPaper(t), 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		rec.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
