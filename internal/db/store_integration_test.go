//go:build integration

package db_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/equityfunk/internal/db"
	"github.com/ajitpratap0/equityfunk/internal/db/testhelpers"
)

// TestOrderLifecycleWithTestcontainers tests the order state machine against
// a real PostgreSQL
func TestOrderLifecycleWithTestcontainers(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	ctx := context.Background()

	session := &db.AutoTraderSession{
		Symbol:              "TTE",
		StrategyName:        "sma_crossover",
		PollIntervalSeconds: 60,
		MaxPositionSize:     100,
		MaxDailyTrades:      5,
		PaperTrading:        true,
	}
	require.NoError(t, tc.DB.CreateAutoTraderSession(ctx, session))

	order := &db.Order{
		SessionID:  &session.ID,
		Symbol:     "TTE",
		Side:       db.OrderSideBuy,
		Kind:       db.OrderKindMarket,
		Quantity:   10,
		PaperTrade: true,
	}
	require.NoError(t, tc.DB.InsertOrder(ctx, order))
	assert.Positive(t, order.ID)

	_, err := tc.DB.MarkOrderSubmitted(ctx, order.ID, 55, nil)
	require.NoError(t, err)

	reconcilable, err := tc.DB.ListReconcilableOrders(ctx)
	require.NoError(t, err)
	require.Len(t, reconcilable, 1)

	price := 61.25
	got, changed, err := tc.DB.ApplyOrderFill(ctx, order.ID, db.Fill{FilledQuantity: 10, AvgPrice: &price})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, db.OrderStatusFilled, got.Status)

	_, changed, err = tc.DB.ApplyOrderFill(ctx, order.ID, db.Fill{FilledQuantity: 10, AvgPrice: &price})
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = tc.DB.MarkOrderCancelled(ctx, order.ID, "too late")
	assert.ErrorIs(t, err, db.ErrInvalidTransition)

	count, err := tc.DB.CountSessionOrdersSince(ctx, session.ID, order.CreatedAt.Add(-1))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestConcurrentFillsWithTestcontainers tests that concurrent fill updates
// leave filled_quantity at the maximum reported value
func TestConcurrentFillsWithTestcontainers(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	ctx := context.Background()

	order := &db.Order{Symbol: "AIR", Side: db.OrderSideBuy, Kind: db.OrderKindMarket, Quantity: 100}
	require.NoError(t, tc.DB.InsertOrder(ctx, order))
	_, err := tc.DB.MarkOrderSubmitted(ctx, order.ID, 1, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(filled int64) {
			defer wg.Done()
			_, _, _ = tc.DB.ApplyOrderFill(ctx, order.ID, db.Fill{FilledQuantity: filled * 3})
		}(i)
	}
	wg.Wait()

	got, err := tc.DB.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, got.FilledQuantity, got.Quantity)
	assert.Equal(t, got.Quantity, got.FilledQuantity+got.RemainingQuantity)
}
