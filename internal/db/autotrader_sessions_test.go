package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionColumnNames = []string{
	"id", "symbol", "strategy_name", "strategy_params", "status",
	"poll_interval_seconds", "max_position_size", "max_daily_trades", "current_position",
	"total_orders", "successful_orders", "failed_orders", "last_signal", "last_signal_at",
	"last_check_at", "error_message", "paper_trading", "started_at", "stopped_at",
	"created_at", "updated_at",
}

func sessionRow(id uuid.UUID, status SessionStatus, position int64) []any {
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	return []any{
		id, "TTE", "sma_crossover", map[string]interface{}{"short_window": float64(5)}, string(status),
		int32(60), int64(100), int32(5), position,
		int32(2), int32(1), int32(1), (*string)(nil), (*time.Time)(nil),
		(*time.Time)(nil), (*string)(nil), true, (*time.Time)(nil), (*time.Time)(nil),
		now, now,
	}
}

func TestCreateAutoTraderSession(t *testing.T) {
	database, mock := newMockDB(t)

	mock.ExpectExec("INSERT INTO autotrader_sessions").
		WithArgs(
			pgxmock.AnyArg(), "TTE", "rsi", map[string]interface{}{"period": 14}, "STOPPED",
			int32(30), int64(100), int32(5), int64(0), true, pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := &AutoTraderSession{
		Symbol:              "TTE",
		StrategyName:        "rsi",
		StrategyParams:      map[string]interface{}{"period": 14},
		PollIntervalSeconds: 30,
		MaxPositionSize:     100,
		MaxDailyTrades:      5,
		PaperTrading:        true,
	}
	require.NoError(t, database.CreateAutoTraderSession(context.Background(), s))

	assert.NotEqual(t, uuid.Nil, s.ID)
	assert.Equal(t, SessionStatusStopped, s.Status)
	assert.Equal(t, 30*time.Second, s.PollInterval())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAutoTraderSession(t *testing.T) {
	database, mock := newMockDB(t)
	id := uuid.New()

	mock.ExpectQuery("FROM autotrader_sessions WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(sessionColumnNames).AddRow(sessionRow(id, SessionStatusRunning, 40)...))

	s, err := database.GetAutoTraderSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)
	assert.Equal(t, SessionStatusRunning, s.Status)
	assert.Equal(t, int64(40), s.CurrentPosition)
	assert.Equal(t, float64(5), s.StrategyParams["short_window"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAutoTraderSessionsByStatus(t *testing.T) {
	database, mock := newMockDB(t)
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery("WHERE status = \\$1").
		WithArgs("RUNNING").
		WillReturnRows(pgxmock.NewRows(sessionColumnNames).
			AddRow(sessionRow(a, SessionStatusRunning, 0)...).
			AddRow(sessionRow(b, SessionStatusRunning, 10)...))

	sessions, err := database.ListAutoTraderSessions(context.Background(), SessionStatusRunning)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, b, sessions[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSessionStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  SessionStatus
		pattern string
		rows    int64
		wantErr error
	}{
		{name: "running stamps started_at", status: SessionStatusRunning, pattern: "started_at = \\$4", rows: 1},
		{name: "stopped stamps stopped_at", status: SessionStatusStopped, pattern: "stopped_at = \\$4", rows: 1},
		{name: "missing session", status: SessionStatusError, pattern: "stopped_at = \\$4", rows: 0, wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database, mock := newMockDB(t)
			id := uuid.New()

			mock.ExpectExec(tt.pattern).
				WithArgs(id, string(tt.status), pgxmock.AnyArg(), pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.rows))

			err := database.SetSessionStatus(context.Background(), id, tt.status, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRecordSessionCycle(t *testing.T) {
	database, mock := newMockDB(t)
	id := uuid.New()
	signal := "BUY"
	at := time.Date(2026, 1, 2, 15, 30, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE autotrader_sessions").
		WithArgs(id, int64(10), int32(1), int32(1), int32(0), &signal, &at, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := database.RecordSessionCycle(context.Background(), id, SessionCycle{
		CurrentPosition:  10,
		TotalOrders:      1,
		SuccessfulOrders: 1,
		LastSignal:       &signal,
		LastSignalAt:     &at,
		LastCheckAt:      at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSessionPosition(t *testing.T) {
	database, mock := newMockDB(t)
	id := uuid.New()

	mock.ExpectExec("SET current_position").
		WithArgs(id, int64(25), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, database.SetSessionPosition(context.Background(), id, 25))
	require.NoError(t, mock.ExpectationsWereMet())
}
