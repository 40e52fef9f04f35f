package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// SessionStatus represents the auto-trader session state
type SessionStatus string

const (
	SessionStatusStopped SessionStatus = "STOPPED"
	SessionStatusRunning SessionStatus = "RUNNING"
	SessionStatusError   SessionStatus = "ERROR"
)

// AutoTraderSession is a persisted auto-trading configuration plus its
// running bookkeeping
type AutoTraderSession struct {
	ID                  uuid.UUID
	Symbol              string
	StrategyName        string
	StrategyParams      map[string]interface{}
	Status              SessionStatus
	PollIntervalSeconds int32
	MaxPositionSize     int64
	MaxDailyTrades      int32
	CurrentPosition     int64
	TotalOrders         int32
	SuccessfulOrders    int32
	FailedOrders        int32
	LastSignal          *string
	LastSignalAt        *time.Time
	LastCheckAt         *time.Time
	ErrorMessage        *string
	PaperTrading        bool
	StartedAt           *time.Time
	StoppedAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PollInterval returns the poll interval as a duration
func (s *AutoTraderSession) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// SessionCycle is the bookkeeping committed after each runner cycle
type SessionCycle struct {
	CurrentPosition  int64
	TotalOrders      int32
	SuccessfulOrders int32
	FailedOrders     int32
	LastSignal       *string
	LastSignalAt     *time.Time
	LastCheckAt      time.Time
}

const sessionColumns = `id, symbol, strategy_name, strategy_params, status,
		poll_interval_seconds, max_position_size, max_daily_trades, current_position,
		total_orders, successful_orders, failed_orders, last_signal, last_signal_at,
		last_check_at, error_message, paper_trading, started_at, stopped_at,
		created_at, updated_at`

// CreateAutoTraderSession persists a new STOPPED session
func (db *DB) CreateAutoTraderSession(ctx context.Context, s *AutoTraderSession) error {
	query := `
		INSERT INTO autotrader_sessions (
			id, symbol, strategy_name, strategy_params, status, poll_interval_seconds,
			max_position_size, max_daily_trades, current_position, paper_trading,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11
		)
	`

	now := time.Now().UTC()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.StrategyParams == nil {
		s.StrategyParams = map[string]interface{}{}
	}
	s.Status = SessionStatusStopped
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := db.execWithRetry(ctx, query,
		s.ID,
		s.Symbol,
		s.StrategyName,
		s.StrategyParams,
		string(s.Status),
		s.PollIntervalSeconds,
		s.MaxPositionSize,
		s.MaxDailyTrades,
		s.CurrentPosition,
		s.PaperTrading,
		now,
	)
	if err != nil {
		log.Error().
			Err(err).
			Str("session_id", s.ID.String()).
			Msg("Failed to create auto-trader session")
		return fmt.Errorf("failed to create auto-trader session: %w", err)
	}

	log.Info().
		Str("session_id", s.ID.String()).
		Str("symbol", s.Symbol).
		Str("strategy", s.StrategyName).
		Msg("Auto-trader session created")

	return nil
}

// GetAutoTraderSession retrieves a session by id
func (db *DB) GetAutoTraderSession(ctx context.Context, id uuid.UUID) (*AutoTraderSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM autotrader_sessions WHERE id = $1`

	s, err := scanSession(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("auto-trader session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get auto-trader session: %w", err)
	}
	return s, nil
}

// ListAutoTraderSessions lists sessions, optionally filtered by status
func (db *DB) ListAutoTraderSessions(ctx context.Context, status SessionStatus) ([]*AutoTraderSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM autotrader_sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-trader sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*AutoTraderSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auto-trader session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auto-trader sessions: %w", err)
	}
	return sessions, nil
}

// SetSessionStatus updates the status. RUNNING stamps started_at and clears
// the error message; STOPPED and ERROR stamp stopped_at.
func (db *DB) SetSessionStatus(ctx context.Context, id uuid.UUID, status SessionStatus, errMsg *string) error {
	var query string
	switch status {
	case SessionStatusRunning:
		query = `
			UPDATE autotrader_sessions
			SET status = $2, error_message = $3, started_at = $4, stopped_at = NULL, updated_at = $4
			WHERE id = $1
		`
	default:
		query = `
			UPDATE autotrader_sessions
			SET status = $2, error_message = $3, stopped_at = $4, updated_at = $4
			WHERE id = $1
		`
	}

	result, err := db.execWithRetry(ctx, query, id, string(status), errMsg, time.Now().UTC())
	if err != nil {
		log.Error().
			Err(err).
			Str("session_id", id.String()).
			Str("status", string(status)).
			Msg("Failed to update auto-trader session status")
		return fmt.Errorf("failed to update auto-trader session status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("auto-trader session %s: %w", id, ErrNotFound)
	}

	log.Info().
		Str("session_id", id.String()).
		Str("status", string(status)).
		Msg("Auto-trader session status updated")

	return nil
}

// RecordSessionCycle commits the bookkeeping of one runner cycle
func (db *DB) RecordSessionCycle(ctx context.Context, id uuid.UUID, c SessionCycle) error {
	query := `
		UPDATE autotrader_sessions
		SET current_position = $2,
		    total_orders = $3,
		    successful_orders = $4,
		    failed_orders = $5,
		    last_signal = COALESCE($6, last_signal),
		    last_signal_at = COALESCE($7, last_signal_at),
		    last_check_at = $8,
		    updated_at = $8
		WHERE id = $1
	`

	result, err := db.execWithRetry(ctx, query,
		id,
		c.CurrentPosition,
		c.TotalOrders,
		c.SuccessfulOrders,
		c.FailedOrders,
		c.LastSignal,
		c.LastSignalAt,
		c.LastCheckAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record session cycle: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("auto-trader session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetSessionPosition overwrites the tracked position, used by position sync
func (db *DB) SetSessionPosition(ctx context.Context, id uuid.UUID, position int64) error {
	query := `UPDATE autotrader_sessions SET current_position = $2, updated_at = $3 WHERE id = $1`

	result, err := db.execWithRetry(ctx, query, id, position, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set session position: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("auto-trader session %s: %w", id, ErrNotFound)
	}

	log.Info().
		Str("session_id", id.String()).
		Int64("position", position).
		Msg("Auto-trader session position synchronised")
	return nil
}

func scanSession(row rowScanner) (*AutoTraderSession, error) {
	var (
		s      AutoTraderSession
		status string
	)
	err := row.Scan(
		&s.ID,
		&s.Symbol,
		&s.StrategyName,
		&s.StrategyParams,
		&status,
		&s.PollIntervalSeconds,
		&s.MaxPositionSize,
		&s.MaxDailyTrades,
		&s.CurrentPosition,
		&s.TotalOrders,
		&s.SuccessfulOrders,
		&s.FailedOrders,
		&s.LastSignal,
		&s.LastSignalAt,
		&s.LastCheckAt,
		&s.ErrorMessage,
		&s.PaperTrading,
		&s.StartedAt,
		&s.StoppedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = SessionStatus(status)
	return &s, nil
}
