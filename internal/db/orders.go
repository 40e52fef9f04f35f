package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderKind represents the order type as stored
type OrderKind string

const (
	OrderKindMarket    OrderKind = "MARKET"
	OrderKindLimit     OrderKind = "LIMIT"
	OrderKindStop      OrderKind = "STOP"
	OrderKindStopLimit OrderKind = "STOP_LIMIT"
)

// OrderStatus represents the order lifecycle state
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusError     OrderStatus = "ERROR"
)

// IsTerminal reports whether no further transitions are possible
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusError
}

// Order represents a database order record
type Order struct {
	ID                int64
	BrokerOrderID     *int64
	BrokerPermID      *int64
	SessionID         *uuid.UUID
	Symbol            string
	Side              OrderSide
	Kind              OrderKind
	Quantity          int64
	LimitPrice        *float64
	StopPrice         *float64
	FilledQuantity    int64
	RemainingQuantity int64
	AvgFillPrice      *float64
	Status            OrderStatus
	StatusMessage     string
	PaperTrade        bool
	StrategyRef       *string
	CreatedAt         time.Time
	SubmittedAt       *time.Time
	FilledAt          *time.Time
	CancelledAt       *time.Time
	UpdatedAt         time.Time
}

// OrderFilter narrows ListOrders
type OrderFilter struct {
	Status    OrderStatus
	Symbol    string
	SessionID *uuid.UUID
	Limit     int
}

const orderColumns = `id, broker_order_id, broker_perm_id, session_id, symbol, side, kind,
		quantity, limit_price, stop_price, filled_quantity, remaining_quantity,
		avg_fill_price, status, status_message, paper_trade, strategy_ref,
		created_at, submitted_at, filled_at, cancelled_at, updated_at`

// InsertOrder persists a new PENDING order and assigns its id
func (db *DB) InsertOrder(ctx context.Context, order *Order) error {
	query := `
		INSERT INTO orders (
			session_id, symbol, side, kind, quantity, limit_price, stop_price,
			filled_quantity, remaining_quantity, status, status_message,
			paper_trade, strategy_ref, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, 0, $5, $8, $9, $10, $11, $12, $12
		)
		RETURNING id
	`

	now := time.Now().UTC()
	order.Status = OrderStatusPending
	order.FilledQuantity = 0
	order.RemainingQuantity = order.Quantity
	if order.StatusMessage == "" {
		order.StatusMessage = "created"
	}
	order.CreatedAt = now
	order.UpdatedAt = now

	id, err := retryValue(ctx, db, func(ctx context.Context) (int64, error) {
		var id int64
		err := db.pool.QueryRow(ctx, query,
			order.SessionID,
			order.Symbol,
			string(order.Side),
			string(order.Kind),
			order.Quantity,
			order.LimitPrice,
			order.StopPrice,
			string(order.Status),
			order.StatusMessage,
			order.PaperTrade,
			order.StrategyRef,
			now,
		).Scan(&id)
		return id, err
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("symbol", order.Symbol).
			Msg("Failed to insert order")
		return fmt.Errorf("failed to insert order: %w", err)
	}
	order.ID = id

	log.Debug().
		Int64("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Int64("quantity", order.Quantity).
		Msg("Order inserted into database")

	return nil
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, id int64) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ListOrders returns orders matching the filter, newest first
func (db *DB) ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if filter.SessionID != nil {
		args = append(args, *filter.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// ListReconcilableOrders returns open orders that carry a broker order id
func (db *DB) ListReconcilableOrders(ctx context.Context) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status IN ('PENDING', 'SUBMITTED') AND broker_order_id IS NOT NULL
		ORDER BY id`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcilable orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// ListBrokerOrderIDs maps every recorded broker order id to its local order id
func (db *DB) ListBrokerOrderIDs(ctx context.Context) (map[int64]int64, error) {
	query := `SELECT broker_order_id, id FROM orders WHERE broker_order_id IS NOT NULL`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list broker order ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]int64)
	for rows.Next() {
		var brokerID, id int64
		if err := rows.Scan(&brokerID, &id); err != nil {
			return nil, fmt.Errorf("failed to scan broker order id: %w", err)
		}
		ids[brokerID] = id
	}
	return ids, rows.Err()
}

// CountSessionOrdersSince counts orders of a session accepted by the broker
// since the given time
func (db *DB) CountSessionOrdersSince(ctx context.Context, sessionID uuid.UUID, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM orders
		WHERE session_id = $1
		AND status IN ('SUBMITTED', 'FILLED', 'CANCELLED')
		AND submitted_at >= $2
	`

	var count int64
	if err := db.pool.QueryRow(ctx, query, sessionID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count session orders: %w", err)
	}
	return int(count), nil
}

// MarkOrderSubmitted records the broker ids and moves the order to SUBMITTED
func (db *DB) MarkOrderSubmitted(ctx context.Context, id, brokerOrderID int64, permID *int64) (*Order, error) {
	order, _, err := db.mutateOrder(ctx, id, func(o *Order, now time.Time) (bool, error) {
		return true, o.MarkSubmitted(brokerOrderID, permID, now)
	})
	return order, err
}

// MarkOrderError moves a PENDING order to ERROR
func (db *DB) MarkOrderError(ctx context.Context, id int64, msg string) (*Order, error) {
	order, _, err := db.mutateOrder(ctx, id, func(o *Order, now time.Time) (bool, error) {
		return true, o.MarkError(msg, now)
	})
	return order, err
}

// MarkOrderCancelled moves an open order to CANCELLED
func (db *DB) MarkOrderCancelled(ctx context.Context, id int64, msg string) (*Order, error) {
	order, _, err := db.mutateOrder(ctx, id, func(o *Order, now time.Time) (bool, error) {
		return true, o.MarkCancelled(msg, now)
	})
	return order, err
}

// ApplyOrderFill merges a fill observation into an order. The returned flag
// is false when the row was left unchanged.
func (db *DB) ApplyOrderFill(ctx context.Context, id int64, fill Fill) (*Order, bool, error) {
	return db.mutateOrder(ctx, id, func(o *Order, now time.Time) (bool, error) {
		return o.ApplyFill(fill, now), nil
	})
}

// mutateOrder locks the order row, applies fn and writes the result back in
// the same transaction. No UPDATE is issued when fn reports no change.
func (db *DB) mutateOrder(ctx context.Context, id int64, fn func(o *Order, now time.Time) (bool, error)) (*Order, bool, error) {
	var (
		result  *Order
		changed bool
	)

	err := db.unitOfWork(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`
		order, err := scanOrder(tx.QueryRow(ctx, query, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("order %d: %w", id, ErrNotFound)
			}
			return fmt.Errorf("failed to lock order: %w", err)
		}

		ok, err := fn(order, time.Now().UTC())
		if err != nil {
			return err
		}
		result, changed = order, ok
		if !ok {
			return nil
		}

		update := `
			UPDATE orders
			SET broker_order_id = $2,
			    broker_perm_id = $3,
			    filled_quantity = $4,
			    remaining_quantity = $5,
			    avg_fill_price = $6,
			    status = $7,
			    status_message = $8,
			    submitted_at = $9,
			    filled_at = $10,
			    cancelled_at = $11,
			    updated_at = $12
			WHERE id = $1
		`
		_, err = tx.Exec(ctx, update,
			order.ID,
			order.BrokerOrderID,
			order.BrokerPermID,
			order.FilledQuantity,
			order.RemainingQuantity,
			order.AvgFillPrice,
			string(order.Status),
			order.StatusMessage,
			order.SubmittedAt,
			order.FilledAt,
			order.CancelledAt,
			order.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Error().
			Err(err).
			Int64("order_id", id).
			Msg("Failed to update order")
		return nil, false, err
	}

	if changed {
		log.Debug().
			Int64("order_id", result.ID).
			Str("status", string(result.Status)).
			Int64("filled", result.FilledQuantity).
			Msg("Order updated")
	}

	return result, changed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o      Order
		side   string
		kind   string
		status string
	)
	err := row.Scan(
		&o.ID,
		&o.BrokerOrderID,
		&o.BrokerPermID,
		&o.SessionID,
		&o.Symbol,
		&side,
		&kind,
		&o.Quantity,
		&o.LimitPrice,
		&o.StopPrice,
		&o.FilledQuantity,
		&o.RemainingQuantity,
		&o.AvgFillPrice,
		&status,
		&o.StatusMessage,
		&o.PaperTrade,
		&o.StrategyRef,
		&o.CreatedAt,
		&o.SubmittedAt,
		&o.FilledAt,
		&o.CancelledAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Side = OrderSide(side)
	o.Kind = OrderKind(kind)
	o.Status = OrderStatus(status)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]*Order, error) {
	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}
