// Package broker defines the brokerage gateway used by the execution engine
// and its implementations: an in-process paper broker, a Binance adapter and
// a guarding decorator that serializes, rate-limits and circuit-breaks calls.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotConnected is returned by calls made while the session is down
	ErrNotConnected = errors.New("broker not connected")

	// ErrConnectionLost is returned when the session drops mid-call
	ErrConnectionLost = errors.New("broker connection lost")

	// ErrUnavailable is returned while the circuit breaker rejects calls
	ErrUnavailable = errors.New("broker unavailable")

	// ErrOrderNotFound is returned when cancelling an order the broker does not know
	ErrOrderNotFound = errors.New("broker order not found")
)

// Gateway is a single brokerage session. Implementations are not required
// to be safe for concurrent use; wrap them in Guarded.
type Gateway interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	// ResolveContract returns nil, nil when the instrument is unknown
	ResolveContract(ctx context.Context, symbol, exchange, currency string) (*Contract, error)
	PlaceOrder(ctx context.Context, contract Contract, spec OrderSpec) (PlaceResult, error)
	CancelOrder(ctx context.Context, orderID int64) error
	Positions(ctx context.Context) ([]Position, error)
	// Executions returns fills since the given time, or all known fills when since is nil
	Executions(ctx context.Context, since *time.Time) ([]Execution, error)
	// LatestPrice returns nil, nil when no price is available
	LatestPrice(ctx context.Context, symbol string) (*Bar, error)
	Close() error
}

// IsDisconnect reports whether err means the broker session is unusable
// for now, so the caller should back off rather than give up
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "i/o timeout")
}

// PositionFor returns the quantity held for symbol, zero when absent
func PositionFor(positions []Position, symbol string) int64 {
	var total int64
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) {
			total += p.Quantity
		}
	}
	return total
}
