package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/equityfunk/internal/config"
	"github.com/ajitpratap0/equityfunk/internal/metrics"
)

// breakerService labels the broker circuit breaker in metrics
const breakerService = "broker"

// GuardOptions configures Guarded
type GuardOptions struct {
	CallTimeout  time.Duration
	PlaceTimeout time.Duration
	// RateLimit is calls per second; zero disables limiting
	RateLimit float64
	Burst     int

	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// GuardOptionsFromConfig maps broker config onto GuardOptions
func GuardOptionsFromConfig(cfg config.BrokerConfig) GuardOptions {
	return GuardOptions{
		CallTimeout:     cfg.CallTimeout,
		PlaceTimeout:    cfg.PlaceTimeout,
		RateLimit:       cfg.RateLimit,
		Burst:           cfg.Burst,
		MinRequests:     cfg.Breaker.MinRequests,
		FailureRatio:    cfg.Breaker.FailureRatio,
		OpenTimeout:     cfg.Breaker.OpenTimeout,
		HalfOpenMaxReqs: cfg.Breaker.HalfOpenMaxReqs,
		CountInterval:   cfg.Breaker.CountInterval,
	}
}

// Guarded wraps a Gateway so it can be shared by every session and the
// reconciler: calls are serialized, rate limited, bounded by a timeout and
// short-circuited while the broker keeps failing.
type Guarded struct {
	inner   Gateway
	opts    GuardOptions
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	// callMu serializes calls into inner
	callMu sync.Mutex
}

// NewGuarded wraps inner
func NewGuarded(inner Gateway, opts GuardOptions) *Guarded {
	g := &Guarded{inner: inner, opts: opts}

	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerService,
		MaxRequests: opts.HalfOpenMaxReqs,
		Interval:    opts.CountInterval,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= opts.MinRequests && failureRatio >= opts.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Rejections for bad input say nothing about broker health
			return err == nil || errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrInvalidOrderType) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Broker circuit breaker state changed")
			metrics.SetCircuitBreakerState(breakerService, stateValue(to))
		},
	})
	metrics.SetCircuitBreakerState(breakerService, stateValue(g.breaker.State()))

	return g
}

// BreakerState returns the current circuit breaker state
func (g *Guarded) BreakerState() gobreaker.State {
	return g.breaker.State()
}

// Inner returns the wrapped gateway
func (g *Guarded) Inner() Gateway {
	return g.inner
}

func (g *Guarded) Connect(ctx context.Context) error {
	_, err := guard(ctx, g, "connect", g.opts.CallTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Connect(ctx)
	})
	return err
}

func (g *Guarded) IsConnected() bool {
	return g.inner.IsConnected()
}

func (g *Guarded) ResolveContract(ctx context.Context, symbol, exchange, currency string) (*Contract, error) {
	return guard(ctx, g, "resolve_contract", 0, func(ctx context.Context) (*Contract, error) {
		return g.inner.ResolveContract(ctx, symbol, exchange, currency)
	})
}

func (g *Guarded) PlaceOrder(ctx context.Context, contract Contract, spec OrderSpec) (PlaceResult, error) {
	return guard(ctx, g, "place_order", g.opts.PlaceTimeout, func(ctx context.Context) (PlaceResult, error) {
		return g.inner.PlaceOrder(ctx, contract, spec)
	})
}

func (g *Guarded) CancelOrder(ctx context.Context, orderID int64) error {
	_, err := guard(ctx, g, "cancel_order", g.opts.CallTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.CancelOrder(ctx, orderID)
	})
	return err
}

func (g *Guarded) Positions(ctx context.Context) ([]Position, error) {
	return guard(ctx, g, "positions", g.opts.CallTimeout, func(ctx context.Context) ([]Position, error) {
		return g.inner.Positions(ctx)
	})
}

func (g *Guarded) Executions(ctx context.Context, since *time.Time) ([]Execution, error) {
	return guard(ctx, g, "executions", g.opts.CallTimeout, func(ctx context.Context) ([]Execution, error) {
		return g.inner.Executions(ctx, since)
	})
}

func (g *Guarded) LatestPrice(ctx context.Context, symbol string) (*Bar, error) {
	return guard(ctx, g, "latest_price", g.opts.CallTimeout, func(ctx context.Context) (*Bar, error) {
		return g.inner.LatestPrice(ctx, symbol)
	})
}

func (g *Guarded) Close() error {
	g.callMu.Lock()
	defer g.callMu.Unlock()
	return g.inner.Close()
}

// guard runs fn through the limiter, the call mutex and the breaker. A zero
// timeout leaves the caller's deadline in charge.
func guard[T any](ctx context.Context, g *Guarded, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, err
		}
	}

	g.callMu.Lock()
	defer g.callMu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.RecordBrokerCall(op, float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return zero, err
	}

	v, _ := out.(T)
	return v, nil
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

var (
	_ Gateway = (*Guarded)(nil)
	_ Gateway = (*PaperBroker)(nil)
	_ Gateway = (*BinanceGateway)(nil)
)
