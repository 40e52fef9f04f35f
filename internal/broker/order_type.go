package broker

import (
	"errors"
	"fmt"
	"strings"
)

// Order kinds as stored and exchanged with brokers
const (
	KindMarket    = "MARKET"
	KindLimit     = "LIMIT"
	KindStop      = "STOP"
	KindStopLimit = "STOP_LIMIT"
)

// ErrInvalidOrderType is wrapped by every ParseOrderType failure
var ErrInvalidOrderType = errors.New("invalid order type")

// OrderType is one of Market, Limit, Stop or StopLimit. A value always
// carries exactly the prices its kind needs.
type OrderType interface {
	Kind() string
	isOrderType()
}

// Market executes at the prevailing price
type Market struct{}

// Limit executes at Price or better
type Limit struct {
	Price float64
}

// Stop becomes a market order once Price trades
type Stop struct {
	Price float64
}

// StopLimit becomes a limit order at Limit once Stop trades
type StopLimit struct {
	Limit float64
	Stop  float64
}

func (Market) Kind() string    { return KindMarket }
func (Limit) Kind() string     { return KindLimit }
func (Stop) Kind() string      { return KindStop }
func (StopLimit) Kind() string { return KindStopLimit }

func (Market) isOrderType()    {}
func (Limit) isOrderType()     {}
func (Stop) isOrderType()      {}
func (StopLimit) isOrderType() {}

// ParseOrderType builds an OrderType from a kind and optional prices,
// rejecting missing or non-positive prices the kind requires
func ParseOrderType(kind string, limit, stop *float64) (OrderType, error) {
	switch strings.ToUpper(kind) {
	case KindMarket:
		return Market{}, nil
	case KindLimit:
		p, err := requirePrice("limit_price", limit)
		if err != nil {
			return nil, err
		}
		return Limit{Price: p}, nil
	case KindStop:
		p, err := requirePrice("stop_price", stop)
		if err != nil {
			return nil, err
		}
		return Stop{Price: p}, nil
	case KindStopLimit:
		l, err := requirePrice("limit_price", limit)
		if err != nil {
			return nil, err
		}
		s, err := requirePrice("stop_price", stop)
		if err != nil {
			return nil, err
		}
		return StopLimit{Limit: l, Stop: s}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOrderType, kind)
	}
}

func requirePrice(field string, p *float64) (float64, error) {
	if p == nil {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidOrderType, field)
	}
	if *p <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidOrderType, field)
	}
	return *p, nil
}

// LimitPrice returns the limit price of t, if it has one
func LimitPrice(t OrderType) *float64 {
	switch v := t.(type) {
	case Limit:
		return &v.Price
	case StopLimit:
		return &v.Limit
	}
	return nil
}

// StopPrice returns the stop price of t, if it has one
func StopPrice(t OrderType) *float64 {
	switch v := t.(type) {
	case Stop:
		return &v.Price
	case StopLimit:
		return &v.Stop
	}
	return nil
}
