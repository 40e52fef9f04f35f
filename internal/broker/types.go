package broker

import (
	"fmt"
	"strings"
	"time"
)

// Side is the order direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide validates a side string
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(s)) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid order side: %q", s)
	}
}

// Contract is a broker-resolved tradable instrument
type Contract struct {
	Symbol   string
	Exchange string
	Currency string
	// ConID is the broker's instrument identifier when it has one
	ConID int64
	// BrokerSymbol is the identifier the broker expects on the wire
	BrokerSymbol string
}

// OrderSpec describes an order to place against a resolved contract
type OrderSpec struct {
	Side     Side
	Quantity int64
	Type     OrderType
	// Ref is a client reference echoed by brokers that support one
	Ref string
}

// PlaceResult is the broker acknowledgement of a placed order
type PlaceResult struct {
	OrderID int64
	// PermID is zero when the broker has no permanent id
	PermID int64
}

// Position is the broker-reported holding for a symbol
type Position struct {
	Symbol   string
	Quantity int64
	AvgCost  float64
}

// Execution is one broker-reported fill. Never persisted.
type Execution struct {
	ExecID   string
	OrderID  int64
	Symbol   string
	Side     Side
	Quantity int64
	Price    float64
	Time     time.Time
}

// Bar is a price observation
type Bar struct {
	Symbol string    `json:"symbol"`
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}
