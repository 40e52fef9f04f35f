package db

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change is not allowed from
// the order's current status
var ErrInvalidTransition = errors.New("invalid order state transition")

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusSubmitted, OrderStatusError, OrderStatusCancelled, OrderStatusFilled},
	OrderStatusSubmitted: {OrderStatusSubmitted, OrderStatusFilled, OrderStatusCancelled},
}

// CanTransition reports whether an order may move from one status to another
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Fill is an observation of broker-side execution progress for one order
type Fill struct {
	FilledQuantity int64
	AvgPrice       *float64
	// BrokerOrderID, when set and different, replaces the recorded broker id
	BrokerOrderID *int64
	Message       string
}

// MarkSubmitted records the broker acknowledgement of a PENDING order
func (o *Order) MarkSubmitted(brokerOrderID int64, permID *int64, at time.Time) error {
	if o.Status != OrderStatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, OrderStatusSubmitted)
	}
	o.BrokerOrderID = &brokerOrderID
	o.BrokerPermID = permID
	o.Status = OrderStatusSubmitted
	o.StatusMessage = "submitted"
	o.SubmittedAt = &at
	o.UpdatedAt = at
	return nil
}

// MarkError moves a PENDING order to ERROR
func (o *Order) MarkError(msg string, at time.Time) error {
	if !CanTransition(o.Status, OrderStatusError) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, OrderStatusError)
	}
	o.Status = OrderStatusError
	o.StatusMessage = msg
	o.UpdatedAt = at
	return nil
}

// MarkCancelled moves an open order to CANCELLED
func (o *Order) MarkCancelled(msg string, at time.Time) error {
	if !CanTransition(o.Status, OrderStatusCancelled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, OrderStatusCancelled)
	}
	o.Status = OrderStatusCancelled
	o.StatusMessage = msg
	o.CancelledAt = &at
	o.UpdatedAt = at
	return nil
}

// ApplyFill merges a fill observation into the order and reports whether
// anything changed. Terminal orders are left untouched. The filled quantity
// never decreases and never exceeds the requested quantity.
func (o *Order) ApplyFill(f Fill, at time.Time) bool {
	if o.Status.IsTerminal() {
		return false
	}

	changed := false

	if f.BrokerOrderID != nil && (o.BrokerOrderID == nil || *o.BrokerOrderID != *f.BrokerOrderID) {
		id := *f.BrokerOrderID
		o.BrokerOrderID = &id
		changed = true
	}

	filled := f.FilledQuantity
	if filled > o.Quantity {
		filled = o.Quantity
	}

	// The average price belongs to the observation that set the filled
	// quantity; a stale smaller report must not overwrite it
	takePrice := filled > o.FilledQuantity ||
		(filled > 0 && filled == o.FilledQuantity && o.AvgFillPrice == nil)

	if filled > o.FilledQuantity {
		o.FilledQuantity = filled
		changed = true
	}
	o.RemainingQuantity = o.Quantity - o.FilledQuantity

	if takePrice && f.AvgPrice != nil && (o.AvgFillPrice == nil || *o.AvgFillPrice != *f.AvgPrice) {
		p := *f.AvgPrice
		o.AvgFillPrice = &p
		changed = true
	}

	if o.Status == OrderStatusPending && o.FilledQuantity > 0 {
		o.Status = OrderStatusSubmitted
		if o.SubmittedAt == nil {
			o.SubmittedAt = &at
		}
		changed = true
	}

	if o.FilledQuantity >= o.Quantity {
		o.Status = OrderStatusFilled
		o.FilledAt = &at
		changed = true
	}

	if !changed {
		return false
	}

	if f.Message != "" {
		o.StatusMessage = f.Message
	} else if o.Status == OrderStatusFilled {
		o.StatusMessage = "filled"
	} else {
		o.StatusMessage = fmt.Sprintf("partially filled %d/%d", o.FilledQuantity, o.Quantity)
	}
	o.UpdatedAt = at
	return true
}
