package events

import (
	"context"

	"github.com/ajitpratap0/equityfunk/internal/db"
)

// Sink receives order and session lifecycle events
type Sink interface {
	PublishOrder(ctx context.Context, event string, o *db.Order)
	PublishSession(ctx context.Context, event string, s *db.AutoTraderSession)
}

// Fanout delivers every event to each sink in order. Nil entries are skipped.
type Fanout []Sink

// PublishOrder forwards an order event to every sink
func (f Fanout) PublishOrder(ctx context.Context, event string, o *db.Order) {
	for _, sink := range f {
		if sink != nil {
			sink.PublishOrder(ctx, event, o)
		}
	}
}

// PublishSession forwards a session event to every sink
func (f Fanout) PublishSession(ctx context.Context, event string, s *db.AutoTraderSession) {
	for _, sink := range f {
		if sink != nil {
			sink.PublishSession(ctx, event, s)
		}
	}
}
