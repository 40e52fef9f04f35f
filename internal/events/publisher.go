// Package events publishes order and session lifecycle events on NATS.
//
// Subjects follow {prefix}orders.{event} and {prefix}sessions.{event}, so a
// consumer can subscribe to "equityfunk.orders.>" for every order change.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/equityfunk/internal/db"
	"github.com/ajitpratap0/equityfunk/internal/metrics"
)

const (
	kindOrder   = "order"
	kindSession = "session"

	// DefaultPrefix namespaces every subject
	DefaultPrefix = "equityfunk."
)

// Config configures the publisher
type Config struct {
	URL    string
	Prefix string
}

// OrderEvent is the payload published for an order change
type OrderEvent struct {
	Event          string     `json:"event"`
	OrderID        int64      `json:"order_id"`
	BrokerOrderID  *int64     `json:"broker_order_id,omitempty"`
	SessionID      *uuid.UUID `json:"session_id,omitempty"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Kind           string     `json:"kind"`
	Quantity       int64      `json:"quantity"`
	FilledQuantity int64      `json:"filled_quantity"`
	AvgFillPrice   *float64   `json:"avg_fill_price,omitempty"`
	Status         string     `json:"status"`
	StatusMessage  string     `json:"status_message,omitempty"`
	PaperTrade     bool       `json:"paper_trade"`
	Timestamp      time.Time  `json:"timestamp"`
}

// SessionEvent is the payload published for a session change
type SessionEvent struct {
	Event           string    `json:"event"`
	SessionID       uuid.UUID `json:"session_id"`
	Symbol          string    `json:"symbol"`
	Strategy        string    `json:"strategy"`
	Status          string    `json:"status"`
	CurrentPosition int64     `json:"current_position"`
	TotalOrders     int32     `json:"total_orders"`
	ErrorMessage    *string   `json:"error_message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewOrderEvent builds the payload for an order change
func NewOrderEvent(event string, o *db.Order, at time.Time) OrderEvent {
	return OrderEvent{
		Event:          event,
		OrderID:        o.ID,
		BrokerOrderID:  o.BrokerOrderID,
		SessionID:      o.SessionID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Kind:           string(o.Kind),
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   o.AvgFillPrice,
		Status:         string(o.Status),
		StatusMessage:  o.StatusMessage,
		PaperTrade:     o.PaperTrade,
		Timestamp:      at.UTC(),
	}
}

// NewSessionEvent builds the payload for a session change
func NewSessionEvent(event string, s *db.AutoTraderSession, at time.Time) SessionEvent {
	return SessionEvent{
		Event:           event,
		SessionID:       s.ID,
		Symbol:          s.Symbol,
		Strategy:        s.StrategyName,
		Status:          string(s.Status),
		CurrentPosition: s.CurrentPosition,
		TotalOrders:     s.TotalOrders,
		ErrorMessage:    s.ErrorMessage,
		Timestamp:       at.UTC(),
	}
}

// Publisher is a fire-and-forget NATS publisher. A nil *Publisher drops
// every event.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	now    func() time.Time
}

// Connect dials NATS and returns a publisher
func Connect(cfg Config) (*Publisher, error) {
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("equityfunk-autotrader"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("nats_url", cfg.URL).Msg("Event publisher connected")
	return NewPublisher(nc, cfg.Prefix), nil
}

// NewPublisher wraps an existing connection
func NewPublisher(nc *nats.Conn, prefix string) *Publisher {
	if nc == nil {
		return nil
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	return &Publisher{nc: nc, prefix: prefix, now: time.Now}
}

// OrderSubject returns the subject an order event is published on
func (p *Publisher) OrderSubject(event string) string {
	return fmt.Sprintf("%sorders.%s", p.prefix, event)
}

// SessionSubject returns the subject a session event is published on
func (p *Publisher) SessionSubject(event string) string {
	return fmt.Sprintf("%ssessions.%s", p.prefix, event)
}

// PublishOrder publishes an order lifecycle event. Failures are logged and
// counted, never returned.
func (p *Publisher) PublishOrder(ctx context.Context, event string, o *db.Order) {
	if p == nil || o == nil {
		return
	}

	payload := NewOrderEvent(event, o, p.now())
	p.publish(ctx, kindOrder, p.OrderSubject(event), payload)
}

// PublishSession publishes a session lifecycle event
func (p *Publisher) PublishSession(ctx context.Context, event string, s *db.AutoTraderSession) {
	if p == nil || s == nil {
		return
	}

	payload := NewSessionEvent(event, s, p.now())
	p.publish(ctx, kindSession, p.SessionSubject(event), payload)
}

func (p *Publisher) publish(ctx context.Context, kind, subject string, payload interface{}) {
	if ctx.Err() != nil {
		metrics.EventsPublished.WithLabelValues(kind, metrics.ResultFailure).Inc()
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(kind, metrics.ResultFailure).Inc()
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to marshal event")
		return
	}

	if err := p.nc.Publish(subject, data); err != nil {
		metrics.EventsPublished.WithLabelValues(kind, metrics.ResultFailure).Inc()
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
		return
	}

	metrics.EventsPublished.WithLabelValues(kind, metrics.ResultSuccess).Inc()
	log.Debug().Str("subject", subject).Msg("Published event")
}

// Healthy reports whether the NATS connection is up
func (p *Publisher) Healthy() bool {
	return p != nil && p.nc.IsConnected()
}

// Close drains and closes the connection
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
