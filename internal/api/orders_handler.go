package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ajitpratap0/equityfunk/internal/db"
	"github.com/ajitpratap0/equityfunk/internal/execution"
)

// PlaceOrderRequest is the body of POST /orders
type PlaceOrderRequest struct {
	Symbol      string     `json:"symbol"`
	Side        string     `json:"side"`
	Kind        string     `json:"kind"`
	Quantity    int64      `json:"quantity"`
	LimitPrice  *float64   `json:"limit_price"`
	StopPrice   *float64   `json:"stop_price"`
	SessionID   *uuid.UUID `json:"session_id"`
	StrategyRef *string    `json:"strategy_ref"`
}

// OrderResponse is the API view of an order
type OrderResponse struct {
	ID                int64      `json:"id"`
	BrokerOrderID     *int64     `json:"broker_order_id,omitempty"`
	BrokerPermID      *int64     `json:"broker_perm_id,omitempty"`
	SessionID         *uuid.UUID `json:"session_id,omitempty"`
	Symbol            string     `json:"symbol"`
	Side              string     `json:"side"`
	Kind              string     `json:"kind"`
	Quantity          int64      `json:"quantity"`
	LimitPrice        *float64   `json:"limit_price,omitempty"`
	StopPrice         *float64   `json:"stop_price,omitempty"`
	FilledQuantity    int64      `json:"filled_quantity"`
	RemainingQuantity int64      `json:"remaining_quantity"`
	AvgFillPrice      *float64   `json:"avg_fill_price,omitempty"`
	Status            string     `json:"status"`
	StatusMessage     string     `json:"status_message,omitempty"`
	PaperTrade        bool       `json:"paper_trade"`
	StrategyRef       *string    `json:"strategy_ref,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	FilledAt          *time.Time `json:"filled_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
}

func toOrderResponse(o *db.Order) OrderResponse {
	return OrderResponse{
		ID:                o.ID,
		BrokerOrderID:     o.BrokerOrderID,
		BrokerPermID:      o.BrokerPermID,
		SessionID:         o.SessionID,
		Symbol:            o.Symbol,
		Side:              string(o.Side),
		Kind:              string(o.Kind),
		Quantity:          o.Quantity,
		LimitPrice:        o.LimitPrice,
		StopPrice:         o.StopPrice,
		FilledQuantity:    o.FilledQuantity,
		RemainingQuantity: o.RemainingQuantity,
		AvgFillPrice:      o.AvgFillPrice,
		Status:            string(o.Status),
		StatusMessage:     o.StatusMessage,
		PaperTrade:        o.PaperTrade,
		StrategyRef:       o.StrategyRef,
		CreatedAt:         o.CreatedAt,
		SubmittedAt:       o.SubmittedAt,
		FilledAt:          o.FilledAt,
		CancelledAt:       o.CancelledAt,
	}
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = "MARKET"
	}
	id, err := s.cfg.Orders.Submit(c.Request.Context(), execution.SubmitRequest{
		Symbol:      req.Symbol,
		Side:        strings.ToUpper(req.Side),
		Kind:        strings.ToUpper(kind),
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		SessionID:   req.SessionID,
		StrategyRef: req.StrategyRef,
	})
	if err != nil {
		if id != 0 {
			c.Header("X-Order-ID", strconv.FormatInt(id, 10))
		}
		respondError(c, err)
		return
	}

	s.respondOrder(c, http.StatusCreated, id)
}

func (s *Server) handleListOrders(c *gin.Context) {
	filter := db.OrderFilter{
		Status: db.OrderStatus(strings.ToUpper(c.Query("status"))),
		Symbol: strings.ToUpper(c.Query("symbol")),
	}
	if raw := c.Query("session_id"); raw != "" {
		sid, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
			return
		}
		filter.SessionID = &sid
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	orders, err := s.cfg.Reader.ListOrders(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out, "total": len(out)})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id, ok := parseOrderID(c)
	if !ok {
		return
	}
	s.respondOrder(c, http.StatusOK, id)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	id, ok := parseOrderID(c)
	if !ok {
		return
	}

	order, err := s.cfg.Orders.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": toOrderResponse(order)})
}

func (s *Server) respondOrder(c *gin.Context, code int, id int64) {
	order, err := s.cfg.Reader.GetOrder(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(code, gin.H{"order": toOrderResponse(order)})
}

func parseOrderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return 0, false
	}
	return id, true
}
