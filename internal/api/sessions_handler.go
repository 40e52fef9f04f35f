package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ajitpratap0/equityfunk/internal/autotrader"
	"github.com/ajitpratap0/equityfunk/internal/db"
)

// SessionResponse is the API view of an auto-trader session
type SessionResponse struct {
	ID                  uuid.UUID              `json:"id"`
	Symbol              string                 `json:"symbol"`
	Strategy            string                 `json:"strategy"`
	Params              map[string]interface{} `json:"params,omitempty"`
	Status              string                 `json:"status"`
	Running             bool                   `json:"running"`
	PollIntervalSeconds int32                  `json:"poll_interval_seconds"`
	MaxPositionSize     int64                  `json:"max_position_size"`
	MaxDailyTrades      int32                  `json:"max_daily_trades"`
	CurrentPosition     int64                  `json:"current_position"`
	TotalOrders         int32                  `json:"total_orders"`
	SuccessfulOrders    int32                  `json:"successful_orders"`
	FailedOrders        int32                  `json:"failed_orders"`
	LastSignal          *string                `json:"last_signal,omitempty"`
	LastSignalAt        *time.Time             `json:"last_signal_at,omitempty"`
	LastCheckAt         *time.Time             `json:"last_check_at,omitempty"`
	ErrorMessage        *string                `json:"error_message,omitempty"`
	PaperTrading        bool                   `json:"paper_trading"`
	CreatedAt           time.Time              `json:"created_at"`
}

func (s *Server) toSessionResponse(sess *db.AutoTraderSession) SessionResponse {
	return SessionResponse{
		ID:                  sess.ID,
		Symbol:              sess.Symbol,
		Strategy:            sess.StrategyName,
		Params:              sess.StrategyParams,
		Status:              string(sess.Status),
		Running:             s.cfg.Sessions.IsRunning(sess.ID),
		PollIntervalSeconds: sess.PollIntervalSeconds,
		MaxPositionSize:     sess.MaxPositionSize,
		MaxDailyTrades:      sess.MaxDailyTrades,
		CurrentPosition:     sess.CurrentPosition,
		TotalOrders:         sess.TotalOrders,
		SuccessfulOrders:    sess.SuccessfulOrders,
		FailedOrders:        sess.FailedOrders,
		LastSignal:          sess.LastSignal,
		LastSignalAt:        sess.LastSignalAt,
		LastCheckAt:         sess.LastCheckAt,
		ErrorMessage:        sess.ErrorMessage,
		PaperTrading:        sess.PaperTrading,
		CreatedAt:           sess.CreatedAt,
	}
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req autotrader.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := s.cfg.Sessions.Create(c.Request.Context(), req)
	if err != nil {
		if sess != nil {
			// Persisted but failed to start
			c.JSON(http.StatusCreated, gin.H{
				"session": s.toSessionResponse(sess),
				"warning": err.Error(),
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": s.toSessionResponse(sess)})
}

func (s *Server) handleListSessions(c *gin.Context) {
	status := db.SessionStatus(strings.ToUpper(c.Query("status")))
	switch status {
	case "", db.SessionStatusRunning, db.SessionStatusStopped, db.SessionStatusError:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
		return
	}

	sessions, err := s.cfg.Sessions.List(c.Request.Context(), status)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.toSessionResponse(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "total": len(out)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	sess, err := s.cfg.Sessions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s.toSessionResponse(sess)})
}

func (s *Server) handleStartSession(c *gin.Context) {
	s.sessionTransition(c, s.cfg.Sessions.Start)
}

func (s *Server) handleStopSession(c *gin.Context) {
	s.sessionTransition(c, s.cfg.Sessions.Stop)
}

func (s *Server) sessionTransition(c *gin.Context, fn func(ctx context.Context, id uuid.UUID) error) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	if err := fn(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	sess, err := s.cfg.Sessions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s.toSessionResponse(sess)})
}

func (s *Server) handleSyncSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}

	res, err := s.cfg.Sessions.SyncPosition(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	code := http.StatusOK
	if res.Queued {
		code = http.StatusAccepted
	}
	c.JSON(code, res)
}
