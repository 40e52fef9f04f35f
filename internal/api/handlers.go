package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/equityfunk/internal/autotrader"
	"github.com/ajitpratap0/equityfunk/internal/broker"
	"github.com/ajitpratap0/equityfunk/internal/config"
	"github.com/ajitpratap0/equityfunk/internal/db"
	"github.com/ajitpratap0/equityfunk/internal/execution"
)

var startTime = time.Now()

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "EquityFunk",
		"version": config.Version,
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

// handleGetHealth runs every registered check (for load balancers)
func (s *Server) handleGetHealth(c *gin.Context) {
	components := gin.H{}
	healthy := true
	for name, check := range s.cfg.Health {
		if err := check(c.Request.Context()); err != nil {
			healthy = false
			components[name] = gin.H{"status": "unhealthy", "error": err.Error()}
			log.Warn().Err(err).Str("component", name).Msg("Health check failed")
			continue
		}
		components[name] = gin.H{"status": "healthy"}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     status,
		"components": components,
		"uptime":     time.Since(startTime).Seconds(),
		"time":       time.Now().UTC(),
	})
}

func (s *Server) handleGetPrice(c *gin.Context) {
	if s.cfg.Prices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "price cache not configured"})
		return
	}

	bar, ok := s.cfg.Prices.Get(c.Request.Context(), c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cached price"})
		return
	}
	c.JSON(http.StatusOK, bar)
}

func (s *Server) handleReconcile(c *gin.Context) {
	if s.cfg.Sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler not configured"})
		return
	}

	report, err := s.cfg.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// respondError maps domain errors onto HTTP statuses
func respondError(c *gin.Context, err error) {
	code := http.StatusInternalServerError

	var (
		valErr *execution.ValidationError
		resErr *execution.ContractResolutionError
		subErr *execution.SubmissionError
	)
	switch {
	case errors.As(err, &valErr):
		code = http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, autotrader.ErrSessionRunning),
		errors.Is(err, autotrader.ErrSessionNotRunning),
		errors.Is(err, execution.ErrOrderTerminal),
		errors.Is(err, db.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.As(err, &subErr):
		code = http.StatusBadGateway
		if subErr.Disconnected {
			code = http.StatusServiceUnavailable
		}
	case errors.Is(err, broker.ErrUnavailable), broker.IsDisconnect(err):
		code = http.StatusServiceUnavailable
	case errors.As(err, &resErr):
		code = http.StatusUnprocessableEntity
	}

	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func parseSessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return uuid.Nil, false
	}
	return id, true
}
