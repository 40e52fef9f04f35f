// Package api exposes the operational REST surface: session control, order
// entry, reconciliation triggers and a websocket stream of lifecycle events.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/equityfunk/internal/autotrader"
	"github.com/ajitpratap0/equityfunk/internal/db"
	"github.com/ajitpratap0/equityfunk/internal/execution"
	"github.com/ajitpratap0/equityfunk/internal/market"
	"github.com/ajitpratap0/equityfunk/internal/metrics"
)

// SessionService manages auto-trader sessions
type SessionService interface {
	Create(ctx context.Context, req autotrader.CreateRequest) (*db.AutoTraderSession, error)
	List(ctx context.Context, status db.SessionStatus) ([]*db.AutoTraderSession, error)
	Get(ctx context.Context, id uuid.UUID) (*db.AutoTraderSession, error)
	Start(ctx context.Context, id uuid.UUID) error
	Stop(ctx context.Context, id uuid.UUID) error
	SyncPosition(ctx context.Context, id uuid.UUID) (autotrader.SyncResult, error)
	IsRunning(id uuid.UUID) bool
}

// OrderService submits and cancels orders
type OrderService interface {
	Submit(ctx context.Context, req execution.SubmitRequest) (int64, error)
	Cancel(ctx context.Context, id int64) (*db.Order, error)
}

// OrderReader reads persisted orders
type OrderReader interface {
	GetOrder(ctx context.Context, id int64) (*db.Order, error)
	ListOrders(ctx context.Context, filter db.OrderFilter) ([]*db.Order, error)
}

// Sweeper runs a bulk reconciliation pass
type Sweeper interface {
	Sweep(ctx context.Context) (execution.SweepReport, error)
}

// PriceReader reads cached bars
type PriceReader interface {
	Get(ctx context.Context, symbol string) (*market.CachedBar, bool)
}

// Config contains server configuration and collaborators
type Config struct {
	Host   string
	Port   int
	APIKey string

	Sessions SessionService
	Orders   OrderService
	Reader   OrderReader
	Sweeper  Sweeper
	Prices   PriceReader
	Stream   *Hub
	// Health checks by component name; any failure reports unhealthy
	Health map[string]metrics.HealthFunc
}

// Server represents the REST API server
type Server struct {
	router *gin.Engine
	cfg    Config
	addr   string
	server *http.Server
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(metrics.GinMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", apiKeyHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router: router,
		cfg:    cfg,
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware logs every request
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logEvent := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			logEvent = log.Warn()
		}
		logEvent = logEvent.
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}
