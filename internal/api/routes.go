package api

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)

	v1 := s.router.Group("/api/v1")
	v1.GET("/health", s.handleGetHealth)

	protected := v1.Group("")
	protected.Use(APIKeyMiddleware(s.cfg.APIKey))
	{
		sessions := protected.Group("/sessions")
		{
			sessions.POST("", s.handleCreateSession)
			sessions.GET("", s.handleListSessions)
			sessions.GET("/:id", s.handleGetSession)
			sessions.POST("/:id/start", s.handleStartSession)
			sessions.POST("/:id/stop", s.handleStopSession)
			sessions.POST("/:id/sync", s.handleSyncSession)
		}

		orders := protected.Group("/orders")
		{
			orders.POST("", s.handlePlaceOrder)
			orders.GET("", s.handleListOrders)
			orders.GET("/:id", s.handleGetOrder)
			orders.DELETE("/:id", s.handleCancelOrder)
		}

		protected.POST("/reconcile", s.handleReconcile)
		protected.GET("/prices/:symbol", s.handleGetPrice)
		protected.GET("/stream", s.handleStream)
	}
}
