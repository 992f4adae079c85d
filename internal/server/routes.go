package server

import (
	"github.com/cobalt-labs/relay/internal/server/middleware"
	v1 "github.com/cobalt-labs/relay/internal/server/v1"
)

func (s *Server) SetupRoutes() {
	s.router.Use(middleware.CORS())
	s.router.Use(middleware.ErrorHandler(s.logger))

	// Health Check (Public)
	healthHandler := v1.NewHealthHandler(s.registry)
	s.router.GET("/health", healthHandler.Health)

	limiter := middleware.NewRateLimiter(
		s.config.RateLimit.RequestsPerSecond,
		s.config.RateLimit.Burst,
		s.logger,
	)

	api := s.router.Group("/v1")
	api.Use(middleware.Tracing("relay"))
	api.Use(limiter.Middleware())
	api.Use(middleware.Auth(s.config.Server.APIKeys))
	{
		chatHandler := v1.NewChatHandler(s.service)
		api.POST("/chat/completions", chatHandler.CreateCompletion)

		modelsHandler := v1.NewModelHandler(s.service)
		api.GET("/models", modelsHandler.ListModels)

		realtimeHandler := v1.NewRealtimeHandler(s.service, s.logger)
		api.GET("/realtime", realtimeHandler.Connect)

		if s.analytics != nil {
			analyticsHandler := v1.NewAnalyticsHandler(s.analytics)
			api.GET("/analytics/usage", analyticsHandler.GetUsage)
			api.GET("/analytics/deployments", analyticsHandler.GetDeployments)
		}
	}
}
