package server

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cobalt-labs/relay/internal/analytics"
	"github.com/cobalt-labs/relay/internal/config"
	"github.com/cobalt-labs/relay/internal/gateway"
	"github.com/cobalt-labs/relay/internal/registry"
	"github.com/cobalt-labs/relay/internal/server/validator"
)

type Server struct {
	router    *gin.Engine
	config    *config.Config
	logger    *zap.Logger
	service   gateway.Service
	registry  *registry.Registry
	analytics analytics.Service
}

func New(cfg *config.Config, logger *zap.Logger, service gateway.Service, reg *registry.Registry, stats analytics.Service) *Server {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	validator.InitValidator()

	engine := gin.New()
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))

	s := &Server{
		router:    engine,
		config:    cfg,
		logger:    logger,
		service:   service,
		registry:  reg,
		analytics: stats,
	}

	s.SetupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}
