package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cobalt-labs/relay/internal/analytics"
	"github.com/cobalt-labs/relay/internal/config"
	"github.com/cobalt-labs/relay/internal/executor"
	"github.com/cobalt-labs/relay/internal/gateway"
	"github.com/cobalt-labs/relay/internal/health"
	"github.com/cobalt-labs/relay/internal/platform/logger"
	"github.com/cobalt-labs/relay/internal/platform/otel"
	"github.com/cobalt-labs/relay/internal/registry"
	"github.com/cobalt-labs/relay/internal/selector"
	"github.com/cobalt-labs/relay/internal/server"
	"github.com/cobalt-labs/relay/internal/store"
	"github.com/cobalt-labs/relay/internal/store/cache"
	"github.com/cobalt-labs/relay/internal/store/sqlite"
	"github.com/cobalt-labs/relay/internal/stream"
	"github.com/cobalt-labs/relay/internal/transport"
)

func main() {
	logger.Initialize(logger.DefaultConfig())
	defer logger.Sync()
	log := logger.Get()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := otel.InitTracer("relay", log, os.Stdout)
	if err != nil {
		log.Fatal("failed to init tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	// storage + analytics
	var repo store.Repository
	var ingestor analytics.Ingestor
	var stats analytics.Service
	if cfg.Store.Enabled {
		repo, err = sqlite.NewSQLiteStorage(cfg.Store.DSN)
		if err != nil {
			log.Fatal("failed to open store", zap.Error(err))
		}
		defer repo.Close()

		ingestor = analytics.NewIngestor(log, repo)
		ingestor.Start(ctx)
		defer ingestor.Stop()

		stats = analytics.NewService(repo)
	}

	var cacheSvc cache.CacheService
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisCache.Close()
		cacheSvc = redisCache
	} else {
		cacheSvc = cache.NewMemoryCache()
	}

	// routing core
	reg := registry.New()
	reg.Rebuild(cfg.Deployments)
	log.Info("deployment registry loaded",
		zap.Int("deployments", reg.Len()),
		zap.Strings("models", reg.ModelNames()))

	tracker := health.NewTracker(cfg.Health)
	sel := selector.New(reg, tracker, cfg.Router.LastResort)
	permits := executor.NewPermits(cfg.Permits)
	exec := executor.New(transport.NewHTTPTransport(10*time.Second), tracker, permits, cfg.Executor, log)

	usageGrace := cfg.Stream.UsageGrace
	if usageGrace <= 0 {
		usageGrace = stream.DefaultUsageGrace
	}

	service := gateway.NewService(gateway.Deps{
		Logger:     log,
		Registry:   reg,
		Selector:   sel,
		Executor:   exec,
		Normalizer: stream.NewNormalizer(usageGrace),
		Permits:    permits,
		Tracker:    tracker,
		Ingestor:   ingestor,
		Cache:      cacheSvc,
	}, gateway.Options{
		Policy:   selector.Policy(cfg.Router.Policy),
		CacheTTL: cfg.Router.CacheTTL,
	})

	// hot-reload the deployment set on config file changes
	if err := config.Watch(func(fresh *config.Config, err error) {
		if err != nil {
			log.Error("config reload failed, keeping previous deployments", zap.Error(err))
			return
		}
		reg.Rebuild(fresh.Deployments)
		log.Info("deployment registry rebuilt",
			zap.Int("deployments", reg.Len()),
			zap.Strings("models", reg.ModelNames()))
	}); err != nil {
		log.Warn("config watcher disabled", zap.Error(err))
	}

	srv := server.New(cfg, log, service, reg, stats)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: srv.Handler(),
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
