// Package main provides the llmlb server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/llmlb/llmlb/api/handlers"
	"github.com/llmlb/llmlb/audit"
	"github.com/llmlb/llmlb/catalog"
	"github.com/llmlb/llmlb/config"
	"github.com/llmlb/llmlb/dispatch"
	"github.com/llmlb/llmlb/health"
	"github.com/llmlb/llmlb/internal/cache"
	"github.com/llmlb/llmlb/internal/database"
	"github.com/llmlb/llmlb/internal/metrics"
	"github.com/llmlb/llmlb/internal/server"
	"github.com/llmlb/llmlb/internal/telemetry"
	"github.com/llmlb/llmlb/registry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server is llmlb's main process: a client-facing OpenAI-protocol listener,
// a JWT-guarded management API, and a metrics listener, sharing one
// endpoint registry and config tree.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers
	dbPool     *database.PoolManager

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler    *handlers.HealthHandler
	endpointsHandler *handlers.EndpointsHandler
	dispatcher       *dispatch.Dispatcher

	// 端点注册表与后台探活
	endpointBus   *registry.Bus
	endpointStore *registry.Store
	prober        *health.Prober

	// 模型目录与审计日志
	modelCatalog *catalog.Catalog
	auditWriter  *audit.Writer
	cacheManager *cache.Manager

	// 指标收集器
	metricsCollector *metrics.Collector

	// 热更新管理器
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	wg sync.WaitGroup
}

// NewServer creates a new Server instance.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otelProviders *telemetry.Providers, dbPool *database.PoolManager) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otelProviders,
		dbPool:     dbPool,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("llmlb", s.logger)

	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if s.prober != nil {
		s.prober.Start(context.Background())
		s.logger.Info("Health prober started")
	}

	if s.auditWriter != nil {
		s.auditWriter.Start(context.Background())
		s.logger.Info("Audit writer started")
	}

	s.logger.Info("All servers started",
		zap.Int("port", s.cfg.Server.Port),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initHandlers() error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	if s.dbPool != nil {
		s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", s.dbPool.Ping))

		s.endpointBus = registry.NewBus()
		store, err := registry.NewStore(s.dbPool.DB(), s.endpointBus, s.logger)
		if err != nil {
			return fmt.Errorf("failed to init endpoint registry: %w", err)
		}
		s.endpointStore = store

		s.prober = health.NewProber(s.endpointStore, s.endpointBus, health.Config{
			CheckInterval:       s.cfg.Health.CheckInterval,
			ProbeTimeout:        s.cfg.Health.ProbeTimeout,
			MaxConcurrentProbes: s.cfg.Health.MaxConcurrentProbes,
			HistoryRetention:    s.cfg.Health.HistoryRetention,
			PurgeInterval:       s.cfg.Health.PurgeInterval,
		}, s.logger)

		if s.cfg.Redis.Addr != "" {
			cacheMgr, err := cache.NewManager(cache.Config{
				Addr:         s.cfg.Redis.Addr,
				Password:     s.cfg.Redis.Password,
				DB:           s.cfg.Redis.DB,
				PoolSize:     s.cfg.Redis.PoolSize,
				MinIdleConns: s.cfg.Redis.MinIdleConns,
			}, s.logger)
			if err != nil {
				s.logger.Warn("cache unavailable, catalog will read through to the database", zap.Error(err))
			} else {
				s.cacheManager = cacheMgr
			}
		}

		modelCatalog, err := catalog.New(s.dbPool.DB(), s.endpointStore, s.cacheManager, s.logger)
		if err != nil {
			return fmt.Errorf("failed to init model catalog: %w", err)
		}
		s.modelCatalog = modelCatalog

		auditWriter, err := audit.NewWriter(s.dbPool.DB(), audit.Config{
			BufferCapacity: s.cfg.Audit.BufferCapacity,
			FlushInterval:  s.cfg.Audit.FlushInterval,
			BatchInterval:  s.cfg.Audit.BatchInterval,
			BatchMaxSize:   s.cfg.Audit.BatchMaxSize,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to init audit writer: %w", err)
		}
		s.auditWriter = auditWriter

		s.dispatcher = dispatch.New(s.endpointStore, s.modelCatalog, s.auditWriter, s.metricsCollector, s.cfg.Router, s.logger)
		s.dispatcher.WatchRegistry(s.endpointBus)
		s.modelCatalog.WatchRecoveries(context.Background(), s.endpointBus)
		s.modelCatalog.SetRecoverySyncHook(s.dispatcher.ClearExclusions)

		s.endpointsHandler = handlers.NewEndpointsHandler(s.endpointStore, s.prober, s.logger)
		s.endpointsHandler.SetCatalog(s.modelCatalog)
	} else {
		s.logger.Warn("database not available, endpoint registry disabled")
	}

	s.logger.Info("Handlers initialized")
	return nil
}

func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
	})

	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer mounts the client-facing OpenAI-protocol routes (API-key
// auth) and the JWT-guarded management API on one mux, matching spec §6's
// router composition.
func (s *Server) startHTTPServer() error {
	// publicMux 承载不需要任何认证的探活端点。
	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/health", s.healthHandler.HandleHealth)
	publicMux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	publicMux.HandleFunc("/ready", s.healthHandler.HandleReady)
	publicMux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	publicMux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// clientMux 承载 OpenAI 协议透传路由，使用客户端 API key 认证。
	clientMux := http.NewServeMux()
	if s.dispatcher != nil {
		s.dispatcher.RegisterRoutes(clientMux)
		s.logger.Info("Dispatcher routes registered")
	}
	clientHandler := Chain(clientMux, APIKeyAuth(s.cfg.Server.APIKeys, nil, s.cfg.Server.AllowQueryAPIKey, s.logger))

	// managementMux 承载管理 API，使用 JWT 认证，完全独立于客户端 API key 链。
	managementMux := http.NewServeMux()
	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(managementMux)
		s.logger.Info("Configuration API registered")
	}
	if s.endpointsHandler != nil {
		s.endpointsHandler.RegisterRoutes(managementMux)
		s.logger.Info("Endpoint registry API registered")
	}
	managementHandler := Chain(managementMux, JWTAuth(s.cfg.Auth, nil, s.logger))

	mux := http.NewServeMux()
	mux.Handle("/", publicMux)
	mux.Handle("/v1/", clientHandler)
	mux.Handle("/api/", managementHandler)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(context.Background(), s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.Port),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     120 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.Port))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.prober != nil {
		s.prober.Stop()
	}

	if s.auditWriter != nil {
		s.auditWriter.Stop(ctx)
	}

	if s.modelCatalog != nil {
		s.modelCatalog.Close()
	}

	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Cache manager shutdown error", zap.Error(err))
		}
	}

	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}

	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
