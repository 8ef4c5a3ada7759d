package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/api/handlers"
	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/flow"
	"github.com/BaSui01/flowrun/flow/builtin"
	"github.com/BaSui01/flowrun/flow/sandbox"
	"github.com/BaSui01/flowrun/internal/cache"
	"github.com/BaSui01/flowrun/internal/metrics"
	"github.com/BaSui01/flowrun/internal/server"
	"github.com/BaSui01/flowrun/internal/telemetry"
	"github.com/BaSui01/flowrun/internal/tlsutil"
	"github.com/BaSui01/flowrun/isolate/worker"
	"github.com/BaSui01/flowrun/runner"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 FlowRun 的主服务器
type Server struct {
	cfg    *config.Config
	loader *config.Loader
	logger *zap.Logger
	level  zap.AtomicLevel

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	runner    *runner.Runner
	cache     *cache.Manager
	telemetry *telemetry.Providers
	limiter   *RateLimiter
	reloader  *config.Reloader

	// Handlers
	healthHandler  *handlers.HealthHandler
	runnerHandler  *handlers.RunnerHandler
	sessionHandler *handlers.SessionHandler

	// 指标收集器，registry 为 nil 时使用 Prometheus 默认 Registry
	metricsCollector *metrics.Collector
	registry         *prometheus.Registry

	errs   chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, loader *config.Loader, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:    cfg,
		loader: loader,
		logger: logger,
		level:  level,
		errs:   make(chan error, 2),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务。ctx 结束后后台任务随之退出
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	// 1. 初始化指标收集器
	if s.registry != nil {
		s.metricsCollector = metrics.NewCollectorWithRegistry("flowrun", s.registry, s.logger)
	} else {
		s.metricsCollector = metrics.NewCollector("flowrun", s.logger)
	}

	// 2. 变量存储（可选）
	if err := s.initCache(ctx); err != nil {
		return fmt.Errorf("failed to init cache: %w", err)
	}

	// 3. Runner 与 worker pool
	s.initRunner()

	// 4. OpenTelemetry
	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, s.runner.ID(), s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	// 5. Handlers
	s.initHandlers(ctx)

	// 6. 配置热重载
	if err := s.initReloader(ctx); err != nil {
		return fmt.Errorf("failed to init config reloader: %w", err)
	}

	// 7. HTTP 服务器
	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 8. Metrics 服务器
	if err := s.startMetricsServer(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("runner_id", s.runner.ID()),
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("tls", s.cfg.Server.TLSEnabled()),
		zap.Bool("hot_reload_enabled", s.reloader != nil),
	)
	return nil
}

// Errors 返回 HTTP 或 Metrics 服务器的运行时错误
func (s *Server) Errors() <-chan error { return s.errs }

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initCache(ctx context.Context) error {
	rc := s.cfg.Redis
	if !rc.Enabled {
		s.logger.Info("Redis not enabled, Variables references are unavailable")
		return nil
	}
	cc := cache.Config{
		Addr:       rc.Addr,
		Password:   rc.Password,
		DB:         rc.DB,
		PoolSize:   rc.PoolSize,
		MaxRetries: cache.DefaultConfig().MaxRetries,
	}
	if rc.TLS {
		cc.TLS = tlsutil.ClientConfig("")
	}
	m, err := cache.NewManager(ctx, cc, s.logger)
	if err != nil {
		return err
	}
	s.cache = m
	return nil
}

func (s *Server) initRunner() {
	threadOpts := []flow.ThreadOption{
		flow.WithComponentResolver(builtin.NewRegistry()),
		flow.WithSandbox(sandbox.NewExecutor(s.cfg.Sandbox, nil, s.logger)),
	}
	if s.cache != nil {
		vars := cache.NewVariableStore(s.cache, s.cfg.Redis.KeyPrefix,
			cache.WithLocalTTL(s.cfg.Redis.LocalTTL),
			cache.WithRecorder(s.metricsCollector))
		threadOpts = append(threadOpts, flow.WithReferenceResolver(vars))
	}

	opts := []runner.Option{
		runner.WithLogger(s.logger),
		runner.WithObserver(s.metricsCollector),
	}
	if s.cfg.Runner.ID != "" {
		opts = append(opts, runner.WithID(s.cfg.Runner.ID))
	}

	s.runner = runner.New(runner.Config{
		TrustedProxyHeader: s.cfg.Runner.TrustedProxyHeader,
		TokenTTL:           s.cfg.Runner.TokenTTL,
		Pool: runner.PoolConfig{
			Size:           s.cfg.Runner.PoolSize,
			AcquireTimeout: s.cfg.Runner.AcquireTimeout,
			Host: worker.HostOptions{
				Logger:        s.logger,
				ThreadOptions: threadOpts,
			},
		},
	}, opts...)
}

func (s *Server) initHandlers(ctx context.Context) {
	s.healthHandler = handlers.NewHealthHandler(s.logger, s.runner.ID())
	s.healthHandler.RegisterCheck(handlers.NewCheck("worker_pool", s.runner.Check))
	if s.cache != nil {
		s.healthHandler.RegisterCheck(handlers.NewCheck("redis", s.cache.Ping))
	}

	s.limiter = NewRateLimiter(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst,
		s.cfg.Runner.TrustedProxyHeader, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.limiter.Run(ctx)
	}()

	s.runnerHandler = handlers.NewRunnerHandler(s.runner, s.logger)
	s.sessionHandler = handlers.NewSessionHandler(s.runner, s.cfg.Server.AllowedOrigins, s.logger)
	s.logger.Info("Handlers initialized")
}

// initReloader 在指定了配置文件时监听文件变更，在线调整日志级别与限流
func (s *Server) initReloader(ctx context.Context) error {
	if s.loader.Path() == "" {
		return nil
	}
	reloader, err := config.NewReloader(s.loader, s.cfg, config.WithReloaderLogger(s.logger))
	if err != nil {
		return err
	}
	reloader.OnReload(s.applyReload)
	s.reloader = reloader

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := reloader.Run(ctx); err != nil {
			s.logger.Error("config reloader stopped", zap.Error(err))
		}
	}()
	return nil
}

// applyReload 应用可在线生效的配置项。其余字段需要重启
func (s *Server) applyReload(prev, next *config.Config) {
	if prev.Log.Level != next.Log.Level {
		level := parseLevel(next.Log.Level)
		s.level.SetLevel(level)
		s.logger.Info("log level changed", zap.Stringer("level", level))
	}
	if prev.Server.RateLimitRPS != next.Server.RateLimitRPS || prev.Server.RateLimitBurst != next.Server.RateLimitBurst {
		s.limiter.SetLimit(next.Server.RateLimitRPS, next.Server.RateLimitBurst)
		s.logger.Info("claim rate limit changed",
			zap.Float64("rps", next.Server.RateLimitRPS),
			zap.Int("burst", next.Server.RateLimitBurst))
	}
	if prev.Server.HTTPPort != next.Server.HTTPPort || prev.Runner.PoolSize != next.Runner.PoolSize {
		s.logger.Warn("configuration change requires restart",
			zap.Int("http_port", next.Server.HTTPPort),
			zap.Int("pool_size", next.Runner.PoolSize))
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 构建 API 路由及中间件链
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// Runner API，claim 单独限流
	mux.HandleFunc("POST /claim", s.limiter.Wrap(s.runnerHandler.HandleClaim))
	mux.HandleFunc("POST /release", s.runnerHandler.HandleRelease)
	mux.HandleFunc("GET /status", s.runnerHandler.HandleStatus)
	mux.HandleFunc("POST /threads", s.runnerHandler.HandleCreateThread)
	mux.HandleFunc("GET /threads/{id}/session", s.sessionHandler.HandleSession)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.AllowedOrigins),
	)
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	if s.cfg.Server.TLSEnabled() {
		tlsConfig, err := tlsutil.ServerConfig(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
		if err != nil {
			return err
		}
		serverConfig.TLS = tlsConfig
	}

	s.httpManager = server.NewManager("api", s.routes(), serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.forwardErrors(ctx, s.httpManager)
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer(ctx context.Context) error {
	mux := http.NewServeMux()
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager("metrics", mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.forwardErrors(ctx, s.metricsManager)
	return nil
}

func (s *Server) forwardErrors(ctx context.Context, m *server.Manager) {
	go func() {
		select {
		case err := <-m.Errors():
			select {
			case s.errs <- err:
			default:
			}
		case <-ctx.Done():
		}
	}()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Shutdown 优雅关闭所有服务：
// 停止后台任务 → 关闭 HTTP → 关闭 Metrics → 释放 worker → 关闭 Redis 与遥测
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 0. 停止热重载与限流清理
	if s.cancel != nil {
		s.cancel()
	}

	// 1. 关闭 HTTP 服务器（会话随之断开）
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 释放全部 worker
	if s.runner != nil {
		if err := s.runner.Shutdown(ctx); err != nil {
			s.logger.Error("Runner shutdown error", zap.Error(err))
		}
	}

	// 4. 外部依赖
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 5. 等待后台 goroutine
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
