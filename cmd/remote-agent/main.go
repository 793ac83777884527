package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"agentmesh/cmd/remote-agent/internal/biz"
	"agentmesh/cmd/remote-agent/internal/conf"
	"agentmesh/cmd/remote-agent/internal/server"
	"agentmesh/pkg/events"
	"agentmesh/pkg/monitoring"
	"agentmesh/pkg/observability"
	"agentmesh/pkg/resilience"
	"agentmesh/pkg/taskstore"
)

var configFile = flag.String("config", "", "配置文件路径")

// App 远程智能体应用
type App struct {
	HTTPServer *server.HTTPServer
	Reaper     *biz.TaskReaper
}

func newApp(httpServer *server.HTTPServer, reaper *biz.TaskReaper) *App {
	return &App{HTTPServer: httpServer, Reaper: reaper}
}

func newTaskUsecaseConfig(cfg *conf.Config) biz.TaskUsecaseConfig {
	policy := resilience.DefaultRetryPolicy()
	policy.MaxRetries = cfg.TaskStore.MaxRetries
	policy.InitialDelay = cfg.TaskStore.RetryDelay
	return biz.TaskUsecaseConfig{
		Agent:            cfg.Agent.Name,
		ExecutionTimeout: cfg.Agent.ExecutionTimeout,
		Retry:            policy,
	}
}

func newTaskReaper(cfg *conf.Config, store taskstore.Store, publisher events.Publisher, logger *zap.Logger) *biz.TaskReaper {
	return biz.NewTaskReaper(store, publisher, cfg.Agent.Name, cfg.TaskStore.StaleAfter, cfg.TaskStore.ReapInterval, logger)
}

func main() {
	flag.Parse()

	// 加载配置
	config, err := conf.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	logger, err := initLogger(config.Observability)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting remote agent",
		zap.String("agent", config.Agent.Name),
		zap.String("kind", config.Agent.Kind),
		zap.String("task_store", string(config.TaskStore.Driver)),
		zap.String("version", config.Observability.ServiceVersion),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    config.Observability.ServiceName,
		ServiceVersion: config.Observability.ServiceVersion,
		Environment:    config.Observability.Environment,
		Endpoint:       config.Observability.OTELEndpoint,
		SamplingRate:   config.Observability.SamplingRate,
		Enabled:        config.Observability.EnableTrace,
	})
	if err != nil {
		logger.Fatal("Failed to init tracing", zap.Error(err))
	}

	// 初始化应用（通过 Wire 生成）
	app, cleanup, err := initApp(config, logger)
	if err != nil {
		logger.Fatal("Failed to initialize app", zap.Error(err))
	}
	defer cleanup()

	go app.Reaper.Run(ctx)

	httpAddr := fmt.Sprintf(":%d", config.Server.HTTPPort)
	srv := &http.Server{
		Addr:         httpAddr,
		Handler:      app.HTTPServer.Engine(),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
	}
	metricsSrv := monitoring.NewMetricsServer(fmt.Sprintf(":%d", config.Server.MetricsPort))

	go func() {
		logger.Info("HTTP server starting", zap.String("addr", httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("Metrics server starting", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down servers...")

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Tracer shutdown failed", zap.Error(err))
	}

	logger.Info("Servers exited")
}

// initLogger 初始化日志
func initLogger(cfg conf.ObservabilityConfig) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.LogFormat == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapConfig.Level = level

	zapConfig.InitialFields = map[string]interface{}{
		"service":     cfg.ServiceName,
		"version":     cfg.ServiceVersion,
		"environment": cfg.Environment,
	}

	return zapConfig.Build()
}
