package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentmesh/cmd/host-agent/internal/conf"
	"agentmesh/cmd/host-agent/internal/server"
	"agentmesh/cmd/host-agent/internal/service"
	"agentmesh/pkg/monitoring"
	"agentmesh/pkg/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host agent HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := conf.Load(configFile)
	if err != nil {
		return err
	}

	logger, err := initLogger(config.Observability)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
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
		return fmt.Errorf("init tracing: %w", err)
	}

	hostUc, cleanup, err := newHostUsecase(config, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	httpServer := server.NewHTTPServer(service.NewHostService(hostUc), config, logger)
	httpAddr := fmt.Sprintf(":%d", config.Server.HTTPPort)
	srv := &http.Server{
		Addr:         httpAddr,
		Handler:      httpServer.Engine(),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
	}
	metricsSrv := monitoring.NewMetricsServer(fmt.Sprintf(":%d", config.Server.MetricsPort))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", httpAddr), zap.Strings("agents", hostUc.Agents()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("Metrics server starting", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("HTTP server failed", zap.Error(err))
	}
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
	return nil
}
