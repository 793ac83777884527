package main

import (
	"go.uber.org/zap"

	"agentmesh/cmd/host-agent/internal/biz"
	"agentmesh/cmd/host-agent/internal/conf"
	"agentmesh/cmd/host-agent/internal/data"
	"agentmesh/pkg/clients"
	"agentmesh/pkg/identity"
)

// newHostUsecase 组装宿主用例，返回清理函数
func newHostUsecase(cfg *conf.Config, logger *zap.Logger) (*biz.HostUsecase, func(), error) {
	tokens, err := identity.New(cfg.Identity, logger)
	if err != nil {
		return nil, nil, err
	}

	handles, cleanup, err := data.NewHandleStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	remotes := make([]biz.RemoteAgent, 0, len(cfg.Remotes))
	for _, rc := range cfg.Remotes {
		remotes = append(remotes, clients.NewAgentClient(rc, tokens))
		logger.Info("remote agent configured", zap.String("agent", rc.Name), zap.String("url", rc.URL))
	}

	return biz.NewHostUsecase(remotes, handles, logger), cleanup, nil
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
