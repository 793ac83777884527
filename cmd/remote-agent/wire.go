//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"
	"go.uber.org/zap"

	"agentmesh/cmd/remote-agent/internal/biz"
	"agentmesh/cmd/remote-agent/internal/conf"
	"agentmesh/cmd/remote-agent/internal/data"
	"agentmesh/cmd/remote-agent/internal/server"
	"agentmesh/cmd/remote-agent/internal/service"
)

// initApp 初始化应用
func initApp(cfg *conf.Config, logger *zap.Logger) (*App, func(), error) {
	wire.Build(
		// Data 层
		data.NewTaskStore,
		data.NewPublisher,
		data.NewExecutor,

		// Biz 层
		newTaskUsecaseConfig,
		biz.NewTaskUsecase,
		newTaskReaper,

		// Service 层
		service.NewAgentService,

		// Server 层
		server.NewHTTPServer,

		newApp,
	)

	return nil, nil, nil
}
