package data

import (
	"go.uber.org/zap"

	"agentmesh/cmd/remote-agent/internal/conf"
	"agentmesh/pkg/events"
)

// NewPublisher 创建任务事件发布器，返回清理函数
func NewPublisher(cfg *conf.Config, logger *zap.Logger) (events.Publisher, func()) {
	pub := events.New(cfg.Events, logger)
	return pub, func() {
		if err := pub.Close(); err != nil {
			logger.Error("failed to close event publisher", zap.Error(err))
		}
	}
}
