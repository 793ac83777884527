package data

import (
	"fmt"

	"go.uber.org/zap"

	"agentmesh/cmd/remote-agent/internal/conf"
	"agentmesh/pkg/database"
	"agentmesh/pkg/taskstore"
)

// NewTaskStore 根据配置创建任务存储，返回清理函数
func NewTaskStore(cfg *conf.Config, logger *zap.Logger) (taskstore.Store, func(), error) {
	switch cfg.TaskStore.Driver {
	case taskstore.DriverPostgres:
		db, err := database.NewDB(&cfg.Database, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect task database: %w", err)
		}
		store, err := taskstore.New(taskstore.DriverPostgres, db)
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			return nil, nil, err
		}
		logger.Info("task store ready", zap.String("driver", string(cfg.TaskStore.Driver)))
		return store, closer(store, logger), nil

	default:
		store, err := taskstore.New(cfg.TaskStore.Driver, nil)
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("using in-memory task store, tasks are lost on restart and not shared between instances")
		return store, closer(store, logger), nil
	}
}

func closer(store taskstore.Store, logger *zap.Logger) func() {
	return func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close task store", zap.Error(err))
		}
	}
}
