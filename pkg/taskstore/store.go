package taskstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Store 任务存储接口
//
// Create 是唯一生成任务ID的入口。Update 对同一任务串行执行，
// mutation 作用于副本，只有返回 nil 时副本才会替换已存储的任务。
type Store interface {
	// Create 创建任务，状态为 created
	Create(ctx context.Context) (*Task, error)

	// Get 根据调用方提供的ID查询任务，不存在返回 ErrNotFound
	Get(ctx context.Context, ref string) (*Task, error)

	// Update 串行修改任务；不存在返回 ErrNotFound，终态返回 ErrClosed
	Update(ctx context.Context, id ID, fn Mutation) (*Task, error)

	// ExpireStale 将 cutoff 之前未更新的非终态任务置为 failed
	ExpireStale(ctx context.Context, cutoff time.Time) (int, error)

	// Ping 检查后端可用性
	Ping(ctx context.Context) error

	// Close 释放资源
	Close() error
}

// Driver 存储后端类型
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverPostgres Driver = "postgres"
)

// ExpiredReason 过期任务写入上下文的错误描述
const ExpiredReason = "task expired without reaching a terminal state"

// New 根据驱动创建存储；postgres 需要已建立的 gorm 连接
func New(driver Driver, db *gorm.DB) (Store, error) {
	switch driver {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverPostgres:
		if db == nil {
			return nil, fmt.Errorf("postgres task store requires a database connection")
		}
		return NewGormStore(db)
	default:
		return nil, fmt.Errorf("unsupported task store driver: %s", driver)
	}
}
