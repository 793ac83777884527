package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskPO 任务持久化对象
type TaskPO struct {
	ID        string    `gorm:"primaryKey;size:64"`
	State     string    `gorm:"size:20;not null;index:idx_agent_tasks_state"`
	Context   string    `gorm:"type:jsonb;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index:idx_agent_tasks_updated_at"`
}

// TableName 表名
func (TaskPO) TableName() string {
	return "agent_tasks"
}

// GormStore 基于关系数据库的持久化存储，多实例共享，重启不丢失
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore 创建数据库存储并自动迁移表结构
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&TaskPO{}); err != nil {
		return nil, fmt.Errorf("%w: migrate agent_tasks: %v", ErrUnavailable, err)
	}
	return &GormStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create 创建任务
func (s *GormStore) Create(ctx context.Context) (*Task, error) {
	now := s.now()

	// uuid 冲突概率可忽略，仍然以主键约束兜底
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		task := &Task{
			ID:        newID(),
			State:     StateCreated,
			CreatedAt: now,
			UpdatedAt: now,
		}
		po, err := toTaskPO(task)
		if err != nil {
			return nil, err
		}

		err = s.db.WithContext(ctx).Create(po).Error
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, s.classify(ctx, err)
		}
		lastErr = err
	}
	return nil, s.classify(ctx, lastErr)
}

// Get 获取任务
func (s *GormStore) Get(ctx context.Context, ref string) (*Task, error) {
	if ref == "" {
		return nil, ErrNotFound
	}

	var po TaskPO
	if err := s.db.WithContext(ctx).Where("id = ?", ref).First(&po).Error; err != nil {
		return nil, s.classify(ctx, err)
	}
	return toDomainTask(&po)
}

// Update 在事务中以行锁（SELECT ... FOR UPDATE）串行修改任务
func (s *GormStore) Update(ctx context.Context, id ID, fn Mutation) (*Task, error) {
	var (
		updated *Task
		mutErr  error
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var po TaskPO
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id.value).
			First(&po).Error; err != nil {
			return err
		}

		current, err := toDomainTask(&po)
		if err != nil {
			return err
		}
		if current.State.Terminal() {
			mutErr = ErrClosed
			return mutErr
		}

		work := current.Clone()
		if err := fn(work); err != nil {
			mutErr = err
			return err
		}
		if err := ctx.Err(); err != nil {
			mutErr = err
			return err
		}

		work.ID = current.ID
		work.CreatedAt = current.CreatedAt
		work.UpdatedAt = s.now()

		contextJSON, err := json.Marshal(work.Context)
		if err != nil {
			mutErr = fmt.Errorf("marshal task context: %w", err)
			return mutErr
		}

		if err := tx.Model(&TaskPO{}).
			Where("id = ?", id.value).
			Updates(map[string]interface{}{
				"state":      string(work.State),
				"context":    string(contextJSON),
				"updated_at": work.UpdatedAt,
			}).Error; err != nil {
			return err
		}

		updated = work
		return nil
	})

	if mutErr != nil {
		return nil, mutErr
	}
	if err != nil {
		return nil, s.classify(ctx, err)
	}
	return updated, nil
}

// ExpireStale 过期长时间未更新的任务
func (s *GormStore) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	result := s.db.WithContext(ctx).
		Model(&TaskPO{}).
		Where("state IN ? AND updated_at < ?", []string{string(StateCreated), string(StateInProgress)}, cutoff).
		Updates(map[string]interface{}{
			"state":      string(StateFailed),
			"context":    gorm.Expr("jsonb_set(context, '{error}', to_jsonb(?::text))", ExpiredReason),
			"updated_at": s.now(),
		})
	if result.Error != nil {
		return 0, s.classify(ctx, result.Error)
	}
	return int(result.RowsAffected), nil
}

// Ping 检查数据库连接
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return s.classify(ctx, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return s.classify(ctx, err)
	}
	return nil
}

// Close 关闭数据库连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// classify 将数据库错误归类为 ErrNotFound / ErrUnavailable / context 错误
func (s *GormStore) classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// toTaskPO 转换为持久化对象
func toTaskPO(task *Task) (*TaskPO, error) {
	contextJSON, err := json.Marshal(task.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal task context: %w", err)
	}
	return &TaskPO{
		ID:        task.ID.value,
		State:     string(task.State),
		Context:   string(contextJSON),
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.UpdatedAt,
	}, nil
}

// toDomainTask 转换为领域对象
func toDomainTask(po *TaskPO) (*Task, error) {
	var taskCtx Context
	if po.Context != "" {
		if err := json.Unmarshal([]byte(po.Context), &taskCtx); err != nil {
			return nil, fmt.Errorf("unmarshal task context %s: %w", po.ID, err)
		}
	}
	return &Task{
		ID:        ID{value: po.ID},
		State:     State(po.State),
		Context:   taskCtx,
		CreatedAt: po.CreatedAt,
		UpdatedAt: po.UpdatedAt,
	}, nil
}
