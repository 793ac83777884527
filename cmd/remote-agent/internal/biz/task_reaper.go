package biz

import (
	"context"
	"time"

	"go.uber.org/zap"

	"agentmesh/pkg/events"
	"agentmesh/pkg/monitoring"
	"agentmesh/pkg/taskstore"
)

// TaskReaper 过期任务清理器（定时任务）
//
// 长时间停留在非终态的任务被置为 failed，之后引用它们会得到 TaskClosed。
type TaskReaper struct {
	store      taskstore.Store
	publisher  events.Publisher
	agent      string
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewTaskReaper 创建清理器
func NewTaskReaper(
	store taskstore.Store,
	publisher events.Publisher,
	agent string,
	staleAfter time.Duration,
	interval time.Duration,
	logger *zap.Logger,
) *TaskReaper {
	return &TaskReaper{
		store:      store,
		publisher:  publisher,
		agent:      agent,
		staleAfter: staleAfter,
		interval:   interval,
		now:        time.Now,
		logger:     logger.With(zap.String("module", "task-reaper")),
	}
}

// Run 运行清理任务，staleAfter 或 interval 为 0 时直接返回
func (r *TaskReaper) Run(ctx context.Context) {
	if r.staleAfter <= 0 || r.interval <= 0 {
		r.logger.Info("task reaper disabled")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("task reaper started",
		zap.Duration("stale_after", r.staleAfter),
		zap.Duration("interval", r.interval),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("task reaper stopped")
			return

		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("task reap failed", zap.Error(err))
			}
		}
	}
}

// ReapOnce 执行一次清理，返回过期的任务数
func (r *TaskReaper) ReapOnce(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)
	n, err := r.store.ExpireStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	monitoring.AgentTaskTransitionsTotal.WithLabelValues(r.agent, string(taskstore.StateFailed)).Add(float64(n))
	r.logger.Info("expired stale tasks", zap.Int("count", n), zap.Time("cutoff", cutoff))

	if err := r.publisher.Publish(ctx, &events.TaskEvent{
		EventType: events.EventTaskExpired,
		Agent:     r.agent,
		State:     string(taskstore.StateFailed),
		Count:     n,
	}); err != nil {
		r.logger.Warn("failed to publish expiry event", zap.Error(err))
	}
	return n, nil
}
