package biz

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	apperrors "agentmesh/pkg/errors"
	"agentmesh/pkg/events"
	"agentmesh/pkg/monitoring"
	"agentmesh/pkg/observability"
	"agentmesh/pkg/protocol"
	"agentmesh/pkg/resilience"
	"agentmesh/pkg/taskstore"
)

// executionFailedDetail 执行失败时写入任务上下文和响应的描述，不包含内部细节
const executionFailedDetail = "agent execution failed"

// Reply 一轮处理结果
type Reply struct {
	TaskID string
	State  taskstore.State
	Result protocol.Result
}

// TaskUsecaseConfig 任务用例配置
type TaskUsecaseConfig struct {
	Agent            string
	ExecutionTimeout time.Duration
	Retry            resilience.RetryPolicy
}

// TaskUsecase 远程智能体的任务创建、查找和执行
type TaskUsecase struct {
	store     taskstore.Store
	executor  Executor
	publisher events.Publisher
	cfg       TaskUsecaseConfig
	logger    *zap.Logger
}

// NewTaskUsecase 创建任务用例
func NewTaskUsecase(
	store taskstore.Store,
	executor Executor,
	publisher events.Publisher,
	cfg TaskUsecaseConfig,
	logger *zap.Logger,
) *TaskUsecase {
	cfg.Retry.Retryable = resilience.RetryOn(taskstore.ErrUnavailable)
	return &TaskUsecase{
		store:     store,
		executor:  executor,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With(zap.String("module", "task-usecase"), zap.String("agent", cfg.Agent)),
	}
}

// Handle 处理一条消息
//
// taskID 为空时创建新任务；非空时必须指向已存在且未结束的任务，
// 不存在返回 TaskNotFound，绝不会因此创建新任务。
func (uc *TaskUsecase) Handle(ctx context.Context, taskID *string, msg protocol.Message) (*Reply, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "agentmesh/remote-agent", "TaskUsecase.Handle",
		attribute.String("agent.name", uc.cfg.Agent),
		attribute.Bool("agent.task_present", taskID != nil),
	)
	defer span.End()

	reply, err := uc.handle(ctx, taskID, msg)

	outcome := "ok"
	if err != nil {
		outcome = apperrors.Kind(err)
		observability.RecordError(span, err)
	} else {
		span.SetAttributes(attribute.String("agent.task_id", reply.TaskID), attribute.String("agent.task_state", string(reply.State)))
	}
	monitoring.AgentRequestsTotal.WithLabelValues(uc.cfg.Agent, outcome).Inc()
	monitoring.AgentRequestDuration.WithLabelValues(uc.cfg.Agent).Observe(time.Since(start).Seconds())

	return reply, err
}

func (uc *TaskUsecase) handle(ctx context.Context, taskID *string, msg protocol.Message) (*Reply, error) {
	var id taskstore.ID

	if taskID == nil || *taskID == "" {
		task, err := resilience.Do(ctx, uc.cfg.Retry, func(ctx context.Context) (*taskstore.Task, error) {
			return uc.store.Create(ctx)
		})
		if err != nil {
			return nil, uc.storeError(ctx, err, "")
		}
		id = task.ID
		uc.logger.Info("task created", zap.String("task_id", id.String()))
		uc.recordTransition(ctx, id.String(), "", taskstore.StateCreated)
	} else {
		task, err := resilience.Do(ctx, uc.cfg.Retry, func(ctx context.Context) (*taskstore.Task, error) {
			return uc.store.Get(ctx, *taskID)
		})
		if err != nil {
			return nil, uc.storeError(ctx, err, *taskID)
		}
		if task.State.Terminal() {
			return nil, apperrors.TaskClosed(task.ID.String(), string(task.State))
		}
		id = task.ID
	}

	var (
		previous taskstore.State
		turn     *executedTurn
	)

	// 只重试存储操作：提交失败后基于同一版本的任务重放已执行的结果，不重复调用执行器
	updated, err := resilience.Do(ctx, uc.cfg.Retry, func(ctx context.Context) (*taskstore.Task, error) {
		return uc.store.Update(ctx, id, func(t *taskstore.Task) error {
			previous = t.State
			if turn == nil || !turn.base.Equal(t.UpdatedAt) {
				next, err := uc.runTurn(ctx, t, msg)
				if err != nil {
					return err
				}
				turn = next
			}
			return turn.apply(t)
		})
	})
	if err != nil {
		return nil, uc.storeError(ctx, err, id.String())
	}

	if updated.State != previous {
		uc.recordTransition(ctx, id.String(), previous, updated.State)
	}

	if turn.err != nil {
		uc.logger.Error("agent execution failed",
			zap.String("task_id", id.String()),
			zap.Error(turn.err),
		)
		return nil, apperrors.Internal(executionFailedDetail, map[string]string{
			"task_id":    id.String(),
			"task_state": string(taskstore.StateFailed),
		})
	}

	uc.logger.Info("task turn handled",
		zap.String("task_id", id.String()),
		zap.String("state", string(updated.State)),
	)
	return &Reply{TaskID: id.String(), State: updated.State, Result: turn.result}, nil
}

// executedTurn 一轮执行的结果，base 为执行时任务的版本
type executedTurn struct {
	base    time.Time
	context taskstore.Context
	result  protocol.Result
	done    bool
	err     error
}

// runTurn 在任务上下文副本上执行一轮；请求取消时返回错误，不产生结果
func (uc *TaskUsecase) runTurn(ctx context.Context, t *taskstore.Task, msg protocol.Message) (*executedTurn, error) {
	turn := &executedTurn{base: t.UpdatedAt, context: t.Context.Clone()}
	turn.context.AddTurn(msg.Role, msg.Text, msg.Data)

	out, err := uc.execute(ctx, &turn.context, msg)
	if err != nil {
		// 请求已取消：不持久化任何修改
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		turn.err = err
		turn.context.Error = executionFailedDetail
		return turn, nil
	}

	turn.result, turn.done = out.Result, out.Done
	turn.context.Error = ""
	turn.context.AddTurn("agent", out.Result.Text, out.Result.Data)
	return turn, nil
}

// apply 将执行结果写入任务并推进状态
func (e *executedTurn) apply(t *taskstore.Task) error {
	t.Context = e.context.Clone()
	if err := t.Advance(taskstore.StateInProgress); err != nil {
		return err
	}
	switch {
	case e.err != nil:
		return t.Advance(taskstore.StateFailed)
	case e.done:
		return t.Advance(taskstore.StateCompleted)
	}
	return nil
}

// Task 查询任务快照
func (uc *TaskUsecase) Task(ctx context.Context, taskID string) (*taskstore.Task, error) {
	task, err := resilience.Do(ctx, uc.cfg.Retry, func(ctx context.Context) (*taskstore.Task, error) {
		return uc.store.Get(ctx, taskID)
	})
	if err != nil {
		return nil, uc.storeError(ctx, err, taskID)
	}
	return task, nil
}

// Ready 存储是否可用
func (uc *TaskUsecase) Ready(ctx context.Context) error {
	return uc.store.Ping(ctx)
}

func (uc *TaskUsecase) execute(ctx context.Context, tc *taskstore.Context, msg protocol.Message) (*Outcome, error) {
	if uc.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.cfg.ExecutionTimeout)
		defer cancel()
	}
	out, err := uc.executor.Execute(ctx, tc, msg)
	if err == nil && out == nil {
		return nil, errors.New("executor returned no outcome")
	}
	return out, err
}

// storeError 将存储错误映射为协议错误
func (uc *TaskUsecase) storeError(ctx context.Context, err error, taskID string) error {
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		return apperrors.TaskNotFound(taskID)
	case errors.Is(err, taskstore.ErrClosed):
		state := "closed"
		if task, getErr := uc.store.Get(ctx, taskID); getErr == nil {
			state = string(task.State)
		}
		return apperrors.TaskClosed(taskID, state)
	case ctx.Err() != nil:
		return ctx.Err()
	}

	uc.logger.Error("task store failure", zap.String("task_id", taskID), zap.Error(err))
	var metadata map[string]string
	if taskID != "" {
		metadata = map[string]string{"task_id": taskID}
	}
	return apperrors.Internal("task store unavailable", metadata)
}

func (uc *TaskUsecase) recordTransition(ctx context.Context, taskID string, from, to taskstore.State) {
	monitoring.AgentTaskTransitionsTotal.WithLabelValues(uc.cfg.Agent, string(to)).Inc()

	eventType := events.EventTaskStateChanged
	if from == "" {
		eventType = events.EventTaskCreated
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := uc.publisher.Publish(pubCtx, &events.TaskEvent{
		EventType:     eventType,
		Agent:         uc.cfg.Agent,
		TaskID:        taskID,
		State:         string(to),
		PreviousState: string(from),
	}); err != nil {
		uc.logger.Warn("failed to publish task event", zap.String("task_id", taskID), zap.Error(err))
	}
}
