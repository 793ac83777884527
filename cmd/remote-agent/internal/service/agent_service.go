package service

import (
	"context"

	"agentmesh/cmd/remote-agent/internal/biz"
	"agentmesh/cmd/remote-agent/internal/conf"
	"agentmesh/pkg/protocol"
	"agentmesh/pkg/taskstore"
)

// AgentService 远程智能体服务实现
type AgentService struct {
	taskUc *biz.TaskUsecase
	card   protocol.AgentCard
}

// NewAgentService 创建服务
func NewAgentService(taskUc *biz.TaskUsecase, executor biz.Executor, cfg *conf.Config) *AgentService {
	return &AgentService{
		taskUc: taskUc,
		card:   buildCard(cfg.Agent, executor),
	}
}

// SendMessage 处理一轮消息
func (s *AgentService) SendMessage(ctx context.Context, req *protocol.SendRequest) (*protocol.SendResponse, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	reply, err := s.taskUc.Handle(ctx, req.TaskID, req.Message)
	if err != nil {
		return nil, err
	}
	return &protocol.SendResponse{
		TaskID: reply.TaskID,
		State:  string(reply.State),
		Result: reply.Result,
	}, nil
}

// GetTask 查询任务快照
func (s *AgentService) GetTask(ctx context.Context, taskID string) (*protocol.TaskSnapshot, error) {
	task, err := s.taskUc.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return toSnapshot(task), nil
}

// Card 智能体名片
func (s *AgentService) Card() protocol.AgentCard {
	return s.card
}

// Ready 就绪检查
func (s *AgentService) Ready(ctx context.Context) error {
	return s.taskUc.Ready(ctx)
}

func buildCard(agent conf.AgentConfig, executor biz.Executor) protocol.AgentCard {
	description, skills := executor.Describe()
	card := protocol.AgentCard{
		Name:               agent.Name,
		Description:        description,
		URL:                agent.URL,
		Version:            agent.Version,
		DefaultInputModes:  []string{"text", "text/plain"},
		DefaultOutputModes: []string{"text", "text/plain"},
		Skills:             skills,
	}
	if agent.Project != "" || agent.Region != "" {
		card.Metadata = map[string]string{}
		if agent.Project != "" {
			card.Metadata["project"] = agent.Project
		}
		if agent.Region != "" {
			card.Metadata["region"] = agent.Region
		}
	}
	return card
}

func toSnapshot(task *taskstore.Task) *protocol.TaskSnapshot {
	return &protocol.TaskSnapshot{
		TaskID:    task.ID.String(),
		State:     string(task.State),
		Slots:     task.Context.Slots,
		Turns:     len(task.Context.Turns),
		Error:     task.Context.Error,
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.UpdatedAt,
	}
}
