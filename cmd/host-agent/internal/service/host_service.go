package service

import (
	"context"
	"strings"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/google/uuid"

	"agentmesh/cmd/host-agent/internal/biz"
	apperrors "agentmesh/pkg/errors"
	"agentmesh/pkg/health"
	"agentmesh/pkg/protocol"
)

// TurnRequest 一轮用户消息；Agents 为空时按名片路由
type TurnRequest struct {
	Message protocol.Message `json:"message"`
	Agents  []string         `json:"agents,omitempty"`
}

// AgentTurn 单个远程智能体的结果
type AgentTurn struct {
	Agent  string               `json:"agent"`
	TaskID string               `json:"task_id,omitempty"`
	State  string               `json:"state,omitempty"`
	Result *protocol.Result     `json:"result,omitempty"`
	Error  *apperrors.ErrorBody `json:"error,omitempty"`
}

// TurnResponse 一轮的汇总结果
type TurnResponse struct {
	ConversationID string      `json:"conversation_id"`
	Results        []AgentTurn `json:"results"`
}

// ConversationView 会话当前打开的任务
type ConversationView struct {
	ConversationID string            `json:"conversation_id"`
	Handles        map[string]string `json:"handles"`
}

// HostService 宿主服务实现
type HostService struct {
	hostUc *biz.HostUsecase
}

// NewHostService 创建服务
func NewHostService(hostUc *biz.HostUsecase) *HostService {
	return &HostService{hostUc: hostUc}
}

// NewConversation 生成会话ID
func (s *HostService) NewConversation() string {
	return uuid.New().String()
}

// Turn 处理一轮消息
func (s *HostService) Turn(ctx context.Context, conversationID string, req *TurnRequest) (*TurnResponse, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, apperrors.InvalidRequest("conversation id is required")
	}
	if req.Message.Role == "" {
		req.Message.Role = "user"
	}
	if strings.TrimSpace(req.Message.Text) == "" && len(req.Message.Data) == 0 {
		return nil, apperrors.InvalidRequest("message must carry text or data")
	}

	results, err := s.hostUc.FanOut(ctx, conversationID, req.Agents, req.Message)
	if err != nil {
		return nil, err
	}

	resp := &TurnResponse{ConversationID: conversationID, Results: make([]AgentTurn, 0, len(results))}
	for _, r := range results {
		resp.Results = append(resp.Results, toAgentTurn(r))
	}
	return resp, nil
}

// Conversation 查询会话句柄
func (s *HostService) Conversation(ctx context.Context, conversationID string) (*ConversationView, error) {
	handles, err := s.hostUc.Handles(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &ConversationView{ConversationID: conversationID, Handles: handles}, nil
}

// ResetConversation 清除会话句柄
func (s *HostService) ResetConversation(ctx context.Context, conversationID string) error {
	return s.hostUc.Reset(ctx, conversationID)
}

// Agents 已发现的远程智能体名片
func (s *HostService) Agents(ctx context.Context) []protocol.AgentCard {
	return s.hostUc.Cards(ctx)
}

// RegisterChecks 将每个远程智能体注册为非关键依赖
func (s *HostService) RegisterChecks(h *health.HealthChecker) {
	for _, name := range s.hostUc.Agents() {
		h.RegisterOptional("remote:"+name, func(ctx context.Context) error {
			return s.hostUc.Probe(ctx, name)
		})
	}
}

func toAgentTurn(r biz.TurnResult) AgentTurn {
	turn := AgentTurn{Agent: r.Agent}
	if r.Err == nil {
		result := r.Result
		turn.TaskID, turn.State, turn.Result = r.TaskID, r.State, &result
		return turn
	}

	_, body := apperrors.NewErrorResponse(r.Err)
	if kerrors.Reason(r.Err) == "" {
		body.Error.Detail = "remote agent unavailable"
	}
	turn.Error = &body.Error
	turn.TaskID = body.Error.Metadata["task_id"]
	turn.State = body.Error.Metadata["task_state"]
	return turn
}
