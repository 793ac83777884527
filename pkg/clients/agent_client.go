package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	apperrors "agentmesh/pkg/errors"
	"agentmesh/pkg/identity"
	"agentmesh/pkg/observability"
	"agentmesh/pkg/protocol"
)

// RemoteConfig 远程智能体配置
type RemoteConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
	// Audience 身份令牌受众，为空时使用 URL
	Audience   string        `mapstructure:"audience"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// AgentClient 远程智能体客户端，每次调用重新获取身份令牌
type AgentClient struct {
	name     string
	audience string
	base     *BaseClient
	tokens   identity.Provider
}

// NewAgentClient 创建远程智能体客户端
func NewAgentClient(cfg RemoteConfig, tokens identity.Provider) *AgentClient {
	audience := cfg.Audience
	if audience == "" {
		audience = cfg.URL
	}
	return &AgentClient{
		name:     cfg.Name,
		audience: audience,
		tokens:   tokens,
		base: NewBaseClient(BaseClientConfig{
			ServiceName: "remote-agent/" + cfg.Name,
			BaseURL:     cfg.URL,
			Timeout:     cfg.Timeout,
			MaxRetries:  cfg.MaxRetries,
		}),
	}
}

// Name 远程智能体名称
func (c *AgentClient) Name() string { return c.name }

// Send 发送一轮消息；taskID 为 nil 表示由服务端创建新任务
func (c *AgentClient) Send(ctx context.Context, taskID *string, msg protocol.Message) (*protocol.SendResponse, error) {
	ctx, span := observability.StartSpan(ctx, "agentmesh/clients", "AgentClient.Send",
		attribute.String("agent.remote", c.name),
		attribute.Bool("agent.task_present", taskID != nil),
	)
	defer span.End()

	header, err := c.authHeader(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	resp, err := c.base.Do(ctx, http.MethodPost, protocol.PathSendMessage, protocol.SendRequest{
		TaskID:  taskID,
		Message: msg,
	}, header)
	if err != nil {
		err = c.translate(err)
		observability.RecordError(span, err)
		return nil, err
	}

	var out protocol.SendResponse
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	if out.TaskID == "" {
		return nil, fmt.Errorf("%s: response carries no task id", c.name)
	}
	span.SetAttributes(attribute.String("agent.task_id", out.TaskID), attribute.String("agent.task_state", out.State))
	return &out, nil
}

// Task 查询任务快照
func (c *AgentClient) Task(ctx context.Context, taskID string) (*protocol.TaskSnapshot, error) {
	header, err := c.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	var out protocol.TaskSnapshot
	if err := c.base.GetJSON(ctx, protocol.PathTasks+url.PathEscape(taskID), nil, header, &out); err != nil {
		return nil, c.translate(err)
	}
	return &out, nil
}

// Card 获取智能体名片（无需鉴权）
func (c *AgentClient) Card(ctx context.Context) (*protocol.AgentCard, error) {
	var out protocol.AgentCard
	if err := c.base.GetJSON(ctx, protocol.PathAgentCard, nil, nil, &out); err != nil {
		return nil, c.translate(err)
	}
	if out.Name == "" {
		out.Name = c.name
	}
	return &out, nil
}

// authHeader 获取身份令牌；凭证问题转为协议错误，调用不会发出
func (c *AgentClient) authHeader(ctx context.Context) (http.Header, error) {
	tok, err := c.tokens.Token(ctx, c.audience)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrAuthExpired):
		return nil, apperrors.AuthExpired(fmt.Sprintf("credential for %s expired, re-authenticate and retry", c.name))
	case errors.Is(err, identity.ErrAuthFailed):
		return nil, apperrors.AuthFailed(fmt.Sprintf("no usable credential for %s: %v", c.name, err))
	default:
		return nil, fmt.Errorf("%s: fetch identity token: %w", c.name, err)
	}

	header := http.Header{}
	if bearer := tok.Bearer(); bearer != "" {
		header.Set("Authorization", bearer)
	}
	return header, nil
}

// translate 将远端错误响应还原为协议错误，其余保留为传输错误
func (c *AgentClient) translate(err error) error {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return err
	}

	var body apperrors.ErrorResponse
	if jsonErr := json.Unmarshal(statusErr.Body, &body); jsonErr != nil || body.Error.Kind == "" {
		return err
	}
	return body.Err()
}
