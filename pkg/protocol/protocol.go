// Package protocol 定义宿主与远程智能体之间的消息格式
package protocol

import (
	"strings"
	"time"

	apperrors "agentmesh/pkg/errors"
)

const (
	// PathSendMessage 发送消息
	PathSendMessage = "/v1/message:send"
	// PathTasks 任务快照前缀
	PathTasks = "/v1/tasks/"
	// PathAgentCard 智能体名片
	PathAgentCard = "/.well-known/agent.json"
)

// Message 一轮消息
type Message struct {
	Role string         `json:"role"`
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
}

// SendRequest 发送消息请求，TaskID 为空表示尚无任务
type SendRequest struct {
	TaskID  *string `json:"task_id"`
	Message Message `json:"message"`
}

// Normalize 将空字符串任务ID视为未提供，并补全默认角色
func (r *SendRequest) Normalize() {
	if r.TaskID != nil && strings.TrimSpace(*r.TaskID) == "" {
		r.TaskID = nil
	}
	if r.Message.Role == "" {
		r.Message.Role = "user"
	}
}

// Validate 校验请求
func (r *SendRequest) Validate() error {
	if strings.TrimSpace(r.Message.Text) == "" && len(r.Message.Data) == 0 {
		return apperrors.InvalidRequest("message must carry text or data")
	}
	return nil
}

// Result 智能体本轮输出
type Result struct {
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
}

// SendResponse 发送消息响应
type SendResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
	Result Result `json:"result"`
}

// Terminal 任务是否已结束
func (r *SendResponse) Terminal() bool {
	return r.State == "completed" || r.State == "failed"
}

// TaskSnapshot 任务只读快照
type TaskSnapshot struct {
	TaskID    string            `json:"task_id"`
	State     string            `json:"state"`
	Slots     map[string]string `json:"slots,omitempty"`
	Turns     int               `json:"turns"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Skill 智能体技能
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// AgentCard 智能体名片
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	DefaultInputModes  []string          `json:"default_input_modes,omitempty"`
	DefaultOutputModes []string          `json:"default_output_modes,omitempty"`
	Skills             []Skill           `json:"skills"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Matches 按技能标签和名称对文本打分，0 表示不相关
func (c *AgentCard) Matches(text string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, skill := range c.Skills {
		for _, tag := range skill.Tags {
			if tag != "" && strings.Contains(lower, strings.ToLower(tag)) {
				score++
			}
		}
	}
	return score
}
