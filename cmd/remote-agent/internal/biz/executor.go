package biz

import (
	"context"

	"agentmesh/pkg/protocol"
	"agentmesh/pkg/taskstore"
)

// Outcome 单轮执行结果，Done 表示任务完成
type Outcome struct {
	Result protocol.Result
	Done   bool
}

// Executor 智能体执行器
//
// Execute 在任务上下文的副本上工作；返回错误时任务置为 failed，
// 若请求已取消则什么也不会持久化。
type Executor interface {
	Execute(ctx context.Context, tc *taskstore.Context, msg protocol.Message) (*Outcome, error)
	// Describe 返回名片描述和技能列表
	Describe() (description string, skills []protocol.Skill)
}

// reply 继续多轮对话
func reply(text string, data map[string]any) *Outcome {
	return &Outcome{Result: protocol.Result{Text: text, Data: data}}
}

// done 结束任务
func done(text string, data map[string]any) *Outcome {
	return &Outcome{Result: protocol.Result{Text: text, Data: data}, Done: true}
}
