package taskstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound 任务不存在
	ErrNotFound = errors.New("task not found")
	// ErrUnavailable 存储后端暂时不可用（可重试）
	ErrUnavailable = errors.New("task store unavailable")
	// ErrClosed 任务已处于终态，不再接受更新
	ErrClosed = errors.New("task is closed")
	// ErrInvalidTransition 非法状态迁移
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// State 任务状态
type State string

const (
	StateCreated    State = "created"     // 已创建
	StateInProgress State = "in-progress" // 执行中（等待后续输入）
	StateCompleted  State = "completed"   // 已完成
	StateFailed     State = "failed"      // 失败
)

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid 是否为已知状态
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateInProgress, StateCompleted, StateFailed:
		return true
	}
	return false
}

// ID 任务标识，只能由 Store.Create 生成
type ID struct {
	value string
}

// String 返回ID的字符串形式
func (id ID) String() string { return id.value }

// IsZero 是否为空ID
func (id ID) IsZero() bool { return id.value == "" }

func newID() ID {
	return ID{value: "task_" + uuid.New().String()}
}

// Turn 一轮消息
type Turn struct {
	Role string         `json:"role"`
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
	At   time.Time      `json:"at"`
}

// Context 任务上下文，对存储层不透明，整体以JSON持久化
type Context struct {
	Turns []Turn            `json:"turns,omitempty"`
	Slots map[string]string `json:"slots,omitempty"`
	Error string            `json:"error,omitempty"`
}

// AddTurn 追加一轮消息
func (c *Context) AddTurn(role, text string, data map[string]any) {
	c.Turns = append(c.Turns, Turn{
		Role: role,
		Text: text,
		Data: data,
		At:   time.Now().UTC(),
	})
}

// Slot 读取槽位
func (c *Context) Slot(key string) string {
	return c.Slots[key]
}

// SetSlot 写入槽位，空值删除
func (c *Context) SetSlot(key, value string) {
	if value == "" {
		delete(c.Slots, key)
		return
	}
	if c.Slots == nil {
		c.Slots = make(map[string]string)
	}
	c.Slots[key] = value
}

// Clone 深拷贝
func (c Context) Clone() Context {
	out := Context{Error: c.Error}
	if c.Turns != nil {
		out.Turns = make([]Turn, len(c.Turns))
		for i, turn := range c.Turns {
			turn.Data = cloneMap(turn.Data)
			out.Turns[i] = turn
		}
	}
	if c.Slots != nil {
		out.Slots = make(map[string]string, len(c.Slots))
		for k, v := range c.Slots {
			out.Slots[k] = v
		}
	}
	return out
}

// Task 任务聚合根
type Task struct {
	ID        ID
	State     State
	Context   Context
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Mutation 在任务副本上执行的修改，返回错误时修改被丢弃
type Mutation func(t *Task) error

// Advance 状态迁移：created → in-progress → {completed, failed}
//
// in-progress 可重复进入；终态只能从 in-progress 到达。
// 过期清理由 Store.ExpireStale 直接置为 failed，不经过这里。
func (t *Task) Advance(to State) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if t.State.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, t.State)
	}
	switch {
	case to == StateInProgress:
	case t.State == StateInProgress && to.Terminal():
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)
	}
	t.State = to
	return nil
}

// Clone 深拷贝任务
func (t *Task) Clone() *Task {
	c := *t
	c.Context = t.Context.Clone()
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
