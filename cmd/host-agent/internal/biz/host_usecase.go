package biz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "agentmesh/pkg/errors"
	"agentmesh/pkg/keylock"
	"agentmesh/pkg/monitoring"
	"agentmesh/pkg/observability"
	"agentmesh/pkg/protocol"
)

// RemoteAgent 远程智能体调用方，每次调用自行附带新获取的身份令牌
type RemoteAgent interface {
	Name() string
	Send(ctx context.Context, taskID *string, msg protocol.Message) (*protocol.SendResponse, error)
	Card(ctx context.Context) (*protocol.AgentCard, error)
}

// HandleRepo 会话句柄存储：(会话, 远程智能体) -> 当前任务ID
//
// 句柄只是对远程任务的引用，不保存任务本身。
type HandleRepo interface {
	// Get 读取句柄，ok 为 false 表示尚无任务
	Get(ctx context.Context, conversationID, agent string) (taskID string, ok bool, err error)
	// Set 记录远程返回的任务ID
	Set(ctx context.Context, conversationID, agent, taskID string) error
	// Clear 清除句柄，下一轮由远程创建新任务
	Clear(ctx context.Context, conversationID, agent string) error
	// List 会话的全部句柄
	List(ctx context.Context, conversationID string) (map[string]string, error)
	// Reset 清除会话的全部句柄
	Reset(ctx context.Context, conversationID string) error
}

// TurnResult 单个远程智能体的一轮结果，Err 非空表示该远程失败
type TurnResult struct {
	Agent  string
	TaskID string
	State  string
	Result protocol.Result
	Err    error
}

// HostUsecase 宿主智能体：维护会话句柄并向远程智能体转发消息
type HostUsecase struct {
	remotes map[string]RemoteAgent
	names   []string
	handles HandleRepo
	locks   *keylock.KeyLock
	logger  *zap.Logger

	cardsMu sync.RWMutex
	cards   map[string]*protocol.AgentCard
}

// NewHostUsecase 创建宿主用例
func NewHostUsecase(remotes []RemoteAgent, handles HandleRepo, logger *zap.Logger) *HostUsecase {
	uc := &HostUsecase{
		remotes: make(map[string]RemoteAgent, len(remotes)),
		handles: handles,
		locks:   keylock.New(),
		logger:  logger.With(zap.String("module", "host-usecase")),
		cards:   make(map[string]*protocol.AgentCard),
	}
	for _, r := range remotes {
		uc.remotes[r.Name()] = r
		uc.names = append(uc.names, r.Name())
	}
	sort.Strings(uc.names)
	return uc
}

// Agents 已配置的远程智能体名称
func (uc *HostUsecase) Agents() []string {
	return append([]string(nil), uc.names...)
}

// Send 向单个远程智能体发送一轮消息
//
// 同一 (会话, 远程) 的轮次串行执行。句柄规则：
// 非终态记录返回的任务ID；终态清除；TaskNotFound/TaskClosed 清除后原样返回错误，
// 不会自行生成任务ID重试；AuthExpired 时调用不会发出，句柄保持不变。
func (uc *HostUsecase) Send(ctx context.Context, conversationID, agent string, msg protocol.Message) (*TurnResult, error) {
	remote, ok := uc.remotes[agent]
	if !ok {
		return nil, apperrors.InvalidRequest(fmt.Sprintf("unknown remote agent %q", agent))
	}

	unlock := uc.locks.Lock(handleKey(conversationID, agent))
	defer unlock()

	logger := uc.logger.With(zap.String("conversation_id", conversationID), zap.String("agent", agent))

	var taskID *string
	current, ok, err := uc.handles.Get(ctx, conversationID, agent)
	if err != nil {
		return nil, fmt.Errorf("read handle: %w", err)
	}
	if ok {
		taskID = &current
	}

	resp, err := remote.Send(ctx, taskID, msg)
	monitoring.HostRemoteCallsTotal.WithLabelValues(agent, callOutcome(err)).Inc()
	if err != nil {
		uc.onSendError(ctx, logger, conversationID, agent, current, err)
		return nil, err
	}

	if resp.Terminal() {
		if err := uc.handles.Clear(ctx, conversationID, agent); err != nil {
			logger.Error("failed to clear handle", zap.String("task_id", resp.TaskID), zap.Error(err))
		}
	} else if err := uc.handles.Set(ctx, conversationID, agent, resp.TaskID); err != nil {
		// 句柄丢失时下一轮会开启新任务，旧任务由远程的过期清理回收
		logger.Error("failed to persist handle", zap.String("task_id", resp.TaskID), zap.Error(err))
	}

	logger.Info("remote turn completed",
		zap.String("task_id", resp.TaskID),
		zap.String("state", resp.State),
		zap.Bool("resumed", taskID != nil),
	)
	return &TurnResult{Agent: agent, TaskID: resp.TaskID, State: resp.State, Result: resp.Result}, nil
}

func (uc *HostUsecase) onSendError(ctx context.Context, logger *zap.Logger, conversationID, agent, current string, err error) {
	switch {
	case apperrors.IsTaskNotFound(err), apperrors.IsTaskClosed(err):
		logger.Warn("remote rejected task handle, clearing it",
			zap.String("task_id", current),
			zap.String("kind", apperrors.Kind(err)),
		)
	case apperrors.Metadata(err)["task_state"] == "failed":
		logger.Warn("remote task failed", zap.String("task_id", apperrors.Metadata(err)["task_id"]))
	case apperrors.IsAuthExpired(err):
		logger.Warn("identity credential expired, re-authentication required")
		return
	default:
		logger.Error("remote call failed", zap.Error(err))
		return
	}

	if clearErr := uc.handles.Clear(ctx, conversationID, agent); clearErr != nil {
		logger.Error("failed to clear handle", zap.Error(clearErr))
	}
}

// FanOut 并发向多个远程智能体发送同一消息，按 agents 顺序返回每个远程的结果
//
// 各调用互不影响，一个失败不会取消其他调用。agents 为空时按名片技能路由。
func (uc *HostUsecase) FanOut(ctx context.Context, conversationID string, agents []string, msg protocol.Message) ([]TurnResult, error) {
	ctx, span := observability.StartSpan(ctx, "agentmesh/host-agent", "HostUsecase.FanOut",
		attribute.String("conversation.id", conversationID),
	)
	defer span.End()

	if len(agents) == 0 {
		routed, err := uc.Route(ctx, msg.Text)
		if err != nil {
			return nil, err
		}
		agents = routed
	}
	agents = dedupe(agents)
	for _, name := range agents {
		if _, ok := uc.remotes[name]; !ok {
			return nil, apperrors.InvalidRequest(fmt.Sprintf("unknown remote agent %q", name))
		}
	}
	span.SetAttributes(attribute.StringSlice("agent.remotes", agents))

	results := make([]TurnResult, len(agents))
	var g errgroup.Group
	for i, name := range agents {
		i, name := i, name
		g.Go(func() error {
			r, err := uc.Send(ctx, conversationID, name, msg)
			if err != nil {
				results[i] = TurnResult{Agent: name, Err: err}
				return nil
			}
			results[i] = *r
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// Route 按名片技能标签为消息选择远程智能体，取得分最高的一个或多个
func (uc *HostUsecase) Route(ctx context.Context, text string) ([]string, error) {
	best, matched := 0, []string(nil)
	for _, card := range uc.Cards(ctx) {
		score := card.Matches(text)
		switch {
		case score == 0 || score < best:
		case score > best:
			best, matched = score, []string{card.Name}
		default:
			matched = append(matched, card.Name)
		}
	}
	if len(matched) == 0 {
		return nil, apperrors.InvalidRequest(fmt.Sprintf(
			"no remote agent matches the message, name one of: %s", strings.Join(uc.names, ", ")))
	}
	return matched, nil
}

// Cards 获取各远程智能体名片，名片按远程名称缓存；获取失败的远程不出现在结果中
//
// 返回名片的 Name 为配置中的远程名称。
func (uc *HostUsecase) Cards(ctx context.Context) []protocol.AgentCard {
	out := make([]protocol.AgentCard, len(uc.names))
	found := make([]bool, len(uc.names))

	var g errgroup.Group
	for i, name := range uc.names {
		i, name := i, name
		g.Go(func() error {
			card, err := uc.card(ctx, name)
			if err != nil {
				uc.logger.Warn("failed to fetch agent card", zap.String("agent", name), zap.Error(err))
				return nil
			}
			out[i], found[i] = *card, true
			return nil
		})
	}
	_ = g.Wait()

	cards := make([]protocol.AgentCard, 0, len(out))
	for i := range out {
		if found[i] {
			cards = append(cards, out[i])
		}
	}
	return cards
}

// Probe 重新获取远程名片以检查连通性，并刷新缓存
func (uc *HostUsecase) Probe(ctx context.Context, name string) error {
	uc.cardsMu.Lock()
	delete(uc.cards, name)
	uc.cardsMu.Unlock()
	_, err := uc.card(ctx, name)
	return err
}

func (uc *HostUsecase) card(ctx context.Context, name string) (*protocol.AgentCard, error) {
	uc.cardsMu.RLock()
	card, ok := uc.cards[name]
	uc.cardsMu.RUnlock()
	if ok {
		return card, nil
	}

	card, err := uc.remotes[name].Card(ctx)
	if err != nil {
		return nil, err
	}
	copied := *card
	copied.Name = name

	uc.cardsMu.Lock()
	uc.cards[name] = &copied
	uc.cardsMu.Unlock()
	return &copied, nil
}

// Handles 会话当前打开的任务句柄
func (uc *HostUsecase) Handles(ctx context.Context, conversationID string) (map[string]string, error) {
	return uc.handles.List(ctx, conversationID)
}

// Reset 清除会话的全部句柄；等待该会话进行中的轮次结束，避免旧任务ID被写回
func (uc *HostUsecase) Reset(ctx context.Context, conversationID string) error {
	// 按固定顺序加锁，Send 只持有单个 key，不会形成环
	for _, name := range uc.names {
		unlock := uc.locks.Lock(handleKey(conversationID, name))
		defer unlock()
	}
	return uc.handles.Reset(ctx, conversationID)
}

func handleKey(conversationID, agent string) string {
	return conversationID + "/" + agent
}

// callOutcome 指标标签：成功、协议错误类型或传输错误
func callOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	if reason := kerrors.Reason(err); reason != "" {
		return reason
	}
	return "transport"
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
