package biz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "agentmesh/pkg/errors"
	"agentmesh/pkg/protocol"
)

// memoryHandles 测试用句柄存储
type memoryHandles struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemoryHandles() *memoryHandles { return &memoryHandles{m: map[string]string{}} }

func (h *memoryHandles) Get(ctx context.Context, conv, agent string) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.m[conv+"/"+agent]
	return v, ok, nil
}

func (h *memoryHandles) Set(ctx context.Context, conv, agent, taskID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[conv+"/"+agent] = taskID
	return nil
}

func (h *memoryHandles) Clear(ctx context.Context, conv, agent string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.m, conv+"/"+agent)
	return nil
}

func (h *memoryHandles) List(ctx context.Context, conv string) (map[string]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := map[string]string{}
	for k, v := range h.m {
		if len(k) > len(conv) && k[:len(conv)+1] == conv+"/" {
			out[k[len(conv)+1:]] = v
		}
	}
	return out, nil
}

func (h *memoryHandles) Reset(ctx context.Context, conv string) error {
	list, _ := h.List(ctx, conv)
	for agent := range list {
		_ = h.Clear(ctx, conv, agent)
	}
	return nil
}

// fakeRemote 模拟远程智能体：任务在 turnsToComplete 轮后完成
type fakeRemote struct {
	name            string
	tags            []string
	turnsToComplete int
	err             error
	delay           time.Duration

	mu       sync.Mutex
	nextID   int
	tasks    map[string]int
	closed   map[string]bool
	received []*string
	calls    atomic.Int32
}

func newFakeRemote(name string, turns int, tags ...string) *fakeRemote {
	return &fakeRemote{name: name, tags: tags, turnsToComplete: turns, tasks: map[string]int{}, closed: map[string]bool{}}
}

func (r *fakeRemote) Name() string { return r.name }

func (r *fakeRemote) Send(ctx context.Context, taskID *string, msg protocol.Message) (*protocol.SendResponse, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if taskID != nil {
		copied := *taskID
		r.received = append(r.received, &copied)
	} else {
		r.received = append(r.received, nil)
	}
	if r.err != nil {
		return nil, r.err
	}

	var id string
	if taskID == nil {
		r.nextID++
		id = fmt.Sprintf("%s-T%d", r.name, r.nextID)
	} else {
		id = *taskID
		if _, ok := r.tasks[id]; !ok {
			return nil, apperrors.TaskNotFound(id)
		}
		if r.closed[id] {
			return nil, apperrors.TaskClosed(id, "completed")
		}
	}
	r.tasks[id]++

	state := "in-progress"
	if r.tasks[id] >= r.turnsToComplete {
		state = "completed"
		r.closed[id] = true
	}
	return &protocol.SendResponse{TaskID: id, State: state, Result: protocol.Result{Text: r.name + " ok"}}, nil
}

func (r *fakeRemote) Card(ctx context.Context) (*protocol.AgentCard, error) {
	return &protocol.AgentCard{Name: r.name + " display", Skills: []protocol.Skill{{Tags: r.tags}}}, nil
}

func (r *fakeRemote) lastReceived() *string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received[len(r.received)-1]
}

func newTestHost(handles HandleRepo, remotes ...RemoteAgent) *HostUsecase {
	return NewHostUsecase(remotes, handles, zap.NewNop())
}

func user(text string) protocol.Message { return protocol.Message{Role: "user", Text: text} }

func TestHostUsecase_HandleLifecycle(t *testing.T) {
	ctx := context.Background()
	stays := newFakeRemote("stays", 2)
	handles := newMemoryHandles()
	host := newTestHost(handles, stays)

	// 首轮不带任务ID，记录远程返回的ID
	first, err := host.Send(ctx, "c1", "stays", user("book a stay"))
	require.NoError(t, err)
	assert.Nil(t, stays.lastReceived())
	taskID, ok, _ := handles.Get(ctx, "c1", "stays")
	require.True(t, ok)
	assert.Equal(t, first.TaskID, taskID)

	// 第二轮复用同一ID，任务完成后句柄清除
	second, err := host.Send(ctx, "c1", "stays", user("confirm dates"))
	require.NoError(t, err)
	require.NotNil(t, stays.lastReceived())
	assert.Equal(t, first.TaskID, *stays.lastReceived())
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, "completed", second.State)
	_, ok, _ = handles.Get(ctx, "c1", "stays")
	assert.False(t, ok)

	// 下一轮开启新任务
	third, err := host.Send(ctx, "c1", "stays", user("new request"))
	require.NoError(t, err)
	assert.Nil(t, stays.lastReceived())
	assert.NotEqual(t, first.TaskID, third.TaskID)
}

func TestHostUsecase_StaleHandleIsClearedNotReplaced(t *testing.T) {
	ctx := context.Background()
	stays := newFakeRemote("stays", 5)
	handles := newMemoryHandles()
	require.NoError(t, handles.Set(ctx, "c1", "stays", "T999"))
	host := newTestHost(handles, stays)

	_, err := host.Send(ctx, "c1", "stays", user("anything"))
	require.Error(t, err)
	assert.True(t, apperrors.IsTaskNotFound(err))
	assert.Equal(t, int32(1), stays.calls.Load())

	_, ok, _ := handles.Get(ctx, "c1", "stays")
	assert.False(t, ok)

	_, err = host.Send(ctx, "c1", "stays", user("start over"))
	require.NoError(t, err)
	assert.Nil(t, stays.lastReceived())
}

func TestHostUsecase_FailedTaskClearsHandle(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote("weather", 5)
	handles := newMemoryHandles()
	require.NoError(t, handles.Set(ctx, "c1", "weather", "weather-T1"))
	remote.err = apperrors.Internal("agent execution failed", map[string]string{"task_id": "weather-T1", "task_state": "failed"})

	_, err := newTestHost(handles, remote).Send(ctx, "c1", "weather", user("hi"))
	require.Error(t, err)
	_, ok, _ := handles.Get(ctx, "c1", "weather")
	assert.False(t, ok)
}

func TestHostUsecase_AuthExpiredKeepsHandle(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote("weather", 5)
	remote.err = apperrors.AuthExpired("credential for weather expired, re-authenticate and retry")
	handles := newMemoryHandles()
	require.NoError(t, handles.Set(ctx, "c1", "weather", "weather-T1"))

	_, err := newTestHost(handles, remote).Send(ctx, "c1", "weather", user("hi"))
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthExpired(err))

	taskID, ok, _ := handles.Get(ctx, "c1", "weather")
	assert.True(t, ok)
	assert.Equal(t, "weather-T1", taskID)
}

func TestHostUsecase_TransportErrorKeepsHandle(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote("weather", 5)
	remote.err = errors.New("dial tcp: connection refused")
	handles := newMemoryHandles()
	require.NoError(t, handles.Set(ctx, "c1", "weather", "weather-T1"))

	_, err := newTestHost(handles, remote).Send(ctx, "c1", "weather", user("hi"))
	require.Error(t, err)
	_, ok, _ := handles.Get(ctx, "c1", "weather")
	assert.True(t, ok)
}

func TestHostUsecase_FanOutPartialSuccess(t *testing.T) {
	ctx := context.Background()
	weather := newFakeRemote("weather", 1)
	weather.delay = 20 * time.Millisecond
	stays := newFakeRemote("stays", 3)
	broken := newFakeRemote("flights", 1)
	broken.err = errors.New("connection reset")

	handles := newMemoryHandles()
	host := newTestHost(handles, weather, stays, broken)

	results, err := host.FanOut(ctx, "c1", []string{"weather", "flights", "stays", "weather"}, user("plan my trip"))
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "weather", results[0].Agent)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "completed", results[0].State)

	assert.Equal(t, "flights", results[1].Agent)
	assert.Error(t, results[1].Err)

	assert.Equal(t, "stays", results[2].Agent)
	assert.NoError(t, results[2].Err)

	open, err := host.Handles(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"stays": results[2].TaskID}, open)
}

func TestHostUsecase_FanOutUnknownAgent(t *testing.T) {
	host := newTestHost(newMemoryHandles(), newFakeRemote("weather", 1))
	_, err := host.FanOut(context.Background(), "c1", []string{"flights"}, user("hi"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonInvalidRequest, apperrors.Kind(err))
}

func TestHostUsecase_SameHandleTurnsAreSerialized(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote("stays", 100)
	remote.delay = time.Millisecond
	handles := newMemoryHandles()
	host := newTestHost(handles, remote)

	_, err := host.Send(ctx, "c1", "stays", user("start"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := host.Send(ctx, "c1", "stays", user("more"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, 1, remote.nextID)
	assert.Equal(t, 11, remote.tasks["stays-T1"])
}

func TestHostUsecase_RouteByCardTags(t *testing.T) {
	ctx := context.Background()
	host := newTestHost(newMemoryHandles(),
		newFakeRemote("weather", 1, "weather", "forecast"),
		newFakeRemote("stays", 1, "accommodation", "room"),
	)

	routed, err := host.Route(ctx, "What's the weather forecast in Austin, TX?")
	require.NoError(t, err)
	assert.Equal(t, []string{"weather"}, routed)

	results, err := host.FanOut(ctx, "c1", nil, user("find me a room in LA"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "stays", results[0].Agent)

	_, err = host.Route(ctx, "tell me a joke")
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonInvalidRequest, apperrors.Kind(err))

	cards := host.Cards(ctx)
	require.Len(t, cards, 2)
	assert.Equal(t, "stays", cards[0].Name)
}

func TestHostUsecase_Reset(t *testing.T) {
	ctx := context.Background()
	handles := newMemoryHandles()
	host := newTestHost(handles, newFakeRemote("stays", 5))

	_, err := host.Send(ctx, "c1", "stays", user("start"))
	require.NoError(t, err)
	require.NoError(t, host.Reset(ctx, "c1"))

	open, err := host.Handles(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestHostUsecase_ResetWaitsForInflightTurn(t *testing.T) {
	ctx := context.Background()
	stays := newFakeRemote("stays", 5)
	stays.delay = 100 * time.Millisecond
	handles := newMemoryHandles()
	host := newTestHost(handles, stays)

	sent := make(chan error, 1)
	go func() {
		_, err := host.Send(ctx, "c1", "stays", user("start"))
		sent <- err
	}()
	require.Eventually(t, func() bool { return stays.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, host.Reset(ctx, "c1"))
	require.NoError(t, <-sent)

	open, err := host.Handles(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, open)
}
