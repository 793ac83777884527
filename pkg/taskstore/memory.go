package taskstore

import (
	"context"
	"sync"
	"time"

	"agentmesh/pkg/keylock"
)

// MemoryStore 进程内任务存储，进程重启后数据丢失，仅用于开发和测试
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	locks *keylock.KeyLock
	now   func() time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		locks: keylock.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create 创建任务
func (s *MemoryStore) Create(ctx context.Context) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := newID()
	for _, exists := s.tasks[id.value]; exists; _, exists = s.tasks[id.value] {
		id = newID()
	}

	task := &Task{
		ID:        id,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[id.value] = task

	return task.Clone(), nil
}

// Get 获取任务
func (s *MemoryStore) Get(ctx context.Context, ref string) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// Update 更新任务
func (s *MemoryStore) Update(ctx context.Context, id ID, fn Mutation) (*Task, error) {
	unlock := s.locks.Lock(id.value)
	defer unlock()

	s.mu.RLock()
	current, ok := s.tasks[id.value]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if current.State.Terminal() {
		return nil, ErrClosed
	}

	work := current.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	// 调用方已放弃请求时丢弃修改
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	work.ID = current.ID
	work.CreatedAt = current.CreatedAt
	work.UpdatedAt = s.now()

	s.mu.Lock()
	s.tasks[id.value] = work.Clone()
	s.mu.Unlock()

	return work, nil
}

// ExpireStale 过期长时间未更新的任务
func (s *MemoryStore) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	candidates := make([]string, 0)
	for id, task := range s.tasks {
		if !task.State.Terminal() && task.UpdatedAt.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	expired := 0
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if s.expireOne(id, cutoff) {
			expired++
		}
	}
	return expired, nil
}

func (s *MemoryStore) expireOne(id string, cutoff time.Time) bool {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	// 加锁期间任务可能已被更新
	if !ok || task.State.Terminal() || !task.UpdatedAt.Before(cutoff) {
		return false
	}

	expired := task.Clone()
	expired.State = StateFailed
	expired.Context.Error = ExpiredReason
	expired.UpdatedAt = s.now()
	s.tasks[id] = expired
	return true
}

// Len 任务数量
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Ping 内存存储始终可用
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close 无需释放资源
func (s *MemoryStore) Close() error {
	return nil
}
