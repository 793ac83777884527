package data

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"agentmesh/cmd/host-agent/internal/biz"
	"agentmesh/cmd/host-agent/internal/conf"
)

// ErrHandleStoreUnavailable 句柄存储不可用
var ErrHandleStoreUnavailable = errors.New("handle store unavailable")

// NewHandleStore 根据配置创建句柄存储，返回清理函数
func NewHandleStore(cfg *conf.Config, logger *zap.Logger) (biz.HandleRepo, func(), error) {
	if cfg.Handles.Driver != conf.HandleDriverRedis {
		logger.Info("using in-memory conversation handles")
		return NewMemoryHandleStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("%w: ping redis %s: %v", ErrHandleStoreUnavailable, cfg.Redis.Addr, err)
	}

	logger.Info("using redis conversation handles", zap.String("addr", cfg.Redis.Addr))
	return NewRedisHandleStore(client, cfg.Handles.TTL), func() {
		if err := client.Close(); err != nil {
			logger.Error("failed to close redis client", zap.Error(err))
		}
	}, nil
}

// MemoryHandleStore 进程内句柄存储，仅单副本部署可用
type MemoryHandleStore struct {
	mu      sync.RWMutex
	handles map[string]map[string]string
}

// NewMemoryHandleStore 创建内存句柄存储
func NewMemoryHandleStore() *MemoryHandleStore {
	return &MemoryHandleStore{handles: make(map[string]map[string]string)}
}

// Get 读取句柄
func (s *MemoryHandleStore) Get(ctx context.Context, conversationID, agent string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	taskID, ok := s.handles[conversationID][agent]
	return taskID, ok, nil
}

// Set 记录句柄
func (s *MemoryHandleStore) Set(ctx context.Context, conversationID, agent, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.handles[conversationID]
	if !ok {
		conv = make(map[string]string)
		s.handles[conversationID] = conv
	}
	conv[agent] = taskID
	return nil
}

// Clear 清除句柄
func (s *MemoryHandleStore) Clear(ctx context.Context, conversationID, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.handles[conversationID]
	if !ok {
		return nil
	}
	delete(conv, agent)
	if len(conv) == 0 {
		delete(s.handles, conversationID)
	}
	return nil
}

// List 会话的全部句柄
func (s *MemoryHandleStore) List(ctx context.Context, conversationID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.handles[conversationID]))
	for agent, taskID := range s.handles[conversationID] {
		out[agent] = taskID
	}
	return out, nil
}

// Reset 清除会话
func (s *MemoryHandleStore) Reset(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, conversationID)
	return nil
}

// RedisHandleStore Redis 句柄存储，每个会话一个 hash，多个宿主副本共享
type RedisHandleStore struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisHandleStore 创建 Redis 句柄存储，ttl 为 0 表示不过期
func NewRedisHandleStore(client *redis.Client, ttl time.Duration) *RedisHandleStore {
	return &RedisHandleStore{
		redis:  client,
		prefix: "host:conversation:",
		ttl:    ttl,
	}
}

func (s *RedisHandleStore) key(conversationID string) string {
	return s.prefix + conversationID
}

// Get 读取句柄
func (s *RedisHandleStore) Get(ctx context.Context, conversationID, agent string) (string, bool, error) {
	taskID, err := s.redis.HGet(ctx, s.key(conversationID), agent).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrHandleStoreUnavailable, err)
	}
	return taskID, true, nil
}

// Set 记录句柄并刷新会话过期时间
func (s *RedisHandleStore) Set(ctx context.Context, conversationID, agent, taskID string) error {
	key := s.key(conversationID)
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, agent, taskID)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrHandleStoreUnavailable, err)
	}
	return nil
}

// Clear 清除句柄
func (s *RedisHandleStore) Clear(ctx context.Context, conversationID, agent string) error {
	if err := s.redis.HDel(ctx, s.key(conversationID), agent).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrHandleStoreUnavailable, err)
	}
	return nil
}

// List 会话的全部句柄
func (s *RedisHandleStore) List(ctx context.Context, conversationID string) (map[string]string, error) {
	out, err := s.redis.HGetAll(ctx, s.key(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandleStoreUnavailable, err)
	}
	return out, nil
}

// Reset 清除会话
func (s *RedisHandleStore) Reset(ctx context.Context, conversationID string) error {
	if err := s.redis.Del(ctx, s.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrHandleStoreUnavailable, err)
	}
	return nil
}
