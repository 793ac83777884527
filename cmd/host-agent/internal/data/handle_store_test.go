package data

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/cmd/host-agent/internal/biz"
)

func runHandleStoreSuite(t *testing.T, store biz.HandleRepo) {
	ctx := context.Background()

	t.Run("AbsentByDefault", func(t *testing.T) {
		_, ok, err := store.Get(ctx, "conv-empty", "weather")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetGetClear", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "conv-1", "weather", "task_1"))
		require.NoError(t, store.Set(ctx, "conv-1", "stays", "task_2"))

		taskID, ok, err := store.Get(ctx, "conv-1", "weather")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "task_1", taskID)

		require.NoError(t, store.Clear(ctx, "conv-1", "weather"))
		_, ok, err = store.Get(ctx, "conv-1", "weather")
		require.NoError(t, err)
		assert.False(t, ok)

		handles, err := store.List(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"stays": "task_2"}, handles)
	})

	t.Run("ConversationsAreIsolated", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "conv-a", "weather", "task_a"))
		require.NoError(t, store.Set(ctx, "conv-b", "weather", "task_b"))

		taskID, _, err := store.Get(ctx, "conv-a", "weather")
		require.NoError(t, err)
		assert.Equal(t, "task_a", taskID)
	})

	t.Run("Reset", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "conv-r", "weather", "task_r"))
		require.NoError(t, store.Reset(ctx, "conv-r"))

		handles, err := store.List(ctx, "conv-r")
		require.NoError(t, err)
		assert.Empty(t, handles)
	})

	t.Run("ClearUnknownIsNoop", func(t *testing.T) {
		assert.NoError(t, store.Clear(ctx, "conv-none", "weather"))
	})
}

func TestMemoryHandleStore(t *testing.T) {
	runHandleStoreSuite(t, NewMemoryHandleStore())
}

func TestRedisHandleStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer client.Close()
	defer client.FlushDB(ctx)

	store := NewRedisHandleStore(client, time.Hour)
	runHandleStoreSuite(t, store)

	t.Run("TTLRefreshedOnSet", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "conv-ttl", "weather", "task_ttl"))
		ttl, err := client.TTL(ctx, store.key("conv-ttl")).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, 59*time.Minute)
	})
}
