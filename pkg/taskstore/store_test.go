package taskstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite 对任意存储后端执行同一组行为测试
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateMintsNovelIDs", func(t *testing.T) {
		store := newStore(t)
		seen := make(map[string]bool)
		for i := 0; i < 50; i++ {
			task, err := store.Create(ctx)
			require.NoError(t, err)
			assert.False(t, task.ID.IsZero())
			assert.Equal(t, StateCreated, task.State)
			assert.False(t, seen[task.ID.String()], "id reused: %s", task.ID)
			seen[task.ID.String()] = true
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(ctx, "T999")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.Get(ctx, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateUnknown", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Update(ctx, ID{value: "task_missing"}, func(t *Task) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SequentialRoundTrip", func(t *testing.T) {
		store := newStore(t)
		task, err := store.Create(ctx)
		require.NoError(t, err)

		_, err = store.Update(ctx, task.ID, func(t *Task) error {
			t.Context.SetSlot("location", "Los Angeles, CA")
			return t.Advance(StateInProgress)
		})
		require.NoError(t, err)

		_, err = store.Update(ctx, task.ID, func(t *Task) error {
			t.Context.SetSlot("location", "San Diego, CA")
			t.Context.AddTurn("user", "actually San Diego", nil)
			return nil
		})
		require.NoError(t, err)

		got, err := store.Get(ctx, task.ID.String())
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, StateInProgress, got.State)
		assert.Equal(t, "San Diego, CA", got.Context.Slot("location"))
		require.Len(t, got.Context.Turns, 1)
		assert.Equal(t, "actually San Diego", got.Context.Turns[0].Text)
	})

	t.Run("FailedMutationLeavesTaskUntouched", func(t *testing.T) {
		store := newStore(t)
		task, err := store.Create(ctx)
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = store.Update(ctx, task.ID, func(t *Task) error {
			t.Context.SetSlot("half", "written")
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.Get(ctx, task.ID.String())
		require.NoError(t, err)
		assert.Empty(t, got.Context.Slot("half"))
		assert.Equal(t, StateCreated, got.State)
	})

	t.Run("CancelledContextDiscardsMutation", func(t *testing.T) {
		store := newStore(t)
		task, err := store.Create(ctx)
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		_, err = store.Update(cctx, task.ID, func(t *Task) error {
			t.Context.SetSlot("abandoned", "yes")
			cancel()
			return nil
		})
		assert.Error(t, err)

		got, err := store.Get(ctx, task.ID.String())
		require.NoError(t, err)
		assert.Empty(t, got.Context.Slot("abandoned"))
	})

	t.Run("TerminalTaskIsClosed", func(t *testing.T) {
		store := newStore(t)
		task, err := store.Create(ctx)
		require.NoError(t, err)

		_, err = store.Update(ctx, task.ID, complete)
		require.NoError(t, err)

		_, err = store.Update(ctx, task.ID, func(t *Task) error { return nil })
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("ConcurrentUpdatesSameTask", func(t *testing.T) {
		store := newStore(t)
		task, err := store.Create(ctx)
		require.NoError(t, err)

		const writers = 20
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.Update(ctx, task.ID, func(t *Task) error {
					t.Context.AddTurn("user", fmt.Sprintf("turn-%d", i), nil)
					t.Context.SetSlot("last", fmt.Sprintf("turn-%d", i))
					return nil
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := store.Get(ctx, task.ID.String())
		require.NoError(t, err)
		// 每次更新都基于前一次的结果，没有丢失
		require.Len(t, got.Context.Turns, writers)
		assert.Equal(t, got.Context.Turns[writers-1].Text, got.Context.Slot("last"))
	})

	t.Run("ExpireStale", func(t *testing.T) {
		store := newStore(t)
		stale, err := store.Create(ctx)
		require.NoError(t, err)
		done, err := store.Create(ctx)
		require.NoError(t, err)
		_, err = store.Update(ctx, done.ID, complete)
		require.NoError(t, err)

		n, err := store.ExpireStale(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)

		got, err := store.Get(ctx, stale.ID.String())
		require.NoError(t, err)
		assert.Equal(t, StateFailed, got.State)
		assert.Equal(t, ExpiredReason, got.Context.Error)

		got, err = store.Get(ctx, done.ID.String())
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, got.State)
	})
}

func TestTask_Advance(t *testing.T) {
	task := &Task{State: StateCreated}

	assert.ErrorIs(t, task.Advance(StateCompleted), ErrInvalidTransition)
	assert.ErrorIs(t, task.Advance(StateFailed), ErrInvalidTransition)
	assert.Equal(t, StateCreated, task.State)
	require.NoError(t, task.Advance(StateInProgress))
	require.NoError(t, task.Advance(StateInProgress))
	assert.ErrorIs(t, task.Advance(StateCreated), ErrInvalidTransition)
	require.NoError(t, task.Advance(StateFailed))
	assert.ErrorIs(t, task.Advance(StateInProgress), ErrInvalidTransition)
	assert.ErrorIs(t, task.Advance(StateCompleted), ErrInvalidTransition)
	assert.ErrorIs(t, (&Task{State: StateCreated}).Advance("paused"), ErrInvalidTransition)
}

func TestContext_CloneIsDeep(t *testing.T) {
	c := Context{}
	c.SetSlot("city", "Austin")
	c.AddTurn("user", "hi", map[string]any{"nested": map[string]any{"k": "v"}})

	clone := c.Clone()
	clone.SetSlot("city", "Denver")
	clone.Turns[0].Data["nested"].(map[string]any)["k"] = "changed"

	assert.Equal(t, "Austin", c.Slot("city"))
	assert.Equal(t, "v", c.Turns[0].Data["nested"].(map[string]any)["k"])
}

func TestNew_Driver(t *testing.T) {
	store, err := New(DriverMemory, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, err = New(DriverPostgres, nil)
	assert.Error(t, err)

	_, err = New("mongo", nil)
	assert.Error(t, err)
}

func complete(t *Task) error {
	if err := t.Advance(StateInProgress); err != nil {
		return err
	}
	return t.Advance(StateCompleted)
}
