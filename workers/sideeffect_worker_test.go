package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(2, 16)
	pool.Start(ctx)

	var ran atomic.Int64
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		ok := pool.Submit("count", func(ctx context.Context) error {
			if ran.Add(1) == 5 {
				close(done)
			}
			return nil
		})
		require.True(t, ok)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not run")
	}

	cancel()
	pool.Wait()
	assert.EqualValues(t, 5, ran.Load())
}

func TestPoolSwallowsTaskErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool(1, 4)
	pool.Start(ctx)

	done := make(chan struct{})
	pool.Submit("fails", func(ctx context.Context) error {
		return errors.New("boom")
	})
	pool.Submit("still-runs", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a failed task must not stop the worker")
	}
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	// Never started: the queue fills and Submit must refuse, not block.
	pool := NewPool(1, 1)

	require.True(t, pool.Submit("first", func(ctx context.Context) error { return nil }))
	assert.False(t, pool.Submit("second", func(ctx context.Context) error { return nil }))
}
