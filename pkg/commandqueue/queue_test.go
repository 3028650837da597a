package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *CommandQueue {
	t.Helper()
	cq := New(Config{})
	t.Cleanup(func() { _ = cq.Close() })
	return cq
}

func TestSessionLane(t *testing.T) {
	assert.Equal(t, "session:console:abc", SessionLane("console:abc"))
}

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := newTestQueue(t)

	executed := false
	task := func(ctx context.Context) (any, error) {
		executed = true
		return "result", nil
	}

	result, err := cq.Enqueue(context.Background(), "test", task, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := newTestQueue(t)

	expectedErr := errors.New("task failed")
	task := func(ctx context.Context) (any, error) {
		return nil, expectedErr
	}

	result, err := cq.Enqueue(context.Background(), "test", task, nil)

	assert.ErrorIs(t, err, expectedErr)
	assert.Nil(t, result)
}

func TestCommandQueue_TaskPanic(t *testing.T) {
	cq := newTestQueue(t)

	_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
		panic("boom")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panicked: boom")

	result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
		return 1, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result)
}

func TestCommandQueue_SerialExecutionPreservesOrder(t *testing.T) {
	cq := newTestQueue(t)

	var (
		mu      sync.Mutex
		order   []int
		running int32
		overlap bool
	)

	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = cq.Enqueue(context.Background(), "serial", func(ctx context.Context) (any, error) {
			<-gate
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return cq.RunningCount("serial") == 1 }, time.Second, 5*time.Millisecond)

	for i := 1; i <= 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "serial", func(ctx context.Context) (any, error) {
				if atomic.AddInt32(&running, 1) > 1 {
					overlap = true
				}
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				atomic.AddInt32(&running, -1)
				return nil, nil
			}, nil)
		}()
		require.Eventually(t, func() bool { return cq.QueueSize("serial") == i }, time.Second, 5*time.Millisecond)
	}

	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.False(t, overlap)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := newTestQueue(t)

	started := make(chan string, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for _, lane := range []string{SessionLane("a"), SessionLane("b")} {
		lane := lane
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), lane, func(ctx context.Context) (any, error) {
				started <- lane
				<-release
				return nil, nil
			}, nil)
		}()
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case lane := <-started:
			got[lane] = true
		case <-time.After(time.Second):
			t.Fatal("lanes did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
	assert.Len(t, got, 2)
}

func TestCommandQueue_RequestIDDeduplicates(t *testing.T) {
	cq := newTestQueue(t)

	var calls int32
	task := func(ctx context.Context) (any, error) {
		return atomic.AddInt32(&calls, 1), nil
	}
	opts := &TaskOptions{RequestID: "msg-1"}

	first, err := cq.Enqueue(context.Background(), "dedup", task, opts)
	require.NoError(t, err)
	second, err := cq.Enqueue(context.Background(), "dedup", task, opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = cq.Enqueue(context.Background(), "dedup", task, &TaskOptions{RequestID: "msg-2"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCommandQueue_ResetLaneRejectsQueued(t *testing.T) {
	cq := newTestQueue(t)

	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}, nil)
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return cq.RunningCount("test") == 1 }, time.Second, 5*time.Millisecond)

	queued := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
				return nil, nil
			}, nil)
			queued <- err
		}()
	}
	require.Eventually(t, func() bool { return cq.QueueSize("test") == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, cq.ResetLane("test"))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-queued, ErrLaneReset)
	}

	close(release)
	assert.NoError(t, <-firstDone)
	assert.Equal(t, 0, cq.ResetLane("unknown"))
}

func TestCommandQueue_SetConcurrency(t *testing.T) {
	cq := newTestQueue(t)

	cq.SetConcurrency("test", 2)

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
				<-release
				return nil, nil
			}, nil)
		}()
	}
	assert.Eventually(t, func() bool { return cq.RunningCount("test") == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
}

func TestCommandQueue_WarnAfterCallsOnWait(t *testing.T) {
	cq := newTestQueue(t)

	release := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return cq.RunningCount("test") == 1 }, time.Second, 5*time.Millisecond)

	waited := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
			return nil, nil
		}, &TaskOptions{
			WarnAfter: 20 * time.Millisecond,
			OnWait: func(wait time.Duration, queuePos int) {
				waited <- queuePos
			},
		})
	}()

	select {
	case pos := <-waited:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("OnWait not called")
	}
	close(release)
	<-done
}

func TestCommandQueue_WaitForActive(t *testing.T) {
	cq := newTestQueue(t)

	go func() {
		_, _ = cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return cq.RunningCount("test") == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, cq.WaitForActive(time.Second))
}

func TestCommandQueue_CloseCancelsRunning(t *testing.T) {
	cq := New(Config{})

	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return cq.RunningCount("test") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
