package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

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
)

// collector 收集 Worker 回報的結果
type collector struct {
	mu      sync.Mutex
	results []Result
	done    chan struct{}
	want    int
}

func newCollector(want int) *collector {
	return &collector{done: make(chan struct{}), want: want}
}

func (c *collector) handle(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	if len(c.results) == c.want {
		close(c.done)
	}
}

func (c *collector) wait(t *testing.T) []Result {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d results", c.want)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Start(8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(4)
	assert.Error(t, err)

	pool.Stop()
}

// TestWorkerExecution tests that every submitted task reports a result
func TestWorkerExecution(t *testing.T) {
	taskCount := 10
	c := newCollector(taskCount)
	pool := NewPool(10, WithResultHandler(c.handle))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	for i := 0; i < taskCount; i++ {
		err := pool.Submit(Task{
			Name: fmt.Sprintf("task-%d", i),
			Run:  func(ctx context.Context) error { return nil },
		})
		require.NoError(t, err)
	}

	results := c.wait(t)
	assert.Len(t, results, taskCount)
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

// TestTimeout tests task timeout mechanism
func TestTimeout(t *testing.T) {
	c := newCollector(1)
	pool := NewPool(10, WithResultHandler(c.handle))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	err := pool.Submit(Task{
		Name:    "timeout-task",
		Timeout: time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	result := c.wait(t)[0]
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

// TestPanicRecovery tests that a panicking task does not kill its worker
func TestPanicRecovery(t *testing.T) {
	c := newCollector(2)
	pool := NewPool(10, WithResultHandler(c.handle))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{Name: "boom", Run: func(ctx context.Context) error { panic("boom") }}))
	require.NoError(t, pool.Submit(Task{Name: "after", Run: func(ctx context.Context) error { return nil }}))

	results := c.wait(t)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error.Error(), "panic")
	assert.True(t, results[1].Success)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests concurrent execution
func TestConcurrency(t *testing.T) {
	workerCount := 8
	taskCount := 64
	c := newCollector(taskCount)
	pool := NewPool(100, WithResultHandler(c.handle))
	require.NoError(t, pool.Start(workerCount))
	defer pool.Stop()

	start := time.Now()
	for i := 0; i < taskCount; i++ {
		err := pool.Submit(Task{
			Name: fmt.Sprintf("task-%d", i),
			Run: func(ctx context.Context) error {
				time.Sleep(20 * time.Millisecond)
				return nil
			},
		})
		require.NoError(t, err)
	}
	c.wait(t)

	// 串行需要 1.28s，8 個 Worker 並行應遠低於此
	assert.Less(t, time.Since(start), time.Second)
}

// TestConcurrentSubmit tests concurrent job submission
func TestConcurrentSubmit(t *testing.T) {
	taskCount := 50
	var ran atomic.Int32
	c := newCollector(taskCount)
	pool := NewPool(100, WithResultHandler(c.handle))
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			err := pool.Submit(Task{
				Name: fmt.Sprintf("task-%d", index),
				Run: func(ctx context.Context) error {
					ran.Add(1)
					return nil
				},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	c.wait(t)
	assert.Equal(t, int32(taskCount), ran.Load())
}

// ============================================================================
// Saturation / Shutdown Tests
// ============================================================================

// TestTrySubmitSaturated tests the non-blocking submit used by the timer wheel
func TestTrySubmitSaturated(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))

	block := Task{Name: "block", Run: func(ctx context.Context) error {
		<-release
		return nil
	}}
	require.NoError(t, pool.TrySubmit(block))

	// 等 Worker 取走第一個任務，再填滿緩衝
	require.Eventually(t, func() bool { return pool.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.TrySubmit(block))
	assert.ErrorIs(t, pool.TrySubmit(block), ErrPoolSaturated)

	close(release)
	pool.Stop()
}

// TestGracefulShutdown tests that queued tasks finish before Stop returns
func TestGracefulShutdown(t *testing.T) {
	var ran atomic.Int32
	pool := NewPool(50)
	require.NoError(t, pool.Start(4))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(Task{
			Name: fmt.Sprintf("task-%d", i),
			Run: func(ctx context.Context) error {
				time.Sleep(time.Millisecond)
				ran.Add(1)
				return nil
			},
		}))
	}

	pool.Stop()
	assert.Equal(t, int32(50), ran.Load())
}

// TestStopBeforeStart tests stopping before starting
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() {
		pool.Stop()
	})
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

// TestSubmitAfterStop tests submitting tasks after shutdown
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	err := pool.Submit(Task{Name: "task-after-stop"})
	assert.Equal(t, ErrPoolClosed, err)
}

// TestSubmitBeforeStart tests submitting tasks before starting
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	err := pool.Submit(Task{Name: "task-before-start"})
	assert.Equal(t, ErrPoolNotStarted, err)
}

// TestFailedTaskResult tests error propagation into results
func TestFailedTaskResult(t *testing.T) {
	c := newCollector(1)
	pool := NewPool(1, WithResultHandler(c.handle))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	boom := errors.New("boom")
	require.NoError(t, pool.Submit(Task{Name: "fail", Run: func(ctx context.Context) error { return boom }}))

	r := c.wait(t)[0]
	assert.Equal(t, "fail", r.Name)
	assert.ErrorIs(t, r.Error, boom)
}
