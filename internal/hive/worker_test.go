package hive

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

type execFunc func(ctx context.Context, skill string, params map[string]string) (string, error)

func (f execFunc) Execute(ctx context.Context, skill string, params map[string]string) (string, error) {
	return f(ctx, skill, params)
}

func echoExecutor() execFunc {
	return func(_ context.Context, skill string, params map[string]string) (string, error) {
		return fmt.Sprintf("%s:%s", skill, params["input"]), nil
	}
}

func fastWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Consumer:     "test-worker",
		Concurrency:  2,
		Lease:        2 * time.Second,
		PollInterval: 10 * time.Millisecond,
		ReapInterval: 20 * time.Millisecond,
	}
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2}
}

// startWorker 在背景執行 worker，測試結束時停止
func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func TestDispatchRoundTrip(t *testing.T) {
	for name, factory := range brokerFactories() {
		t.Run(name, func(t *testing.T) {
			b := factory(t, fastPolicy(), nil)
			startWorker(t, NewWorker(b, echoExecutor(), fastWorkerConfig(), nil))

			client := NewClient(b, 10*time.Millisecond, nil)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			result, err := client.Dispatch(ctx, "task-1", "llm.chat", map[string]string{"input": "hi"}, 0)
			require.NoError(t, err)
			assert.Equal(t, "llm.chat:hi", result)

			stats, err := b.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Done)
		})
	}
}

func TestDispatchExhaustsRetries(t *testing.T) {
	b := NewMemoryBroker(fastPolicy())
	var calls atomic.Int32
	failing := execFunc(func(context.Context, string, map[string]string) (string, error) {
		calls.Add(1)
		return "", errors.New("model unavailable")
	})
	startWorker(t, NewWorker(b, failing, fastWorkerConfig(), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := NewClient(b, 10*time.Millisecond, nil).Dispatch(ctx, "task-2", "web.search", nil, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobDead)
	assert.Contains(t, err.Error(), "model unavailable")
	assert.Equal(t, int32(3), calls.Load())

	dead, err := b.ListDead(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "task-2", dead[0].TaskID)
}

func TestWorkerRecoversPanic(t *testing.T) {
	b := NewMemoryBroker(fastPolicy())
	var calls atomic.Int32
	flaky := execFunc(func(_ context.Context, _ string, params map[string]string) (string, error) {
		if calls.Add(1) == 1 {
			panic("first attempt explodes")
		}
		return "ok", nil
	})
	w := NewWorker(b, flaky, fastWorkerConfig(), nil)
	startWorker(t, w)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := NewClient(b, 10*time.Millisecond, nil).Dispatch(ctx, "task-3", "code.generate", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWorkerRespectsConcurrency(t *testing.T) {
	b := NewMemoryBroker(fastPolicy())
	var (
		mu       sync.Mutex
		current  int
		observed int
	)
	slow := execFunc(func(ctx context.Context, _ string, _ map[string]string) (string, error) {
		mu.Lock()
		current++
		if current > observed {
			observed = current
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return "done", nil
	})

	ctx := context.Background()
	ids := make([]JobID, 0, 6)
	for i := 0; i < 6; i++ {
		id, err := b.Enqueue(ctx, Job{Skill: "llm.chat"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	startWorker(t, NewWorker(b, slow, fastWorkerConfig(), nil))

	client := NewClient(b, 10*time.Millisecond, nil)
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, id := range ids {
		_, err := client.Await(wctx, id)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, observed, 2)
	assert.GreaterOrEqual(t, observed, 1)
}

func TestWorkerReapsAbandonedLease(t *testing.T) {
	b := NewMemoryBroker(fastPolicy())
	ctx := context.Background()
	id, err := b.Enqueue(ctx, Job{Skill: "vision.analyze", Params: map[string]string{"input": "img"}})
	require.NoError(t, err)

	// 另一個消費者領取後消失
	jobs, err := b.Claim(ctx, "ghost", 1, 30*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	startWorker(t, NewWorker(b, echoExecutor(), fastWorkerConfig(), nil))

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	job, err := NewClient(b, 10*time.Millisecond, nil).Await(wctx, id)
	require.NoError(t, err)
	assert.Equal(t, "vision.analyze:img", job.Result)
	assert.Equal(t, 2, job.Attempts)
}

func TestWorkerStopsOnClosedBroker(t *testing.T) {
	b := NewMemoryBroker(fastPolicy())
	require.NoError(t, b.Close())

	w := NewWorker(b, echoExecutor(), fastWorkerConfig(), nil)
	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

func TestAwaitHonorsContext(t *testing.T) {
	b := NewMemoryBroker(fastPolicy())
	client := NewClient(b, 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.Dispatch(ctx, "task-4", "llm.chat", nil, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = client.Await(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
