package hive

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type brokerFactory func(t *testing.T, policy RetryPolicy, clock *fakeClock) Broker

func brokerFactories() map[string]brokerFactory {
	return map[string]brokerFactory{
		"memory": func(t *testing.T, policy RetryPolicy, clock *fakeClock) Broker {
			b := NewMemoryBroker(policy)
			if clock != nil {
				b.now = clock.Now
			}
			t.Cleanup(func() { b.Close() })
			return b
		},
		"sqlite": func(t *testing.T, policy RetryPolicy, clock *fakeClock) Broker {
			b, err := NewMemorySQLiteBroker(context.Background(), policy)
			require.NoError(t, err)
			if clock != nil {
				b.now = clock.Now
			}
			t.Cleanup(func() { b.Close() })
			return b
		},
	}
}

// forEachBroker 以相同案例測試所有 Broker 實作
func forEachBroker(t *testing.T, policy RetryPolicy, fn func(t *testing.T, b Broker, clock *fakeClock)) {
	for name, factory := range brokerFactories() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			fn(t, factory(t, policy, clock), clock)
		})
	}
}

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second, Multiplier: 2}
}

func TestClaimOrdersByPriorityThenFIFO(t *testing.T) {
	forEachBroker(t, testPolicy(), func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		for _, j := range []Job{
			{ID: "a", Skill: "llm.chat", Priority: 0},
			{ID: "b", Skill: "llm.chat", Priority: 5},
			{ID: "c", Skill: "llm.chat", Priority: 0},
		} {
			_, err := b.Enqueue(ctx, j)
			require.NoError(t, err)
		}

		jobs, err := b.Claim(ctx, "w1", 2, 10*time.Second)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, JobID("b"), jobs[0].ID)
		assert.Equal(t, JobID("a"), jobs[1].ID)
		for _, j := range jobs {
			assert.Equal(t, StateLeased, j.State)
			assert.Equal(t, "w1", j.Consumer)
			assert.Equal(t, 1, j.Attempts)
			assert.WithinDuration(t, clock.Now().Add(10*time.Second), j.LeaseUntil, 0)
		}

		jobs, err = b.Claim(ctx, "w2", 5, 10*time.Second)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, JobID("c"), jobs[0].ID)

		jobs, err = b.Claim(ctx, "w2", 5, 10*time.Second)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestEnqueueValidation(t *testing.T) {
	forEachBroker(t, testPolicy(), func(t *testing.T, b Broker, _ *fakeClock) {
		ctx := context.Background()

		_, err := b.Enqueue(ctx, Job{ID: "x"})
		assert.ErrorIs(t, err, ErrInvalidJob)

		id, err := b.Enqueue(ctx, Job{Skill: "web.search"})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		_, err = b.Enqueue(ctx, Job{ID: id, Skill: "web.search"})
		assert.ErrorIs(t, err, ErrInvalidJob)

		job, err := b.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateQueued, job.State)
		assert.Equal(t, 3, job.MaxAttempts)
	})
}

func TestParamsPreserved(t *testing.T) {
	forEachBroker(t, testPolicy(), func(t *testing.T, b Broker, _ *fakeClock) {
		ctx := context.Background()
		params := map[string]string{"input": "summarize", "lang": "pl"}
		id, err := b.Enqueue(ctx, Job{TaskID: "task-1", Skill: "llm.general", Params: params})
		require.NoError(t, err)
		params["input"] = "mutated"

		job, err := b.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "task-1", job.TaskID)
		assert.Equal(t, map[string]string{"input": "summarize", "lang": "pl"}, job.Params)
	})
}

func TestAckMarksDone(t *testing.T) {
	forEachBroker(t, testPolicy(), func(t *testing.T, b Broker, _ *fakeClock) {
		ctx := context.Background()
		id, err := b.Enqueue(ctx, Job{Skill: "llm.chat"})
		require.NoError(t, err)
		_, err = b.Claim(ctx, "w1", 1, time.Minute)
		require.NoError(t, err)

		assert.ErrorIs(t, b.Ack(ctx, id, "intruder", "x"), ErrLeaseMismatch)
		assert.ErrorIs(t, b.Ack(ctx, "missing", "w1", "x"), ErrJobNotFound)
		require.NoError(t, b.Ack(ctx, id, "w1", "hello"))

		job, err := b.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateDone, job.State)
		assert.Equal(t, "hello", job.Result)
		assert.Empty(t, job.Consumer)

		// 重複 Ack 不允許
		assert.ErrorIs(t, b.Ack(ctx, id, "w1", "again"), ErrLeaseMismatch)
	})
}

func TestNackBacksOffThenDies(t *testing.T) {
	forEachBroker(t, testPolicy(), func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		id, err := b.Enqueue(ctx, Job{Skill: "shell.exec"})
		require.NoError(t, err)

		// 第一次失敗：等待 1s
		_, err = b.Claim(ctx, "w1", 1, time.Minute)
		require.NoError(t, err)
		state, err := b.Nack(ctx, id, "w1", "boom 1")
		require.NoError(t, err)
		assert.Equal(t, StateQueued, state)

		job, err := b.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "boom 1", job.LastError)
		assert.WithinDuration(t, clock.Now().Add(time.Second), job.AvailableAt, 0)

		jobs, err := b.Claim(ctx, "w1", 1, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, jobs, "job must not be claimable before backoff elapses")

		// 第二次失敗：等待 2s
		clock.Advance(time.Second)
		jobs, err = b.Claim(ctx, "w1", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, 2, jobs[0].Attempts)
		state, err = b.Nack(ctx, id, "w1", "boom 2")
		require.NoError(t, err)
		assert.Equal(t, StateQueued, state)

		job, err = b.Get(ctx, id)
		require.NoError(t, err)
		assert.WithinDuration(t, clock.Now().Add(2*time.Second), job.AvailableAt, 0)

		// 第三次失敗：達到 MaxAttempts
		clock.Advance(2 * time.Second)
		_, err = b.Claim(ctx, "w1", 1, time.Minute)
		require.NoError(t, err)
		state, err = b.Nack(ctx, id, "w1", "boom 3")
		require.NoError(t, err)
		assert.Equal(t, StateDead, state)

		dead, err := b.ListDead(ctx, 0)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, id, dead[0].ID)
		assert.Equal(t, 3, dead[0].Attempts)
		assert.Equal(t, "boom 3", dead[0].LastError)

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Dead: 1}, stats)
	})
}

func TestRequeueExpired(t *testing.T) {
	forEachBroker(t, testPolicy(), func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		id, err := b.Enqueue(ctx, Job{Skill: "web.search"})
		require.NoError(t, err)
		_, err = b.Claim(ctx, "ghost", 1, 10*time.Second)
		require.NoError(t, err)

		n, err := b.RequeueExpired(ctx, clock.Now().Add(5*time.Second))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = b.RequeueExpired(ctx, clock.Now().Add(10*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		job, err := b.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateQueued, job.State)
		assert.Equal(t, "lease expired", job.LastError)
		assert.Empty(t, job.Consumer)

		// 原持有者的 Ack 失效
		assert.ErrorIs(t, b.Ack(ctx, id, "ghost", "late"), ErrLeaseMismatch)
	})
}

func TestListDeadLimitAndStats(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 1
	forEachBroker(t, policy, func(t *testing.T, b Broker, _ *fakeClock) {
		ctx := context.Background()
		for _, id := range []JobID{"d1", "d2", "d3", "q1"} {
			_, err := b.Enqueue(ctx, Job{ID: id, Skill: "git.commit"})
			require.NoError(t, err)
		}
		jobs, err := b.Claim(ctx, "w", 3, time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		for _, j := range jobs {
			_, err := b.Nack(ctx, j.ID, "w", "nope")
			require.NoError(t, err)
		}

		dead, err := b.ListDead(ctx, 2)
		require.NoError(t, err)
		require.Len(t, dead, 2)
		assert.Equal(t, JobID("d1"), dead[0].ID)
		assert.Equal(t, JobID("d2"), dead[1].ID)

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Queued: 1, Dead: 3}, stats)
	})
}

func TestClosedBroker(t *testing.T) {
	forEachBroker(t, testPolicy(), func(t *testing.T, b Broker, _ *fakeClock) {
		ctx := context.Background()
		require.NoError(t, b.Close())
		require.NoError(t, b.Close())

		_, err := b.Enqueue(ctx, Job{Skill: "llm.chat"})
		assert.ErrorIs(t, err, ErrBrokerClosed)
		_, err = b.Claim(ctx, "w", 1, time.Second)
		assert.ErrorIs(t, err, ErrBrokerClosed)
		_, err = b.Stats(ctx)
		assert.ErrorIs(t, err, ErrBrokerClosed)
	})
}

func TestSQLiteBrokerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hive", "jobs.db")

	b, err := NewSQLiteBroker(ctx, path, testPolicy())
	require.NoError(t, err)
	id, err := b.Enqueue(ctx, Job{TaskID: "task-9", Skill: "plan.complex", Priority: 3})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	reopened, err := NewSQLiteBroker(ctx, path, testPolicy())
	require.NoError(t, err)
	defer reopened.Close()

	job, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, job.State)
	assert.Equal(t, "task-9", job.TaskID)
	assert.Equal(t, 3, job.Priority)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}

	d := RetryPolicy{}.withDefaults()
	assert.Equal(t, DefaultRetryPolicy(), d)
}
