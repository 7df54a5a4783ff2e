package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpieniak01/venom/pkg/types"
)

func drain(m *Manager) []types.TaskID {
	var out []types.TaskID
	for {
		id, ok := m.Next()
		if !ok {
			return out
		}
		out = append(out, id)
	}
}

func TestFIFOWithoutPriority(t *testing.T) {
	m := New(10)
	m.Push("A", 0)
	m.Push("B", 0)
	m.Push("C", 0)
	assert.Equal(t, []types.TaskID{"A", "B", "C"}, drain(m))
}

func TestPriorityThenFIFO(t *testing.T) {
	m := New(10)
	m.Push("low-1", 0)
	m.Push("high-1", 5)
	m.Push("low-2", 0)
	m.Push("high-2", 5)
	m.Push("mid", 1)

	assert.Equal(t, []types.TaskID{"high-1", "high-2", "mid", "low-1", "low-2"}, m.Pending())
	assert.Equal(t, []types.TaskID{"high-1", "high-2", "mid", "low-1", "low-2"}, drain(m))
}

// max_active=1：A 先執行，B、C 等待 A 結束
func TestMaxActiveBoundsPromotion(t *testing.T) {
	m := New(1)
	m.Push("A", 0)
	m.Push("B", 0)
	m.Push("C", 0)

	id, ok := m.Next()
	require.True(t, ok)
	assert.Equal(t, types.TaskID("A"), id)

	_, ok = m.Next()
	assert.False(t, ok, "B must wait while A is active")
	assert.Equal(t, 1, m.Active())
	assert.Equal(t, 2, m.PendingLen())

	m.Release("A")
	id, ok = m.Next()
	require.True(t, ok)
	assert.Equal(t, types.TaskID("B"), id)
}

func TestPauseResume(t *testing.T) {
	m := New(5)
	m.Push("A", 0)
	m.Pause()
	assert.True(t, m.Paused())

	_, ok := m.Next()
	assert.False(t, ok)

	m.Resume()
	id, ok := m.Next()
	require.True(t, ok)
	assert.Equal(t, types.TaskID("A"), id)
}

func TestRequeueRestoresHeadAndSlot(t *testing.T) {
	m := New(1)
	m.Push("A", 0)
	m.Push("B", 0)

	id, ok := m.Next()
	require.True(t, ok)
	assert.Equal(t, types.TaskID("A"), id)
	assert.Equal(t, 1, m.Active())

	m.Pause()
	m.Requeue("A", 0)
	assert.Equal(t, 0, m.Active())
	assert.Equal(t, 2, m.PendingLen())

	m.Resume()
	id, ok = m.Next()
	require.True(t, ok)
	assert.Equal(t, types.TaskID("A"), id, "requeued task keeps its place ahead of B")
}

func TestPurgeAndRemove(t *testing.T) {
	m := New(5)
	m.Push("A", 0)
	m.Push("B", 3)
	m.Push("C", 0)

	assert.True(t, m.Remove("C"))
	assert.False(t, m.Remove("C"))
	assert.Equal(t, []types.TaskID{"B", "A"}, m.Purge())
	assert.Equal(t, 0, m.PendingLen())

	_, ok := m.Next()
	assert.False(t, ok)
}

func TestDuplicatePushIgnored(t *testing.T) {
	m := New(5)
	m.Push("A", 0)
	m.Push("A", 9)
	assert.Equal(t, 1, m.PendingLen())
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	m := New(1)
	m.Release("ghost")
	assert.Equal(t, 0, m.Active())
}

func TestSetMaxActive(t *testing.T) {
	m := New(1)
	m.Push("A", 0)
	m.Push("B", 0)
	m.Next()

	_, ok := m.Next()
	assert.False(t, ok)

	m.SetMaxActive(2)
	assert.Equal(t, 2, m.MaxActive())
	id, ok := m.Next()
	require.True(t, ok)
	assert.Equal(t, types.TaskID("B"), id)

	m.SetMaxActive(0)
	assert.Equal(t, 1, m.MaxActive())
}

func TestWakeSignals(t *testing.T) {
	m := New(1)
	m.Push("A", 0)
	select {
	case <-m.Wake():
	default:
		t.Fatal("expected wake after push")
	}

	id, _ := m.Next()
	m.Release(id)
	select {
	case <-m.Wake():
	default:
		t.Fatal("expected wake after release")
	}
}

func TestConcurrentPushNext(t *testing.T) {
	m := New(1000)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Push(types.TaskID(fmt.Sprintf("t-%d-%d", g, i)), i%3)
			}
		}(g)
	}
	wg.Wait()

	got := drain(m)
	assert.Len(t, got, 800)
	assert.Equal(t, 800, m.Active())
}
