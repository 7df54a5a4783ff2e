package taskstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpieniak01/venom/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestTask(id string) types.Task {
	return types.Task{
		ID:      types.TaskID(id),
		Content: "content of " + id,
	}
}

func assertStatus(t *testing.T, s *Store, id types.TaskID, want types.TaskStatus) {
	t.Helper()
	task, ok := s.Get(id)
	if !ok {
		t.Errorf("task %s not found", id)
		return
	}
	if task.Status != want {
		t.Errorf("task %s status: got %s, want %s", id, task.Status, want)
	}
}

// recordingJournal 記錄所有寫入，可選擇性地回傳錯誤
type recordingJournal struct {
	mu      sync.Mutex
	upserts []types.Task
	purges  [][]types.TaskID
	err     error
}

func (j *recordingJournal) RecordUpsert(task types.Task) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.upserts = append(j.upserts, task)
	return j.err
}

func (j *recordingJournal) RecordPurge(ids []types.TaskID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.purges = append(j.purges, ids)
	return j.err
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestCreate(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Store)
		task    types.Task
		wantErr error
	}{
		{
			name:  "Normal single task",
			setup: func(s *Store) {},
			task:  newTestTask("task-001"),
		},
		{
			name:  "Second task",
			setup: func(s *Store) { s.Create(newTestTask("task-001")) },
			task:  newTestTask("task-002"),
		},
		{
			name:    "Duplicate ID error",
			setup:   func(s *Store) { s.Create(newTestTask("task-001")) },
			task:    newTestTask("task-001"),
			wantErr: ErrDuplicateTask,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			tt.setup(s)

			created, err := s.Create(tt.task)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.StatusPending, created.Status)
			assert.Equal(t, types.SensitivityNormal, created.Sensitivity)
			assert.False(t, created.CreatedAt.IsZero())
			assert.NotNil(t, created.Logs)
			assertStatus(t, s, tt.task.ID, types.StatusPending)
		})
	}
}

func TestCreateForcesPending(t *testing.T) {
	s := New()
	task := newTestTask("task-001")
	task.Status = types.StatusCompleted

	created, err := s.Create(task)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, created.Status)
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		path    []types.TaskStatus
		to      types.TaskStatus
		wantErr error
	}{
		{"Pending to processing", nil, types.StatusProcessing, nil},
		{"Pending to aborted", nil, types.StatusAborted, nil},
		{"Pending to completed is invalid", nil, types.StatusCompleted, ErrInvalidTransition},
		{"Pending to failed is invalid", nil, types.StatusFailed, ErrInvalidTransition},
		{"Processing to completed", []types.TaskStatus{types.StatusProcessing}, types.StatusCompleted, nil},
		{"Processing to failed", []types.TaskStatus{types.StatusProcessing}, types.StatusFailed, nil},
		{"Processing to aborted", []types.TaskStatus{types.StatusProcessing}, types.StatusAborted, nil},
		{"Processing to pending is invalid", []types.TaskStatus{types.StatusProcessing}, types.StatusPending, ErrInvalidTransition},
		{"Completed is terminal", []types.TaskStatus{types.StatusProcessing, types.StatusCompleted}, types.StatusFailed, ErrTerminal},
		{"Failed is terminal", []types.TaskStatus{types.StatusProcessing, types.StatusFailed}, types.StatusProcessing, ErrTerminal},
		{"Aborted is terminal", []types.TaskStatus{types.StatusAborted}, types.StatusCompleted, ErrTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			_, err := s.Create(newTestTask("task-001"))
			require.NoError(t, err)
			for _, step := range tt.path {
				_, err := s.Transition("task-001", step, nil)
				require.NoError(t, err)
			}

			_, err = s.Transition("task-001", tt.to, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assertStatus(t, s, "task-001", tt.to)
		})
	}
}

func TestTransitionNotFound(t *testing.T) {
	s := New()
	_, err := s.Transition("missing", types.StatusProcessing, nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTerminalTaskIsImmutable(t *testing.T) {
	s := New()
	s.Create(newTestTask("task-001"))
	_, err := s.Transition("task-001", types.StatusAborted, func(task *types.Task) {
		task.Error = "aborted by user"
	})
	require.NoError(t, err)

	_, err = s.Update("task-001", func(task *types.Task) { task.Result = "late result" })
	assert.ErrorIs(t, err, ErrTerminal)

	err = s.AppendLog("task-001", "late log")
	assert.ErrorIs(t, err, ErrTerminal)

	task, _ := s.Get("task-001")
	assert.Equal(t, types.StatusAborted, task.Status)
	assert.Empty(t, task.Result)
	assert.Empty(t, task.Logs)
}

func TestUpdateKeepsStatus(t *testing.T) {
	s := New()
	s.Create(newTestTask("task-001"))

	updated, err := s.Update("task-001", func(task *types.Task) {
		task.Status = types.StatusCompleted
		task.Skill = "llm.chat"
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, updated.Status)
	assert.Equal(t, "llm.chat", updated.Skill)
}

func TestAppendLog(t *testing.T) {
	s := New()
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	s.Create(newTestTask("task-001"))

	require.NoError(t, s.AppendLog("task-001", "classified as CHAT"))

	task, _ := s.Get("task-001")
	require.Len(t, task.Logs, 1)
	assert.Equal(t, "[2025-01-02T03:04:05Z] classified as CHAT", task.Logs[0])
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	task := newTestTask("task-001")
	task.Params = map[string]string{"k": "v"}
	s.Create(task)
	s.AppendLog("task-001", "first")

	got, _ := s.Get("task-001")
	got.Logs[0] = "mutated"
	got.Params["k"] = "mutated"

	again, _ := s.Get("task-001")
	assert.True(t, strings.HasSuffix(again.Logs[0], "first"))
	assert.Equal(t, "v", again.Params["k"])
}

func TestListOrder(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		s.Create(newTestTask(fmt.Sprintf("task-%03d", i)))
	}

	list := s.List()
	require.Len(t, list, 5)
	for i, task := range list {
		assert.Equal(t, types.TaskID(fmt.Sprintf("task-%03d", i)), task.ID)
	}
}

func TestPurgePending(t *testing.T) {
	s := New()
	s.Create(newTestTask("task-001"))
	s.Create(newTestTask("task-002"))
	s.Create(newTestTask("task-003"))
	s.Transition("task-002", types.StatusProcessing, nil)

	purged := s.PurgePending()
	assert.ElementsMatch(t, []types.TaskID{"task-001", "task-003"}, purged)

	_, ok := s.Get("task-001")
	assert.False(t, ok)
	assertStatus(t, s, "task-002", types.StatusProcessing)

	stats := s.Stats()
	assert.Equal(t, 0, stats["PENDING"])
	assert.Equal(t, 1, stats["PROCESSING"])
	assert.Equal(t, 1, stats["total"])
	assert.Len(t, s.List(), 1)
}

func TestStats(t *testing.T) {
	s := New()
	s.Create(newTestTask("task-001"))
	s.Create(newTestTask("task-002"))
	s.Create(newTestTask("task-003"))
	s.Transition("task-001", types.StatusProcessing, nil)
	s.Transition("task-001", types.StatusCompleted, nil)
	s.Transition("task-002", types.StatusAborted, nil)

	stats := s.Stats()
	assert.Equal(t, 1, stats["PENDING"])
	assert.Equal(t, 0, stats["PROCESSING"])
	assert.Equal(t, 1, stats["COMPLETED"])
	assert.Equal(t, 1, stats["ABORTED"])
	assert.Equal(t, 0, stats["FAILED"])
	assert.Equal(t, 3, stats["total"])
}

func TestIDsByStatus(t *testing.T) {
	s := New()
	s.Create(newTestTask("task-001"))
	s.Create(newTestTask("task-002"))
	s.Create(newTestTask("task-003"))
	s.Transition("task-002", types.StatusProcessing, nil)

	assert.Equal(t, []types.TaskID{"task-001", "task-003"}, s.IDsByStatus(types.StatusPending))
	assert.Equal(t, []types.TaskID{"task-002"}, s.IDsByStatus(types.StatusProcessing))
}

// ============================================================================
// Journal
// ============================================================================

func TestJournalReceivesEveryMutation(t *testing.T) {
	s := New()
	j := &recordingJournal{}
	s.SetJournal(j)

	s.Create(newTestTask("task-001"))
	s.AppendLog("task-001", "stage")
	s.Transition("task-001", types.StatusProcessing, nil)
	s.Transition("task-001", types.StatusCompleted, func(task *types.Task) { task.Result = "ok" })
	s.Create(newTestTask("task-002"))
	s.PurgePending()

	require.Len(t, j.upserts, 5)
	assert.Equal(t, types.StatusCompleted, j.upserts[3].Status)
	assert.Equal(t, "ok", j.upserts[3].Result)
	require.Len(t, j.purges, 1)
	assert.Equal(t, []types.TaskID{"task-002"}, j.purges[0])
}

func TestJournalFailureKeepsMemoryState(t *testing.T) {
	s := New()
	s.SetJournal(&recordingJournal{err: errors.New("disk full")})

	_, err := s.Create(newTestTask("task-001"))
	require.NoError(t, err)
	_, err = s.Transition("task-001", types.StatusProcessing, nil)
	require.NoError(t, err)

	assertStatus(t, s, "task-001", types.StatusProcessing)
}

// ============================================================================
// Snapshot / Restore
// ============================================================================

func TestSnapshotAndRestore(t *testing.T) {
	s := New()
	s.Create(newTestTask("task-001"))
	s.Create(newTestTask("task-002"))
	s.Create(newTestTask("task-003"))
	s.Transition("task-001", types.StatusProcessing, nil)
	s.Transition("task-001", types.StatusCompleted, func(task *types.Task) { task.Result = "done" })

	snap := s.Snapshot()
	assert.Len(t, snap.Tasks, 3)
	assert.Equal(t, []types.TaskID{"task-001", "task-002", "task-003"}, snap.Order)

	// 快照必須是深拷貝
	snap.Tasks["task-001"].Result = "mutated"
	got, _ := s.Get("task-001")
	assert.Equal(t, "done", got.Result)

	restored := New()
	restored.Restore(s.Snapshot())
	assert.Equal(t, s.Stats(), restored.Stats())
	assert.Equal(t, s.List(), restored.List())
}

func TestRestoreWithoutOrderUsesCreationTime(t *testing.T) {
	base := time.Now()
	data := types.SnapshotData{Tasks: map[types.TaskID]*types.Task{
		"b": {ID: "b", Status: types.StatusPending, CreatedAt: base.Add(time.Second)},
		"a": {ID: "a", Status: types.StatusPending, CreatedAt: base},
		"c": {ID: "c", Status: types.StatusFailed, CreatedAt: base.Add(2 * time.Second)},
	}}

	s := New()
	s.Restore(data)
	assert.Equal(t, []types.TaskID{"a", "b"}, s.IDsByStatus(types.StatusPending))
	assert.Equal(t, 3, s.Stats()["total"])
}

func TestApplyAndRemove(t *testing.T) {
	s := New()
	s.Apply(types.Task{ID: "task-001", Status: types.StatusPending})
	s.Apply(types.Task{ID: "task-001", Status: types.StatusProcessing})
	s.Apply(types.Task{ID: "task-002", Status: types.StatusPending})

	assertStatus(t, s, "task-001", types.StatusProcessing)
	assert.Equal(t, 1, s.Stats()["PENDING"])

	s.Remove([]types.TaskID{"task-002", "unknown"})
	_, ok := s.Get("task-002")
	assert.False(t, ok)
	assert.Len(t, s.List(), 1)
}

// ============================================================================
// Concurrent tests
// ============================================================================

func TestConcurrentLifecycle(t *testing.T) {
	s := New()

	const numGoroutines = 8
	const tasksPerGoroutine = 50

	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines*tasksPerGoroutine)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < tasksPerGoroutine; j++ {
				id := types.TaskID(fmt.Sprintf("task-%d-%d", g, j))
				if _, err := s.Create(types.Task{ID: id}); err != nil {
					errs <- err
					continue
				}
				if _, err := s.Transition(id, types.StatusProcessing, nil); err != nil {
					errs <- err
					continue
				}
				if err := s.AppendLog(id, "working"); err != nil {
					errs <- err
					continue
				}
				if _, err := s.Transition(id, types.StatusCompleted, nil); err != nil {
					errs <- err
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent operation error: %v", err)
	}

	stats := s.Stats()
	assert.Equal(t, numGoroutines*tasksPerGoroutine, stats["COMPLETED"])
	assert.Equal(t, 0, stats["PENDING"])
}

// ============================================================================
// Performance tests (Benchmarks)
// ============================================================================

func BenchmarkCreate(b *testing.B) {
	s := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Create(types.Task{ID: types.TaskID(fmt.Sprintf("task-%d", i))})
	}
}

func BenchmarkStats(b *testing.B) {
	s := New()
	for i := 0; i < 1000; i++ {
		s.Create(types.Task{ID: types.TaskID(fmt.Sprintf("task-%d", i))})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Stats()
	}
}

func TestCheckpointBlocksMutations(t *testing.T) {
	s := New()
	s.Create(newTestTask("task-001"))

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- s.Checkpoint(func(data types.SnapshotData) error {
			assert.Len(t, data.Tasks, 1)
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	created := make(chan struct{})
	go func() {
		s.Create(newTestTask("task-002"))
		close(created)
	}()

	select {
	case <-created:
		t.Fatal("Create must wait for Checkpoint to finish")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	<-created
	assert.Len(t, s.List(), 2)
}

func TestCheckpointPropagatesError(t *testing.T) {
	s := New()
	boom := errors.New("disk full")
	err := s.Checkpoint(func(types.SnapshotData) error { return boom })
	assert.ErrorIs(t, err, boom)
}
