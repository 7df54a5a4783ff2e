// ============================================================================
// Venom 任務儲存 - 任務狀態機實現
// ============================================================================
//
// Package: internal/taskstore
// 文件: task_store.go
// 功能: 保存每個任務的完整記錄與生命週期狀態
//
// 設計理念:
//   1. tasks map - 統一的任務存儲，作為單一真實來源 (Single Source of Truth)
//   2. 狀態索引 - 各狀態一個 map，提供 O(1) 統計與篩選
//   3. order - 建立順序，List() 與恢復時保持 FIFO
//
// 任務狀態轉換 (State Machine):
//   PENDING ──→ PROCESSING ──→ COMPLETED
//      │             │    └──→ FAILED
//      └─────────────┴───────→ ABORTED
//
//   終態 (COMPLETED / FAILED / ABORTED) 不可變，任何修改都回傳 ErrTerminal。
//
// 持久化:
//   每次變更後呼叫 Journal（WAL）。寫入失敗只記錄日誌，
//   記憶體狀態仍為權威來源，處理不會被阻斷。
//
// 並發安全:
//   - sync.RWMutex 保護所有數據結構
//   - 所有讀取都回傳副本，呼叫者不會持有內部指標
//
// ============================================================================

package taskstore

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mpieniak01/venom/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複
	ErrDuplicateTask = errors.New("task already exists")
	// 任務不存在
	ErrTaskNotFound = errors.New("task not found")
	// 任務已處於終態
	ErrTerminal = errors.New("task is in a terminal state")
	// 非法的狀態轉換
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Journal 接收每一次任務變更，用於持久化
type Journal interface {
	RecordUpsert(task types.Task) error
	RecordPurge(ids []types.TaskID) error
}

// Store 任務儲存
type Store struct {
	mu      sync.RWMutex
	tasks   map[types.TaskID]*types.Task                     // 所有任務
	order   []types.TaskID                                   // 建立順序
	byState map[types.TaskStatus]map[types.TaskID]*types.Task // 狀態索引
	journal Journal
	now     func() time.Time
}

// New 建立空的任務儲存
func New() *Store {
	s := &Store{now: time.Now}
	s.reset()
	return s
}

// SetJournal 設定持久化日誌，nil 表示只保存在記憶體
func (s *Store) SetJournal(j Journal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = j
}

func (s *Store) reset() {
	s.tasks = make(map[types.TaskID]*types.Task)
	s.order = make([]types.TaskID, 0)
	s.byState = map[types.TaskStatus]map[types.TaskID]*types.Task{
		types.StatusPending:    {},
		types.StatusProcessing: {},
		types.StatusCompleted:  {},
		types.StatusFailed:     {},
		types.StatusAborted:    {},
	}
}

// ============================================================================
// 寫入操作
// ============================================================================

// Create 加入新任務，狀態一律設為 PENDING
//
// 錯誤處理：
//   - ErrDuplicateTask: 任務 ID 已存在
func (s *Store) Create(task types.Task) (types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return types.Task{}, ErrDuplicateTask
	}

	now := s.now()
	t := task.Clone()
	t.Status = types.StatusPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Logs == nil {
		t.Logs = []string{}
	}
	if t.Sensitivity == "" {
		t.Sensitivity = types.SensitivityNormal
	}

	s.tasks[t.ID] = &t
	s.order = append(s.order, t.ID)
	s.byState[t.Status][t.ID] = &t

	s.record(&t)
	return t.Clone(), nil
}

// Transition 將任務轉換到新狀態，可選擇性地一併修改其他欄位
//
// 錯誤處理：
//   - ErrTaskNotFound: 任務不存在
//   - ErrTerminal: 任務已是終態（終態不可變）
//   - ErrInvalidTransition: 轉換不符合狀態機
func (s *Store) Transition(id types.TaskID, to types.TaskStatus, mutate func(*types.Task)) (types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		return types.Task{}, ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return t.Clone(), ErrTerminal
	}
	if !t.Status.CanTransition(to) {
		return t.Clone(), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}

	if mutate != nil {
		mutate(t)
	}
	delete(s.byState[t.Status], id)
	t.Status = to
	t.UpdatedAt = s.now()
	s.byState[to][id] = t

	s.record(t)
	return t.Clone(), nil
}

// Update 修改非終態任務的欄位（不可改變狀態）
func (s *Store) Update(id types.TaskID, mutate func(*types.Task)) (types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		return types.Task{}, ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return t.Clone(), ErrTerminal
	}

	status := t.Status
	mutate(t)
	t.Status = status
	t.UpdatedAt = s.now()

	s.record(t)
	return t.Clone(), nil
}

// AppendLog 為非終態任務附加一行帶時間戳的日誌
func (s *Store) AppendLog(id types.TaskID, line string) error {
	_, err := s.Update(id, func(t *types.Task) {
		t.Logs = append(t.Logs, FormatLog(s.now(), line))
	})
	return err
}

// FormatLog 產生 "[時間戳] 訊息" 格式的日誌行
func FormatLog(ts time.Time, line string) string {
	return fmt.Sprintf("[%s] %s", ts.UTC().Format(time.RFC3339Nano), line)
}

// PurgePending 丟棄所有 PENDING 任務並回傳被移除的 ID
func (s *Store) PurgePending() []types.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := make([]types.TaskID, 0, len(s.byState[types.StatusPending]))
	kept := s.order[:0]
	for _, id := range s.order {
		if t := s.tasks[id]; t != nil && t.Status == types.StatusPending {
			purged = append(purged, id)
			delete(s.tasks, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	s.byState[types.StatusPending] = map[types.TaskID]*types.Task{}

	if len(purged) > 0 && s.journal != nil {
		if err := s.journal.RecordPurge(purged); err != nil {
			log.Error("Failed to persist purge", "count", len(purged), "error", err)
		}
	}
	return purged
}

// record 將變更寫入 journal；失敗不影響記憶體狀態
// 呼叫者必須持有 s.mu
func (s *Store) record(t *types.Task) {
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordUpsert(t.Clone()); err != nil {
		log.Error("Failed to persist task", "taskID", t.ID, "status", t.Status, "error", err)
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得任務副本
func (s *Store) Get(id types.TaskID) (types.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return types.Task{}, false
	}
	return t.Clone(), true
}

// List 依建立順序回傳所有任務
func (s *Store) List() []types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Task, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// IDsByStatus 依建立順序回傳指定狀態的任務 ID
func (s *Store) IDsByStatus(status types.TaskStatus) []types.TaskID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.TaskID, 0, len(s.byState[status]))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok && t.Status == status {
			out = append(out, id)
		}
	}
	return out
}

// Stats 取得各狀態的任務數量
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.byState)+1)
	for status, m := range s.byState {
		out[string(status)] = len(m)
	}
	out["total"] = len(s.tasks)
	return out
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 深拷貝目前所有任務
func (s *Store) Snapshot() types.SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make(map[types.TaskID]*types.Task, len(s.tasks))
	for id, t := range s.tasks {
		c := t.Clone()
		tasks[id] = &c
	}
	return types.SnapshotData{
		Tasks:     tasks,
		Order:     append([]types.TaskID(nil), s.order...),
		SchemaVer: 1,
	}
}

// Checkpoint 在持有寫鎖的情況下取得快照並呼叫 fn
//
// fn 執行期間所有變更都會被阻擋，因此 fn 內寫入快照並旋轉 WAL
// 不會遺漏任何事件。
func (s *Store) Checkpoint(fn func(types.SnapshotData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make(map[types.TaskID]*types.Task, len(s.tasks))
	for id, t := range s.tasks {
		c := t.Clone()
		tasks[id] = &c
	}
	return fn(types.SnapshotData{
		Tasks:     tasks,
		Order:     append([]types.TaskID(nil), s.order...),
		SchemaVer: 1,
	})
}

// Restore 以快照內容取代目前狀態（不寫 journal）
func (s *Store) Restore(data types.SnapshotData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	order := data.Order
	if len(order) != len(data.Tasks) {
		order = orderByCreation(data.Tasks)
	}
	for _, id := range order {
		t, ok := data.Tasks[id]
		if !ok || t == nil {
			continue
		}
		s.put(t.Clone())
	}
}

// Apply 重放時使用：直接寫入任務記錄，不經狀態機驗證、不寫 journal
func (s *Store) Apply(task types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tasks[task.ID]; ok {
		delete(s.byState[old.Status], task.ID)
		t := task.Clone()
		s.tasks[task.ID] = &t
		s.byState[t.Status][t.ID] = &t
		return
	}
	s.put(task.Clone())
}

// Remove 重放時使用：移除指定任務
func (s *Store) Remove(ids []types.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[types.TaskID]bool, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			delete(s.byState[t.Status], id)
			delete(s.tasks, id)
			drop[id] = true
		}
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	s.order = kept
}

func (s *Store) put(t types.Task) {
	if _, ok := s.byState[t.Status]; !ok {
		log.Warn("Dropping task with unknown status", "taskID", t.ID, "status", t.Status)
		return
	}
	s.tasks[t.ID] = &t
	s.order = append(s.order, t.ID)
	s.byState[t.Status][t.ID] = &t
}

func orderByCreation(tasks map[types.TaskID]*types.Task) []types.TaskID {
	ids := make([]types.TaskID, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := tasks[ids[i]], tasks[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return ids[i] < ids[j]
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return ids
}
