// ============================================================================
// Venom 佇列管理器 - 准入控制
// ============================================================================
//
// Package: internal/queue
// 文件: manager.go
// 功能: 控制 PENDING → PROCESSING 的放行
//
//   - maxActive 限制同時執行中的任務數量
//   - 待處理順序：priority 高者優先，相同 priority 依提交順序 (FIFO)
//   - Pause 停止放行（執行中的任務照常完成），Resume 恢復
//   - Purge 清空待處理佇列
//
// 佇列只保存任務 ID，任務記錄由 TaskStore 擁有。
//
// ============================================================================

package queue

import (
	"container/heap"
	"sync"

	"github.com/mpieniak01/venom/pkg/types"
)

type entry struct {
	id       types.TaskID
	priority int
	seq      uint64
	index    int
}

// pendingHeap 依 (priority desc, seq asc) 排序
type pendingHeap []*entry

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pendingHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.index = -1
	return e
}

// Manager 佇列管理器
type Manager struct {
	mu        sync.Mutex
	pending   pendingHeap
	byID      map[types.TaskID]*entry
	active    map[types.TaskID]struct{}
	maxActive int
	paused    bool
	seq       uint64
	wake      chan struct{}
}

// New 建立佇列管理器，maxActive < 1 時視為 1
func New(maxActive int) *Manager {
	if maxActive < 1 {
		maxActive = 1
	}
	return &Manager{
		byID:      make(map[types.TaskID]*entry),
		active:    make(map[types.TaskID]struct{}),
		maxActive: maxActive,
		wake:      make(chan struct{}, 1),
	}
}

// Push 加入待處理佇列；已存在的 ID 會被忽略
func (m *Manager) Push(id types.TaskID, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; ok {
		return
	}
	m.seq++
	e := &entry{id: id, priority: priority, seq: m.seq}
	heap.Push(&m.pending, e)
	m.byID[id] = e
	m.signal()
}

// Next 在未暫停且有空閒槽位時取出下一個任務，並佔用一個槽位
func (m *Manager) Next() (types.TaskID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused || len(m.active) >= m.maxActive || m.pending.Len() == 0 {
		return "", false
	}
	e := heap.Pop(&m.pending).(*entry)
	delete(m.byID, e.id)
	m.active[e.id] = struct{}{}
	return e.id, true
}

// Release 釋放任務佔用的槽位
func (m *Manager) Release(id types.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; !ok {
		return
	}
	delete(m.active, id)
	m.signal()
}

// Requeue 歸還已由 Next 取出、但尚未放行的任務：釋放槽位並放回同優先權的最前面
func (m *Manager) Requeue(id types.TaskID, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
	if _, ok := m.byID[id]; ok {
		return
	}
	e := &entry{id: id, priority: priority, seq: 0}
	heap.Push(&m.pending, e)
	m.byID[id] = e
}

// Remove 從待處理佇列移除（PENDING 任務被中止時使用）
func (m *Manager) Remove(id types.TaskID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&m.pending, e.index)
	delete(m.byID, id)
	return true
}

// Purge 清空待處理佇列，回傳被移除的 ID（依放行順序）
func (m *Manager) Purge() []types.TaskID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.TaskID, 0, m.pending.Len())
	for m.pending.Len() > 0 {
		out = append(out, heap.Pop(&m.pending).(*entry).id)
	}
	m.byID = make(map[types.TaskID]*entry)
	return out
}

// Pause 停止放行新任務
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume 恢復放行
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.signal()
}

// Paused 是否暫停中
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// SetMaxActive 調整併發上限，n < 1 時視為 1
func (m *Manager) SetMaxActive(n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxActive = n
	m.signal()
}

// MaxActive 目前的併發上限
func (m *Manager) MaxActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}

// Active 執行中的任務數量
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// PendingLen 待處理任務數量
func (m *Manager) PendingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

// Pending 依放行順序列出待處理任務
func (m *Manager) Pending() []types.TaskID {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(pendingHeap, len(m.pending))
	for i, e := range m.pending {
		c := *e
		cp[i] = &c
	}
	out := make([]types.TaskID, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*entry).id)
	}
	return out
}

// Wake 可能可以放行時會收到通知
func (m *Manager) Wake() <-chan struct{} {
	return m.wake
}

// signal 非阻塞通知，呼叫者必須持有 m.mu
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
