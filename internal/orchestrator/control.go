package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mpieniak01/venom/internal/costguard"
	"github.com/mpieniak01/venom/internal/events"
	"github.com/mpieniak01/venom/internal/taskstore"
	"github.com/mpieniak01/venom/pkg/types"
)

// ============================================================================
// 提交選項
// ============================================================================

// SubmitOption 調整新任務的欄位
type SubmitOption func(*types.Task) error

// WithPriority 數值越大越先放行
func WithPriority(p int) SubmitOption {
	return func(t *types.Task) error {
		t.Priority = p
		return nil
	}
}

// WithSensitivity 敏感任務永遠在本地執行
func WithSensitivity(s types.Sensitivity) SubmitOption {
	return func(t *types.Task) error {
		if _, err := types.ParseSensitivity(string(s)); err != nil {
			return err
		}
		t.Sensitivity = s
		return nil
	}
}

// WithParams 附加技能參數
func WithParams(params map[string]string) SubmitOption {
	return func(t *types.Task) error {
		if len(params) == 0 {
			return nil
		}
		if t.Params == nil {
			t.Params = make(map[string]string, len(params))
		}
		for k, v := range params {
			t.Params[k] = v
		}
		return nil
	}
}

// WithMode 覆寫此任務的路由模式（LOCAL / HYBRID / CLOUD）
func WithMode(mode string) SubmitOption {
	return func(t *types.Task) error {
		if mode == "" {
			return nil
		}
		m, err := costguard.ParseMode(mode)
		if err != nil {
			return err
		}
		t.Mode = string(m)
		return nil
	}
}

// WithTaskType 跳過分類，直接指定任務類型
func WithTaskType(tt types.TaskType) SubmitOption {
	return func(t *types.Task) error {
		t.TaskType = tt
		return nil
	}
}

// ============================================================================
// 任務操作
// ============================================================================

// Submit 建立 PENDING 任務並立即返回；後續失敗只會反映在任務狀態上
func (o *Orchestrator) Submit(ctx context.Context, content string, opts ...SubmitOption) (types.TaskID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if o.isStopped() {
		return "", ErrStopped
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}

	task := types.Task{
		ID:          types.TaskID(uuid.NewString()),
		Content:     content,
		Sensitivity: types.SensitivityNormal,
		Logs:        []string{taskstore.FormatLog(time.Now(), "task created")},
	}
	for _, opt := range opts {
		if err := opt(&task); err != nil {
			return "", fmt.Errorf("invalid option: %w", err)
		}
	}

	created, err := o.store.Create(task)
	if err != nil {
		return "", err
	}
	o.metrics.RecordSubmitted()
	o.publishTask(events.EventTypeTaskCreated, created, 0)
	o.queue.Push(created.ID, created.Priority)
	log.Info("Task submitted",
		"taskID", created.ID,
		"priority", created.Priority,
		"sensitivity", created.Sensitivity)
	return created.ID, nil
}

// Resubmit 以 FAILED / ABORTED 任務的內容與選項建立新任務
func (o *Orchestrator) Resubmit(ctx context.Context, id types.TaskID) (types.TaskID, error) {
	old, ok := o.store.Get(id)
	if !ok {
		return "", ErrTaskNotFound
	}
	if old.Status != types.StatusFailed && old.Status != types.StatusAborted {
		return "", fmt.Errorf("%w: task %s is %s", ErrNotResubmittable, id, old.Status)
	}

	opts := []SubmitOption{
		WithPriority(old.Priority),
		WithSensitivity(old.Sensitivity),
		WithParams(old.Params),
		WithMode(old.Mode),
		func(t *types.Task) error {
			t.Logs = append(t.Logs, taskstore.FormatLog(time.Now(), "resubmitted from "+string(id)))
			return nil
		},
	}
	return o.Submit(ctx, old.Content, opts...)
}

// Get 取得任務副本
func (o *Orchestrator) Get(id types.TaskID) (types.Task, error) {
	t, ok := o.store.Get(id)
	if !ok {
		return types.Task{}, ErrTaskNotFound
	}
	return t, nil
}

// List 依建立順序列出所有任務
func (o *Orchestrator) List() []types.Task {
	return o.store.List()
}

// Abort 中止任務；終態任務原樣返回（冪等）
func (o *Orchestrator) Abort(id types.TaskID) (types.Task, error) {
	return o.abort(id, "aborted by user")
}

func (o *Orchestrator) abort(id types.TaskID, reason string) (types.Task, error) {
	current, ok := o.store.Get(id)
	if !ok {
		return types.Task{}, ErrTaskNotFound
	}
	if current.Status.IsTerminal() {
		return current, nil
	}
	if current.Status == types.StatusPending {
		o.queue.Remove(id)
	}

	task, err := o.store.Transition(id, types.StatusAborted, func(t *types.Task) {
		t.Error = reason
		t.Logs = append(t.Logs, taskstore.FormatLog(time.Now(), reason))
	})
	if errors.Is(err, taskstore.ErrTerminal) {
		// 與完成 / 失敗競爭時，以先到者為準
		latest, _ := o.store.Get(id)
		return latest, nil
	}
	if err != nil {
		return types.Task{}, err
	}

	o.mu.Lock()
	cancel := o.cancels[id]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	o.metrics.RecordFinished(string(types.StatusAborted), time.Since(task.CreatedAt).Seconds())
	o.publishTask(events.EventTypeTaskAborted, task, 0)
	log.Info("Task aborted", "taskID", id, "reason", reason, "was", current.Status)
	return task, nil
}

// ============================================================================
// 佇列操作
// ============================================================================

// Pause 停止放行新任務，執行中的任務不受影響
func (o *Orchestrator) Pause() {
	o.queue.Pause()
	o.bus.Publish(events.QueueEvent{Type: events.EventTypeQueuePaused, Timestamp: time.Now()})
	log.Info("Queue paused", "pending", o.queue.PendingLen())
}

// Resume 恢復放行
func (o *Orchestrator) Resume() {
	o.queue.Resume()
	o.bus.Publish(events.QueueEvent{Type: events.EventTypeQueueResumed, Timestamp: time.Now()})
	log.Info("Queue resumed", "pending", o.queue.PendingLen())
}

// Purge 移除所有 PENDING 任務，回傳被移除的 ID
func (o *Orchestrator) Purge() []types.TaskID {
	o.queue.Purge()
	removed := o.store.PurgePending()
	o.updateGauges()
	o.bus.Publish(events.QueueEvent{Type: events.EventTypeQueuePurged, TaskIDs: removed, Timestamp: time.Now()})
	log.Info("Queue purged", "removed", len(removed))
	return removed
}

// EmergencyStop 暫停佇列並中止所有執行中任務
func (o *Orchestrator) EmergencyStop() []types.TaskID {
	// 持有 admitMu：已取出但未放行的任務不是被歸還，就是已進入 PROCESSING 被掃到
	o.admitMu.Lock()
	o.queue.Pause()

	var aborted []types.TaskID
	for _, id := range o.store.IDsByStatus(types.StatusProcessing) {
		t, err := o.abort(id, "aborted by emergency stop")
		if err != nil || t.Status != types.StatusAborted {
			continue
		}
		aborted = append(aborted, id)
	}
	o.admitMu.Unlock()

	o.bus.Publish(events.QueueEvent{Type: events.EventTypeQueueEmergencyStop, TaskIDs: aborted, Timestamp: time.Now()})
	log.Warn("Emergency stop",
		"aborted", len(aborted),
		"timestamp", time.Now().Format(time.RFC3339Nano))
	return aborted
}

// SetMaxActive 調整同時執行上限
func (o *Orchestrator) SetMaxActive(n int) {
	o.queue.SetMaxActive(n)
	log.Info("Max active changed", "maxActive", o.queue.MaxActive())
}

// Stats 回傳任務與佇列統計
func (o *Orchestrator) Stats() map[string]interface{} {
	counts := o.store.Stats()
	stats := make(map[string]interface{}, len(counts)+8)
	for k, v := range counts {
		stats[k] = v
	}
	stats["active"] = o.queue.Active()
	stats["queued"] = o.queue.PendingLen()
	stats["max_active"] = o.queue.MaxActive()
	stats["paused"] = o.queue.Paused()
	stats["autonomy_level"] = o.gate.CurrentLevel().String()
	stats["paid_mode"] = o.router.PaidMode()
	stats["distribution"] = string(o.config.Distribution)

	o.mu.Lock()
	if o.started {
		stats["uptime_seconds"] = time.Since(o.startTime).Seconds()
	}
	o.mu.Unlock()
	return stats
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}
