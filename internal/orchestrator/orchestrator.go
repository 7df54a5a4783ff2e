// ============================================================================
// Venom Orchestrator - 任務治理核心協調器
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 接收任務、經由佇列放行、執行管線，並負責崩潰恢復
//
// 架構設計:
//   協調以下組件（皆由 process root 建立後注入）：
//   - TaskStore: 任務表（唯一擁有者）
//   - QueueManager: 放行控制（max_active / pause / FIFO+priority）
//   - PermissionGate: 技能權限檢查
//   - CostRouter: local / cloud 路由決策
//   - EventBus: 生命週期事件
//   - WAL + Snapshot: 持久化
//
// 核心循環:
//   1. Dispatch Loop - 佇列放行 PENDING 任務，每個任務一個 goroutine
//   2. Snapshot Loop - 定期在任務表寫鎖下寫快照並旋轉 WAL
//
// 任務管線:
//   classify → permission → route → dispatch → result
//   每個階段邊界都檢查取消；已中止的任務不會被遲到的結果覆寫。
//
// 崩潰恢復流程:
//   1. 載入快照
//   2. 重放 WAL
//   3. 快照或 WAL 損毀 → 隔離檔案，以空任務表啟動
//   4. PROCESSING → FAILED("interrupted by restart")
//   5. PENDING 依建立順序重新排隊
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mpieniak01/venom/internal/autonomy"
	"github.com/mpieniak01/venom/internal/costguard"
	"github.com/mpieniak01/venom/internal/events"
	"github.com/mpieniak01/venom/internal/metrics"
	"github.com/mpieniak01/venom/internal/queue"
	"github.com/mpieniak01/venom/internal/snapshot"
	"github.com/mpieniak01/venom/internal/storage/wal"
	"github.com/mpieniak01/venom/internal/taskstore"
	"github.com/mpieniak01/venom/pkg/types"
)

var log = slog.Default()

var (
	ErrTaskNotFound     = taskstore.ErrTaskNotFound
	ErrStopped          = errors.New("orchestrator stopped")
	ErrNotStarted       = errors.New("orchestrator not started")
	ErrEmptyContent     = errors.New("task content is empty")
	ErrUnknownTaskType  = errors.New("no handler for task type")
	ErrNotResubmittable = errors.New("only FAILED or ABORTED tasks can be resubmitted")
	ErrNoExecutor       = errors.New("no executor configured for dispatch target")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Distribution 任務分派方式
type Distribution string

const (
	DistributionLocal Distribution = "local" // 行程內 SkillExecutor（local / cloud 模型）
	DistributionNexus Distribution = "nexus" // 遠端 Spore 節點
	DistributionHive  Distribution = "hive"  // 持久化工作佇列
)

// Config Orchestrator 配置
type Config struct {
	MaxActive        int           // 同時執行的任務上限
	SnapshotInterval time.Duration // 快照間隔，0 表示只在停止時寫快照
	WALPath          string        // WAL 檔案路徑，空字串表示不持久化
	SnapshotPath     string        // 快照檔案路徑
	SyncWAL          bool          // 每次寫入都 fsync
	WALArchives      int           // 保留的 WAL 壓縮檔數量
	Distribution     Distribution  // local | nexus | hive
	RemoteTimeout    time.Duration // nexus / hive 分派逾時
	DrainTimeout     time.Duration // Stop 等待執行中任務的時間
	PollInterval     time.Duration // dispatch loop 的保底輪詢間隔
}

func (c *Config) applyDefaults() {
	if c.MaxActive < 1 {
		c.MaxActive = 1
	}
	if c.Distribution == "" {
		c.Distribution = DistributionLocal
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.SnapshotPath == "" && c.WALPath != "" {
		c.SnapshotPath = c.WALPath + ".snapshot"
	}
}

// Classifier 意圖分類器
type Classifier interface {
	Classify(ctx context.Context, content string) (types.TaskType, error)
}

// SkillExecutor 在本行程內執行技能
type SkillExecutor interface {
	Execute(ctx context.Context, skill string, params map[string]string) (string, error)
}

// RemoteExecutor 遠端節點執行（由 nexus.Registry 實作）
type RemoteExecutor interface {
	Select(capability string) (types.NodeRecord, error)
	ExecuteOnNode(ctx context.Context, nodeID, skill string, params map[string]string, timeout time.Duration) (string, error)
}

// HiveDispatcher 將任務放入工作佇列並等待結果（由 hive.Client 實作）
type HiveDispatcher interface {
	Dispatch(ctx context.Context, taskID types.TaskID, skill string, params map[string]string, priority int) (string, error)
}

// Deps 由 process root 注入的協作者
type Deps struct {
	Gate       *autonomy.Gate
	Router     *costguard.Router
	Bus        *events.EventBus
	Metrics    *metrics.Collector // 可為 nil
	Classifier Classifier         // nil 時使用 KeywordClassifier
	Executor   SkillExecutor
	Remote     RemoteExecutor // distribution=nexus 時需要
	Hive       HiveDispatcher // distribution=hive 時需要
	Handlers   map[types.TaskType]Handler
}

// Orchestrator 任務治理核心
type Orchestrator struct {
	config Config

	store    *taskstore.Store
	queue    *queue.Manager
	gate     *autonomy.Gate
	router   *costguard.Router
	bus      *events.EventBus
	metrics  *metrics.Collector
	wal      *wal.WAL
	snapshot *snapshot.Manager

	classifier Classifier
	executor   SkillExecutor
	remote     RemoteExecutor
	hive       HiveDispatcher
	handlers   map[types.TaskType]Handler

	// admitMu 串行化「暫停檢查 + PENDING → PROCESSING」與緊急停止的掃描
	admitMu sync.Mutex

	mu        sync.Mutex
	baseCtx   context.Context
	cancelAll context.CancelFunc
	cancels   map[types.TaskID]context.CancelFunc
	started   bool
	stopped   bool
	startTime time.Time

	stopCh chan struct{}
	loopWg sync.WaitGroup // dispatch / snapshot 循環
	taskWg sync.WaitGroup // 執行中的任務
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Orchestrator；Gate、Router、Bus 為必要協作者
func New(config Config, deps Deps) (*Orchestrator, error) {
	if deps.Gate == nil || deps.Router == nil || deps.Bus == nil {
		return nil, errors.New("orchestrator requires gate, router and bus")
	}
	config.applyDefaults()

	switch config.Distribution {
	case DistributionLocal:
	case DistributionNexus:
		if deps.Remote == nil {
			return nil, fmt.Errorf("distribution %q requires a remote executor", config.Distribution)
		}
	case DistributionHive:
		if deps.Hive == nil {
			return nil, fmt.Errorf("distribution %q requires a hive dispatcher", config.Distribution)
		}
	default:
		return nil, fmt.Errorf("unknown distribution %q", config.Distribution)
	}

	handlers := deps.Handlers
	if handlers == nil {
		handlers = DefaultHandlers()
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = NewKeywordClassifier()
	}

	o := &Orchestrator{
		config:     config,
		store:      taskstore.New(),
		queue:      queue.New(config.MaxActive),
		gate:       deps.Gate,
		router:     deps.Router,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		classifier: classifier,
		executor:   deps.Executor,
		remote:     deps.Remote,
		hive:       deps.Hive,
		handlers:   handlers,
		cancels:    make(map[types.TaskID]context.CancelFunc),
		stopCh:     make(chan struct{}),
	}
	if config.WALPath != "" {
		o.snapshot = snapshot.NewManager(config.SnapshotPath)
	}

	// 等級 / 付費模式變更 → 事件與指標
	o.gate.OnLevelChange(func(c autonomy.LevelChange) {
		o.metrics.SetAutonomyLevel(int32(c.New))
		o.bus.Publish(events.AutonomyChangedEvent{
			Old: c.Old, New: c.New, OldName: c.Old.String(), NewName: c.New.String(), Timestamp: c.At,
		})
	})
	o.router.OnPaidModeChange(func(c costguard.PaidModeChange) {
		o.metrics.SetPaidMode(c.New)
		o.bus.Publish(events.PaidModeEvent{Old: c.Old, New: c.New, Timestamp: c.At})
	})
	o.metrics.SetAutonomyLevel(int32(o.gate.CurrentLevel()))
	o.metrics.SetPaidMode(o.router.PaidMode())

	return o, nil
}

// Start 執行崩潰恢復並啟動循環
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.startTime = time.Now()
	o.baseCtx, o.cancelAll = context.WithCancel(ctx)
	o.mu.Unlock()

	log.Info("Starting orchestrator",
		"maxActive", o.config.MaxActive,
		"distribution", o.config.Distribution,
		"wal", o.config.WALPath)

	if err := o.recover(); err != nil {
		return err
	}

	o.loopWg.Add(1)
	go o.dispatchLoop()

	if o.wal != nil && o.config.SnapshotInterval > 0 {
		o.loopWg.Add(1)
		go o.snapshotLoop()
	}

	log.Info("Orchestrator started", "recovery", time.Since(o.startTime))
	return nil
}

// recover 載入快照 + 重放 WAL，再處理中斷的任務
func (o *Orchestrator) recover() error {
	begin := time.Now()

	if o.config.WALPath != "" {
		if err := o.loadState(); err != nil {
			log.Error("Persisted state is corrupt, starting with an empty task table",
				"error", err,
				"wal", o.config.WALPath,
				"snapshot", o.config.SnapshotPath)
			o.metrics.RecordPersistenceError()
			o.quarantine()
			o.store.Restore(types.SnapshotData{})
		}

		w, err := wal.NewWAL(o.config.WALPath, o.config.SyncWAL)
		if err != nil {
			return fmt.Errorf("failed to open WAL: %w", err)
		}
		if o.config.WALArchives > 0 {
			w.SetKeepArchives(o.config.WALArchives)
		}
		o.wal = w
		o.store.SetJournal(&meteredJournal{Journal: w, metrics: o.metrics})
	}

	// PROCESSING 任務的執行上下文已隨上一個行程消失
	for _, id := range o.store.IDsByStatus(types.StatusProcessing) {
		_, err := o.store.Transition(id, types.StatusFailed, func(t *types.Task) {
			t.Error = "interrupted by restart"
			t.Logs = append(t.Logs, taskstore.FormatLog(time.Now(), "failed: interrupted by restart"))
		})
		if err != nil {
			log.Warn("Failed to mark interrupted task", "taskID", id, "error", err)
			continue
		}
		log.Warn("Task interrupted by restart", "taskID", id)
	}

	pending := 0
	for _, t := range o.store.List() {
		if t.Status == types.StatusPending {
			o.queue.Push(t.ID, t.Priority)
			pending++
		}
	}

	elapsed := time.Since(begin)
	o.metrics.SetRecoveryTime(elapsed.Seconds())
	o.updateGauges()
	log.Info("Recovery completed",
		"tasks", len(o.store.List()),
		"requeued", pending,
		"duration", elapsed)
	return nil
}

// loadState 快照 → WAL 重放
func (o *Orchestrator) loadState() error {
	data, err := o.snapshot.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	o.store.Restore(data)
	log.Info("Snapshot loaded", "tasks", len(data.Tasks), "lastSeq", data.LastSeq)

	replayed := 0
	err = wal.ReplayFile(o.config.WALPath, func(e wal.Event) error {
		switch e.Type {
		case wal.EventUpsert:
			if e.Task == nil {
				return fmt.Errorf("upsert event seq=%d has no task", e.Seq)
			}
			o.store.Apply(*e.Task)
		case wal.EventPurge:
			o.store.Remove(e.TaskIDs)
		default:
			return fmt.Errorf("unknown event type %q at seq=%d", e.Type, e.Seq)
		}
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay WAL: %w", err)
	}
	log.Info("WAL replayed", "events", replayed)
	return nil
}

func (o *Orchestrator) quarantine() {
	for _, path := range []string{o.config.WALPath, o.config.SnapshotPath} {
		moved, err := wal.Quarantine(path)
		if err != nil {
			log.Error("Failed to quarantine file", "path", path, "error", err)
			continue
		}
		if moved != "" {
			log.Warn("Quarantined corrupt file", "path", path, "movedTo", moved)
		}
	}
}

// ============================================================================
// 核心循環
// ============================================================================

// dispatchLoop 佇列有空閒槽位時放行任務
func (o *Orchestrator) dispatchLoop() {
	defer o.loopWg.Done()

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			log.Info("Dispatch loop stopped")
			return
		case <-o.queue.Wake():
		case <-ticker.C:
			o.updateGauges()
		}

		for {
			id, ok := o.queue.Next()
			if !ok {
				break
			}
			o.launch(id)
		}
	}
}

// launch PENDING → PROCESSING，並在獨立 goroutine 執行管線
func (o *Orchestrator) launch(id types.TaskID) {
	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	if o.queue.Paused() {
		// Next 之後佇列才被暫停（例如緊急停止）：歸還任務
		current, ok := o.store.Get(id)
		if ok && current.Status == types.StatusPending {
			o.queue.Requeue(id, current.Priority)
		} else {
			o.queue.Release(id)
		}
		log.Debug("Queue paused before admission, task returned", "taskID", id)
		return
	}

	task, err := o.store.Transition(id, types.StatusProcessing, func(t *types.Task) {
		t.Logs = append(t.Logs, taskstore.FormatLog(time.Now(), "admitted for processing"))
	})
	if err != nil {
		// 放行前已被中止或清除
		log.Debug("Skipping task that left PENDING before admission", "taskID", id, "error", err)
		o.queue.Release(id)
		return
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()

	o.publishTask(events.EventTypeTaskStarted, task, 0)
	log.Info("Task admitted", "taskID", id, "active", o.queue.Active())

	o.taskWg.Add(1)
	go o.run(ctx, id)
}

// snapshotLoop 定期建立快照
func (o *Orchestrator) snapshotLoop() {
	defer o.loopWg.Done()

	ticker := time.NewTicker(o.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := o.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
				o.metrics.RecordPersistenceError()
			}
		}
	}
}

// takeSnapshot 寫快照並旋轉 WAL
//
// 在任務表寫鎖下執行：快照已涵蓋的事件才會被旋轉出去。
func (o *Orchestrator) takeSnapshot() error {
	if o.wal == nil {
		return nil
	}
	return o.store.Checkpoint(func(data types.SnapshotData) error {
		if err := o.wal.Flush(); err != nil {
			return fmt.Errorf("flush WAL: %w", err)
		}
		data.LastSeq = o.wal.GetLastSeq()
		if err := o.snapshot.Write(data); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		if err := o.wal.Rotate(); err != nil {
			return fmt.Errorf("rotate WAL: %w", err)
		}
		log.Info("Snapshot taken", "tasks", len(data.Tasks), "lastSeq", data.LastSeq)
		return nil
	})
}

func (o *Orchestrator) updateGauges() {
	stats := o.store.Stats()
	o.metrics.UpdateQueueStats(stats[string(types.StatusPending)], stats[string(types.StatusProcessing)])
}

// ============================================================================
// 優雅關閉
// ============================================================================

// Stop 停止 Orchestrator
//
// 關閉順序：
//  1. 關閉 stopCh，不再放行新任務
//  2. 等待循環退出
//  3. 等待執行中任務（最多 DrainTimeout），逾時則取消
//  4. 最終快照
//  5. 關閉 WAL
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	started := o.started
	o.mu.Unlock()

	log.Info("Stopping orchestrator")
	close(o.stopCh)
	if !started {
		return
	}

	o.loopWg.Wait()

	drained := make(chan struct{})
	go func() {
		o.taskWg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(o.config.DrainTimeout):
		log.Warn("Drain timeout exceeded, cancelling running tasks", "timeout", o.config.DrainTimeout)
		o.cancelAll()
		<-drained
	}
	o.cancelAll()

	if err := o.takeSnapshot(); err != nil {
		log.Error("Failed to take final snapshot", "error", err)
	}
	if o.wal != nil {
		if err := o.wal.Close(); err != nil {
			log.Error("Failed to close WAL", "error", err)
		}
	}

	log.Info("Orchestrator stopped", "uptime", time.Since(o.startTime))
}

// meteredJournal 記錄持久化失敗次數
type meteredJournal struct {
	taskstore.Journal
	metrics *metrics.Collector
}

func (j *meteredJournal) RecordUpsert(task types.Task) error {
	err := j.Journal.RecordUpsert(task)
	if err != nil {
		j.metrics.RecordPersistenceError()
	}
	return err
}

func (j *meteredJournal) RecordPurge(ids []types.TaskID) error {
	err := j.Journal.RecordPurge(ids)
	if err != nil {
		j.metrics.RecordPersistenceError()
	}
	return err
}
