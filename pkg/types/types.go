// Package types 定義了 Venom 任務治理核心中使用的領域模型
package types

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// 任務 (Task)
// ============================================================================

// TaskID 任務唯一識別碼
type TaskID string

// TaskStatus 任務狀態
type TaskStatus string

// 定義任務狀態常數
const (
	StatusPending    TaskStatus = "PENDING"    // 待處理：已建立，等待佇列放行
	StatusProcessing TaskStatus = "PROCESSING" // 執行中：已取得執行槽位
	StatusCompleted  TaskStatus = "COMPLETED"  // 完成：終態
	StatusFailed     TaskStatus = "FAILED"     // 失敗：終態
	StatusAborted    TaskStatus = "ABORTED"    // 中止：終態
)

// IsTerminal 回傳該狀態是否為終態（終態不可再轉換）
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// CanTransition 檢查狀態轉換是否合法
//
//	PENDING    → PROCESSING | ABORTED
//	PROCESSING → COMPLETED | FAILED | ABORTED
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusAborted
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusAborted
	default:
		return false
	}
}

// Sensitivity 資料敏感度
type Sensitivity string

const (
	SensitivityNormal    Sensitivity = "NORMAL"
	SensitivitySensitive Sensitivity = "SENSITIVE"
)

// ParseSensitivity 解析敏感度字串，空字串視為 NORMAL
func ParseSensitivity(s string) (Sensitivity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(SensitivityNormal):
		return SensitivityNormal, nil
	case string(SensitivitySensitive):
		return SensitivitySensitive, nil
	default:
		return "", fmt.Errorf("unknown sensitivity %q", s)
	}
}

// TaskType 意圖分類結果，由外部分類器產生
type TaskType string

// 固定的任務類型集合，每個類型在 orchestrator 的分派表中都有對應 handler
const (
	TaskChat           TaskType = "CHAT"
	TaskGeneral        TaskType = "GENERAL"
	TaskCodeGeneration TaskType = "CODE_GENERATION"
	TaskResearch       TaskType = "RESEARCH"
	TaskFileOperation  TaskType = "FILE_OPERATION"
	TaskShell          TaskType = "SHELL"
	TaskWebSearch      TaskType = "WEB_SEARCH"
	TaskGit            TaskType = "GIT"
	TaskVision         TaskType = "VISION"
	TaskComplexPlan    TaskType = "COMPLEX_PLANNING"
)

// AllTaskTypes 回傳所有已知任務類型（固定順序）
func AllTaskTypes() []TaskType {
	return []TaskType{
		TaskChat, TaskGeneral, TaskCodeGeneration, TaskResearch, TaskFileOperation,
		TaskShell, TaskWebSearch, TaskGit, TaskVision, TaskComplexPlan,
	}
}

// Task 任務結構，代表系統中的一個工作單元
type Task struct {
	// 識別與資料
	ID       TaskID            `json:"id"`
	Content  string            `json:"content"`
	Priority int               `json:"priority"`
	Params   map[string]string `json:"params,omitempty"`

	// 狀態追蹤
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Logs      []string   `json:"logs"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`

	// 管線資訊（classify / route 之後填入）
	Sensitivity Sensitivity      `json:"sensitivity"`
	Mode        string           `json:"mode,omitempty"`
	TaskType    TaskType         `json:"task_type,omitempty"`
	Skill       string           `json:"skill,omitempty"`
	Decision    *RoutingDecision `json:"decision,omitempty"`
	Target      string           `json:"target,omitempty"`  // local | cloud | nexus | hive
	NodeID      string           `json:"node_id,omitempty"` // nexus 分派時的節點
}

// Clone 深拷貝任務，避免呼叫者持有內部指標
func (t *Task) Clone() Task {
	c := *t
	c.Logs = append([]string(nil), t.Logs...)
	if t.Params != nil {
		c.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.Decision != nil {
		d := *t.Decision
		c.Decision = &d
	}
	return c
}

// ============================================================================
// 自主等級 (Autonomy Level)
// ============================================================================

// AutonomyLevel 有序的信任等級
type AutonomyLevel int32

const (
	LevelIsolated  AutonomyLevel = 0
	LevelConnected AutonomyLevel = 10
	LevelFunded    AutonomyLevel = 20
	LevelBuilder   AutonomyLevel = 30
	LevelRoot      AutonomyLevel = 40
)

// AllLevels 由低到高回傳五個等級
func AllLevels() []AutonomyLevel {
	return []AutonomyLevel{LevelIsolated, LevelConnected, LevelFunded, LevelBuilder, LevelRoot}
}

// String 回傳等級名稱
func (l AutonomyLevel) String() string {
	switch l {
	case LevelIsolated:
		return "ISOLATED"
	case LevelConnected:
		return "CONNECTED"
	case LevelFunded:
		return "FUNDED"
	case LevelBuilder:
		return "BUILDER"
	case LevelRoot:
		return "ROOT"
	default:
		return fmt.Sprintf("LEVEL(%d)", int32(l))
	}
}

// Valid 檢查是否為五個合法等級之一
func (l AutonomyLevel) Valid() bool {
	for _, v := range AllLevels() {
		if v == l {
			return true
		}
	}
	return false
}

// ParseLevel 接受等級名稱（不分大小寫）或數值字串
func ParseLevel(s string) (AutonomyLevel, error) {
	s = strings.TrimSpace(s)
	for _, l := range AllLevels() {
		if strings.EqualFold(s, l.String()) || s == fmt.Sprint(int32(l)) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown autonomy level %q", s)
}

// ============================================================================
// 路由決策 (Routing Decision)
// ============================================================================

// Target 執行目標
type Target string

const (
	TargetLocal Target = "local"
	TargetCloud Target = "cloud"
)

// RoutingDecision 每個任務重新計算，不跨任務快取
type RoutingDecision struct {
	Target    Target `json:"target"`
	ModelName string `json:"model_name"`
	Provider  string `json:"provider"`
	IsPaid    bool   `json:"is_paid"`
	Reason    string `json:"reason"`
}

// ============================================================================
// 節點 (Nexus Node)
// ============================================================================

// NodeHealth 節點健康狀態
type NodeHealth string

const (
	HealthActive   NodeHealth = "ACTIVE"
	HealthDegraded NodeHealth = "DEGRADED"
	HealthOffline  NodeHealth = "OFFLINE"
)

// NodeRecord 由 NodeRegistry 獨占擁有
type NodeRecord struct {
	NodeID        string     `json:"node_id"`
	Address       string     `json:"address"`
	Capabilities  []string   `json:"capabilities"`
	Load          int        `json:"load"`
	Health        NodeHealth `json:"health"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	RegisteredAt  time.Time  `json:"registered_at"`
	OfflineSince  *time.Time `json:"offline_since,omitempty"`
}

// HasCapability 檢查節點是否具備指定能力
func (n NodeRecord) HasCapability(capability string) bool {
	for _, c := range n.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ============================================================================
// 快照 (Snapshot)
// ============================================================================

// SnapshotData 快照資料，用於任務表的持久化和恢復
type SnapshotData struct {
	Tasks     map[TaskID]*Task `json:"tasks"`
	Order     []TaskID         `json:"order"` // 建立順序，恢復時保持 FIFO
	SchemaVer int              `json:"schema_ver"`
	LastSeq   uint64           `json:"last_seq"`
}
