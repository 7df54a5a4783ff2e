// ============================================================================
// Venom Cost Guard + Model Router
// ============================================================================
//
// Package: internal/costguard
// 文件: router.go
// 功能: 為每個任務決定執行目標（local / cloud）
//
// 規則（嚴格依序）:
//   1. SENSITIVE → local，"sensitive data hard block"（無條件，不可被設定繞過）
//   2. 依 mode 決定暫定目標：LOCAL → local，CLOUD → cloud，
//      HYBRID → 簡單任務 local、複雜任務 cloud
//   3. 暫定 cloud 且付費模式關閉 → local，"cost guard fallback"（警告日誌）
//   4. 其他情況回傳暫定決策，IsPaid = (target == cloud)
//
// Route 為 O(1) 純記憶體運算，不做任何 I/O；內部錯誤（panic）一律回傳 local。
//
// ============================================================================

package costguard

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpieniak01/venom/pkg/types"
)

var log = slog.Default()

// 決策原因
const (
	ReasonSensitive     = "sensitive data hard block"
	ReasonCostFallback  = "cost guard fallback"
	ReasonRoutingError  = "routing error fallback"
	ReasonModeLocal     = "local mode"
	ReasonModeCloud     = "cloud mode"
	ReasonHybridSimple  = "hybrid: simple task"
	ReasonHybridComplex = "hybrid: complex task"
)

// Mode 路由模式
type Mode string

const (
	ModeLocal  Mode = "LOCAL"
	ModeHybrid Mode = "HYBRID"
	ModeCloud  Mode = "CLOUD"
)

// ParseMode 解析模式字串（不分大小寫）
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeLocal, ModeHybrid, ModeCloud:
		return m, nil
	default:
		return "", fmt.Errorf("unknown routing mode %q", s)
	}
}

// Complexity 任務複雜度
type Complexity string

const (
	Simple  Complexity = "simple"
	Complex Complexity = "complex"
)

// defaultComplex 預設視為複雜的任務類型
var defaultComplex = map[types.TaskType]bool{
	types.TaskCodeGeneration: true,
	types.TaskResearch:       true,
	types.TaskComplexPlan:    true,
	types.TaskVision:         true,
}

// ModelConfig 模型與路由設定
type ModelConfig struct {
	Mode          Mode
	LocalModel    string
	LocalProvider string
	CloudModel    string
	CloudProvider string
	// ComplexTypes 非空時取代預設的複雜任務集合
	ComplexTypes []types.TaskType
}

// PaidModeChange 付費模式變更記錄
type PaidModeChange struct {
	Old bool
	New bool
	At  time.Time
}

// Router 成本路由器，付費模式為行程內唯一的可變狀態
type Router struct {
	cfg     ModelConfig
	complex map[types.TaskType]bool
	paid    atomic.Bool

	// complexity 可在測試中替換
	complexity func(types.TaskType) Complexity

	hookMu sync.RWMutex
	hooks  []func(PaidModeChange)
}

// NewRouter 建立路由器，付費模式預設關閉
func NewRouter(cfg ModelConfig) *Router {
	if cfg.Mode == "" {
		cfg.Mode = ModeHybrid
	}
	if cfg.LocalModel == "" {
		cfg.LocalModel = "llama3"
	}
	if cfg.LocalProvider == "" {
		cfg.LocalProvider = "ollama"
	}
	if cfg.CloudModel == "" {
		cfg.CloudModel = "gpt-4o"
	}
	if cfg.CloudProvider == "" {
		cfg.CloudProvider = "openai"
	}

	r := &Router{cfg: cfg, complex: defaultComplex}
	if len(cfg.ComplexTypes) > 0 {
		r.complex = make(map[types.TaskType]bool, len(cfg.ComplexTypes))
		for _, tt := range cfg.ComplexTypes {
			r.complex[tt] = true
		}
	}
	r.complexity = r.lookupComplexity
	return r
}

// Mode 回傳預設路由模式
func (r *Router) Mode() Mode {
	return r.cfg.Mode
}

// Complexity 查詢任務類型的複雜度
func (r *Router) Complexity(taskType types.TaskType) Complexity {
	return r.lookupComplexity(taskType)
}

func (r *Router) lookupComplexity(taskType types.TaskType) Complexity {
	if r.complex[taskType] {
		return Complex
	}
	return Simple
}

// PaidMode 付費模式是否開啟
func (r *Router) PaidMode() bool {
	return r.paid.Load()
}

// OnPaidModeChange 註冊付費模式變更通知
func (r *Router) OnPaidModeChange(fn func(PaidModeChange)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// SetPaidMode 明確切換付費模式，記錄新舊值與時間
func (r *Router) SetPaidMode(enabled bool) {
	old := r.paid.Swap(enabled)
	change := PaidModeChange{Old: old, New: enabled, At: time.Now()}
	log.Warn("Paid mode changed",
		"old", old,
		"new", enabled,
		"timestamp", change.At.Format(time.RFC3339Nano))

	r.hookMu.RLock()
	hooks := append([]func(PaidModeChange){}, r.hooks...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(change)
	}
}

// Route 為任務產生新的路由決策；mode 為空時使用預設模式
func (r *Router) Route(taskType types.TaskType, sensitivity types.Sensitivity, mode Mode) (decision types.RoutingDecision) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Routing failed, falling back to local", "taskType", taskType, "panic", rec)
			decision = r.local(ReasonRoutingError)
		}
	}()

	// 1. 敏感資料硬性阻擋
	if sensitivity == types.SensitivitySensitive {
		return r.local(ReasonSensitive)
	}

	// 2. 依模式決定暫定目標
	if mode == "" {
		mode = r.cfg.Mode
	}
	var tentative types.RoutingDecision
	switch mode {
	case ModeLocal:
		tentative = r.local(ReasonModeLocal)
	case ModeCloud:
		tentative = r.cloud(ReasonModeCloud)
	case ModeHybrid:
		if r.complexity(taskType) == Complex {
			tentative = r.cloud(ReasonHybridComplex)
		} else {
			tentative = r.local(ReasonHybridSimple)
		}
	default:
		panic(fmt.Sprintf("unknown routing mode %q", mode))
	}

	// 3. 成本閘門
	if tentative.Target == types.TargetCloud && !r.paid.Load() {
		log.Warn("Cloud target requested with paid mode disabled, using local",
			"taskType", taskType, "mode", mode, "reason", ReasonCostFallback)
		return r.local(ReasonCostFallback)
	}

	// 4. 暫定決策
	tentative.IsPaid = tentative.Target == types.TargetCloud
	return tentative
}

func (r *Router) local(reason string) types.RoutingDecision {
	return types.RoutingDecision{
		Target:    types.TargetLocal,
		ModelName: r.cfg.LocalModel,
		Provider:  r.cfg.LocalProvider,
		Reason:    reason,
	}
}

func (r *Router) cloud(reason string) types.RoutingDecision {
	return types.RoutingDecision{
		Target:    types.TargetCloud,
		ModelName: r.cfg.CloudModel,
		Provider:  r.cfg.CloudProvider,
		Reason:    reason,
	}
}
