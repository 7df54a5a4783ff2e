// ============================================================================
// Venom 自主權限閘門 (Autonomy Gate)
// ============================================================================
//
// Package: internal/autonomy
// 文件: gate.go
// 功能: 以五級信任等級控制技能 (skill) 的執行權限
//
// 規則:
//   required = permissions[skill]，未登記的技能一律視為 ROOT（預設拒絕）
//   允許 ⇔ current >= required
//
// 等級只能透過 SetLevel 變更，並記錄稽核日誌。
// 等級不持久化，每次啟動都從 ISOLATED 開始。
//
// ============================================================================

package autonomy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpieniak01/venom/pkg/types"
)

var log = slog.Default()

// ErrInvalidLevel 不在五個合法等級之內
var ErrInvalidLevel = errors.New("invalid autonomy level")

// ViolationError 權限不足
type ViolationError struct {
	Skill        string
	Required     types.AutonomyLevel
	RequiredName string
	Current      types.AutonomyLevel
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("autonomy violation: skill %q requires %s (%d), current level is %s (%d)",
		e.Skill, e.RequiredName, int32(e.Required), e.Current, int32(e.Current))
}

// LevelChange 一次等級變更的稽核記錄
type LevelChange struct {
	Old types.AutonomyLevel
	New types.AutonomyLevel
	At  time.Time
}

// Gate 行程內唯一的權限閘門，由 process root 建立並注入
type Gate struct {
	level atomic.Int32
	perms PermissionMap

	hookMu sync.RWMutex
	hooks  []func(LevelChange)
}

// NewGate 建立閘門，初始等級為 ISOLATED
func NewGate(perms PermissionMap) *Gate {
	g := &Gate{perms: perms.clone()}
	g.level.Store(int32(types.LevelIsolated))
	return g
}

// OnLevelChange 註冊等級變更的通知（例如發佈到 EventBus）
func (g *Gate) OnLevelChange(fn func(LevelChange)) {
	g.hookMu.Lock()
	defer g.hookMu.Unlock()
	g.hooks = append(g.hooks, fn)
}

// CurrentLevel 讀取目前等級（atomic load）
func (g *Gate) CurrentLevel() types.AutonomyLevel {
	return types.AutonomyLevel(g.level.Load())
}

// Required 回傳技能所需的最低等級，未登記的技能為 ROOT
func (g *Gate) Required(skill string) types.AutonomyLevel {
	if lvl, ok := g.perms[skill]; ok {
		return lvl
	}
	return types.LevelRoot
}

// Check 檢查技能在目前等級下是否允許執行
func (g *Gate) Check(skill string) error {
	required := g.Required(skill)
	current := g.CurrentLevel()
	if current >= required {
		return nil
	}
	return &ViolationError{
		Skill:        skill,
		Required:     required,
		RequiredName: required.String(),
		Current:      current,
	}
}

// SetLevel 明確、同步、可稽核的等級變更
func (g *Gate) SetLevel(level types.AutonomyLevel) error {
	if !level.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, int32(level))
	}

	old := types.AutonomyLevel(g.level.Swap(int32(level)))
	change := LevelChange{Old: old, New: level, At: time.Now()}

	log.Warn("Autonomy level changed",
		"old", old.String(),
		"new", level.String(),
		"timestamp", change.At.Format(time.RFC3339Nano))

	g.hookMu.RLock()
	hooks := append([]func(LevelChange){}, g.hooks...)
	g.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(change)
	}
	return nil
}

// Permissions 回傳權限表副本
func (g *Gate) Permissions() PermissionMap {
	return g.perms.clone()
}

// ============================================================================
// 等級描述表（純展示用途）
// ============================================================================

// LevelInfo 等級描述
type LevelInfo struct {
	ID          types.AutonomyLevel `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Color       string              `json:"color"`
	Permissions []string            `json:"permissions"`
}

var levelTable = []LevelInfo{
	{types.LevelIsolated, "ISOLATED", "Local only: reads and local models, no network access", "#22c55e", nil},
	{types.LevelConnected, "CONNECTED", "Network access: web search and research", "#3b82f6", nil},
	{types.LevelFunded, "FUNDED", "Paid cloud resources may be used", "#eab308", nil},
	{types.LevelBuilder, "BUILDER", "Writes code and files, commits to repositories", "#f97316", nil},
	{types.LevelRoot, "ROOT", "Full system access including shell execution", "#ef4444", nil},
}

// Levels 回傳五個等級的描述，以及在該等級首次開放的技能
func (g *Gate) Levels() []LevelInfo {
	out := make([]LevelInfo, len(levelTable))
	for i, info := range levelTable {
		info.Permissions = g.perms.SkillsAt(info.ID)
		out[i] = info
	}
	return out
}
