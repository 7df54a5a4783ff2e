package autonomy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpieniak01/venom/pkg/types"
)

// PermissionMap 技能 → 最低等級，載入後不可變
type PermissionMap map[string]types.AutonomyLevel

// permissionFile YAML 格式：
//
//	skills:
//	  llm.chat: ISOLATED
//	  web.search: 10
type permissionFile struct {
	Skills map[string]string `yaml:"skills"`
}

// DefaultPermissions 內建權限表
func DefaultPermissions() PermissionMap {
	return PermissionMap{
		"llm.chat":       types.LevelIsolated,
		"llm.general":    types.LevelIsolated,
		"file.read":      types.LevelIsolated,
		"web.search":     types.LevelConnected,
		"research.web":   types.LevelConnected,
		"vision.analyze": types.LevelFunded,
		"plan.complex":   types.LevelFunded,
		"code.generate":  types.LevelBuilder,
		"file.write":     types.LevelBuilder,
		"git.commit":     types.LevelBuilder,
		"shell.exec":     types.LevelRoot,
	}
}

// LoadPermissions 從 YAML 檔載入權限表
func LoadPermissions(path string) (PermissionMap, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permissions file: %w", err)
	}
	perms, err := ParsePermissions(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return perms, nil
}

// ParsePermissions 解析 YAML 權限表；格式錯誤時立即失敗
func ParsePermissions(b []byte) (PermissionMap, error) {
	var f permissionFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse permissions: %w", err)
	}
	return FromNames(f.Skills)
}

// FromNames 將 技能 → 等級名稱/數值 的表格轉成 PermissionMap
func FromNames(raw map[string]string) (PermissionMap, error) {
	perms := make(PermissionMap, len(raw))
	for skill, levelName := range raw {
		skill = strings.TrimSpace(skill)
		if skill == "" {
			return nil, fmt.Errorf("permission entry with empty skill name")
		}
		lvl, err := types.ParseLevel(levelName)
		if err != nil {
			return nil, fmt.Errorf("skill %q: %w", skill, err)
		}
		perms[skill] = lvl
	}
	return perms, nil
}

// SkillsAt 回傳所需等級恰好為 level 的技能（已排序）
func (p PermissionMap) SkillsAt(level types.AutonomyLevel) []string {
	out := []string{}
	for skill, lvl := range p {
		if lvl == level {
			out = append(out, skill)
		}
	}
	sort.Strings(out)
	return out
}

func (p PermissionMap) clone() PermissionMap {
	c := make(PermissionMap, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}
