package orchestrator

import "github.com/mpieniak01/venom/pkg/types"

// Handler 任務類型對應的技能與節點能力
type Handler struct {
	Skill      string // 權限檢查與執行的技能名稱
	Capability string // nexus 選擇節點時需要的能力
}

// DefaultHandlers 固定的分派表，每個 TaskType 都必須有一筆
func DefaultHandlers() map[types.TaskType]Handler {
	return map[types.TaskType]Handler{
		types.TaskChat:           {Skill: "llm.chat", Capability: "llm"},
		types.TaskGeneral:        {Skill: "llm.general", Capability: "llm"},
		types.TaskCodeGeneration: {Skill: "code.generate", Capability: "code"},
		types.TaskResearch:       {Skill: "research.web", Capability: "web"},
		types.TaskFileOperation:  {Skill: "file.write", Capability: "fs"},
		types.TaskShell:          {Skill: "shell.exec", Capability: "shell"},
		types.TaskWebSearch:      {Skill: "web.search", Capability: "web"},
		types.TaskGit:            {Skill: "git.commit", Capability: "git"},
		types.TaskVision:         {Skill: "vision.analyze", Capability: "vision"},
		types.TaskComplexPlan:    {Skill: "plan.complex", Capability: "llm"},
	}
}
