package orchestrator

import (
	"context"
	"strings"
	"unicode"

	"github.com/mpieniak01/venom/pkg/types"
)

// keywordRule 依序比對，第一個命中的規則決定類型
type keywordRule struct {
	taskType types.TaskType
	words    []string // 單字比對
	phrases  []string // 子字串比對
}

// KeywordClassifier 以關鍵字決定任務類型，沒有命中時為 GENERAL
type KeywordClassifier struct {
	rules []keywordRule
}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{rules: []keywordRule{
		{taskType: types.TaskShell, words: []string{"shell", "bash", "terminal"}, phrases: []string{"run command", "execute command"}},
		{taskType: types.TaskGit, words: []string{"git", "commit", "rebase", "branch"}, phrases: []string{"pull request"}},
		{taskType: types.TaskResearch, words: []string{"research", "investigate", "compare", "survey"}},
		{taskType: types.TaskWebSearch, words: []string{"search", "google", "browse"}, phrases: []string{"look up"}},
		{taskType: types.TaskVision, words: []string{"image", "screenshot", "picture", "photo", "diagram"}},
		{taskType: types.TaskComplexPlan, words: []string{"plan", "roadmap", "architecture", "strategy"}},
		{taskType: types.TaskCodeGeneration, words: []string{"code", "function", "implement", "refactor", "bug", "compile", "test"}},
		{taskType: types.TaskFileOperation, words: []string{"file", "files", "directory", "folder"}},
		{taskType: types.TaskChat, words: []string{"hi", "hello", "hey", "thanks", "cześć"}, phrases: []string{"how are you"}},
	}}
}

// Classify 不會失敗；context 已取消時回傳其錯誤
func (c *KeywordClassifier) Classify(ctx context.Context, content string) (types.TaskType, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	text := strings.ToLower(content)
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.'
	}) {
		words[strings.Trim(w, ".")] = true
	}

	for _, rule := range c.rules {
		for _, w := range rule.words {
			if words[w] {
				return rule.taskType, nil
			}
		}
		for _, p := range rule.phrases {
			if strings.Contains(text, p) {
				return rule.taskType, nil
			}
		}
	}
	return types.TaskGeneral, nil
}
