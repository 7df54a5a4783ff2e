package inference

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Executor 執行單一技能
type Executor interface {
	Execute(ctx context.Context, skill string, params map[string]string) (string, error)
}

// Multiplexer 依技能名稱轉交給已註冊的 Executor
//
// 比對順序：完整名稱 ("llm.chat")，前綴 ("llm.*")，fallback。
type Multiplexer struct {
	mu       sync.RWMutex
	exact    map[string]Executor
	prefix   map[string]Executor
	fallback Executor
}

func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		exact:  make(map[string]Executor),
		prefix: make(map[string]Executor),
	}
}

// Handle 註冊技能；pattern 以 ".*" 結尾時為前綴比對
func (m *Multiplexer) Handle(pattern string, e Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := strings.CutSuffix(pattern, ".*"); ok {
		m.prefix[p] = e
		return
	}
	m.exact[pattern] = e
}

// SetFallback 沒有任何符合時使用
func (m *Multiplexer) SetFallback(e Executor) {
	m.mu.Lock()
	m.fallback = e
	m.mu.Unlock()
}

func (m *Multiplexer) Execute(ctx context.Context, skill string, params map[string]string) (string, error) {
	e := m.lookup(skill)
	if e == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownSkill, skill)
	}
	return e.Execute(ctx, skill, params)
}

func (m *Multiplexer) lookup(skill string) Executor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.exact[skill]; ok {
		return e
	}
	if ns, _, ok := strings.Cut(skill, "."); ok {
		if e, ok := m.prefix[ns]; ok {
			return e
		}
	}
	return m.fallback
}
