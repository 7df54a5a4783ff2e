package inference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedExecutor string

func (n namedExecutor) Execute(_ context.Context, skill string, _ map[string]string) (string, error) {
	return string(n) + ":" + skill, nil
}

func TestMultiplexerRouting(t *testing.T) {
	m := NewMultiplexer()
	m.Handle("llm.*", namedExecutor("llm"))
	m.Handle("llm.general", namedExecutor("general"))
	m.Handle("web.search", namedExecutor("web"))

	tests := []struct {
		skill string
		want  string
	}{
		{"llm.chat", "llm:llm.chat"},
		{"llm.general", "general:llm.general"},
		{"web.search", "web:web.search"},
	}
	for _, tt := range tests {
		out, err := m.Execute(context.Background(), tt.skill, nil)
		require.NoError(t, err, tt.skill)
		assert.Equal(t, tt.want, out)
	}

	_, err := m.Execute(context.Background(), "shell.exec", nil)
	assert.ErrorIs(t, err, ErrUnknownSkill)

	m.SetFallback(namedExecutor("default"))
	out, err := m.Execute(context.Background(), "shell.exec", nil)
	require.NoError(t, err)
	assert.Equal(t, "default:shell.exec", out)
}
