package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayStringContent(t *testing.T) {
	evt := New(EventAgentThinking).WithContent("pondering the question")
	assert.Equal(t, "pondering the question", Display(evt))
}

func TestDisplayTruncatesLongContent(t *testing.T) {
	evt := New(EventAgentPartialAnswer).WithContent(strings.Repeat("a", 500))
	out := Display(evt)
	assert.True(t, strings.HasSuffix(out, "…"))
	assert.LessOrEqual(t, len([]rune(out)), displayLimit+1)
}

func TestDisplayToolFallback(t *testing.T) {
	evt := New(EventAgentToolCall).WithMeta("tool_name", "delete_all")
	assert.Equal(t, "[agent.tool_call delete_all]", Display(evt))
}

func TestDisplaySolverFallback(t *testing.T) {
	evt := New(EventSolverStart).
		WithMeta("task", map[string]any{"id": "2", "description": "sub"})
	assert.Equal(t, "[solver.start task=2]", Display(evt))
}

func TestDisplayBareTag(t *testing.T) {
	evt := New(EventSystemHeartbeat)
	assert.Equal(t, "[system.heartbeat]", Display(evt))
}
