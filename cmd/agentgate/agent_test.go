package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/agent"
)

func runToFinal(t *testing.T, ag agent.Agent, input string) string {
	t.Helper()
	steps, err := ag.Run(context.Background(), input)
	require.NoError(t, err)
	var final string
	for step := range steps {
		if step.Kind == agent.StepFinal {
			final = step.Text
		}
	}
	return final
}

func TestBuiltinFactoryResolvesByName(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "", input: "hi", want: "echo: hi"},
		{name: "echo", input: "hi", want: "echo: hi"},
		{name: "reverse", input: "abc", want: "cba"},
	}
	for _, tc := range cases {
		factory, err := builtinFactory(tc.name)
		require.NoError(t, err, "name %q", tc.name)
		ag, err := factory()
		require.NoError(t, err)
		assert.Equal(t, tc.want, runToFinal(t, ag, tc.input), "name %q", tc.name)
	}
}

func TestBuiltinFactoryUnknownName(t *testing.T) {
	_, err := builtinFactory("gpt-9000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gpt-9000")
	assert.Contains(t, err.Error(), "built-ins")
}

func TestDemoAgentRecordsMemory(t *testing.T) {
	ag, err := echoFactory()()
	require.NoError(t, err)
	require.Equal(t, "echo: hello", runToFinal(t, ag, "hello"))

	mem := ag.Memory()
	require.Len(t, mem, 2)
	assert.Equal(t, "user", mem[0].Role)
	assert.Equal(t, "hello", mem[0].Content)
	assert.Equal(t, "assistant", mem[1].Role)
	assert.Equal(t, "echo: hello", mem[1].Content)
}
