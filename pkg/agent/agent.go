// Package agent defines the contracts between the gateway core and the agent
// implementations it fronts. Agents are external collaborators: the core
// never interprets their reasoning, it only observes the step records they
// emit and injects a confirmation gate ahead of guarded tool executions.
package agent

import (
	"context"
	"time"
)

// StepKind tags one record in an agent's execution stream.
type StepKind string

const (
	StepThinking   StepKind = "thinking"
	StepToolCall   StepKind = "tool_call"
	StepToolResult StepKind = "tool_result"
	StepPartial    StepKind = "partial"
	StepFinal      StepKind = "final"
	StepError      StepKind = "error"
)

// Usage records token counts and wall time for one LLM interaction.
type Usage struct {
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Duration     time.Duration `json:"-"`
	DurationMs   int64         `json:"duration_ms"`
}

// ToolDescriptor describes a tool the agent may invoke. Execution happens
// inside the agent; the core only needs the descriptor to drive the
// confirmation gate and populate event metadata.
type ToolDescriptor struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	ArgumentsSchema      map[string]any `json:"arguments_schema,omitempty"`
}

// ToolInvocation is the observable record of one tool cycle.
type ToolInvocation struct {
	Tool   ToolDescriptor `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Result any            `json:"result,omitempty"`
	Denied bool           `json:"denied,omitempty"`
}

// Step is one record on an agent's execution stream.
//
// For tool_call steps whose tool requires confirmation, Decision is non-nil
// and the agent blocks until the core sends the gate's verdict: true to
// execute, false to synthesise a denial result. The channel is single-use.
type Step struct {
	Kind       StepKind
	Text       string
	Invocation *ToolInvocation
	Err        error
	Usage      *Usage
	Decision   chan<- bool
}

// Message is one entry of an agent's conversational memory, used for state
// export and restore.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Agent is a stateful interaction context created by a Factory. Run drives
// one request and streams step records until the channel closes; exactly one
// final or error step ends a healthy run. Cancel aborts the in-flight run;
// the step channel still closes.
type Agent interface {
	Name() string
	Description() string
	Run(ctx context.Context, input string) (<-chan Step, error)
	Cancel()
	Memory() []Message
	RestoreMemory(messages []Message) error
}

// Factory mints fresh agents. Called with no arguments; the gateway invokes
// it once per session and once per plan-solve sub-session.
type Factory func() (Agent, error)
