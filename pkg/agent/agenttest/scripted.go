// Package agenttest provides deterministic fake agents for gateway tests.
package agenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/agent"
)

// ScriptStep is one scripted emission. Tool steps with a descriptor that
// requires confirmation go through the gate handshake exactly like a real
// agent: the run blocks until the core delivers the verdict, then a matching
// tool_result step is emitted (denied when the verdict is false).
type ScriptStep struct {
	Kind   agent.StepKind
	Text   string
	Tool   *agent.ToolDescriptor
	Args   map[string]any
	Result any
	Usage  *agent.Usage

	// WaitFor, when non-nil, blocks emission of this step until the channel
	// is closed or the run is cancelled. Tests use it to hold a solver open.
	WaitFor <-chan struct{}
}

// Scripted is a deterministic agent that replays a fixed script per run.
type Scripted struct {
	AgentName        string
	AgentDescription string
	Script           []ScriptStep

	mu       sync.Mutex
	memory   []agent.Message
	cancel   context.CancelFunc
	runCount int
}

var _ agent.Agent = (*Scripted)(nil)

// New creates a scripted agent with the given name and script.
func New(name string, script ...ScriptStep) *Scripted {
	return &Scripted{
		AgentName:        name,
		AgentDescription: "scripted test agent",
		Script:           script,
	}
}

// Factory returns an agent.Factory minting independent clones of this script.
func (s *Scripted) Factory() agent.Factory {
	return func() (agent.Agent, error) {
		return &Scripted{
			AgentName:        s.AgentName,
			AgentDescription: s.AgentDescription,
			Script:           s.Script,
		}, nil
	}
}

func (s *Scripted) Name() string        { return s.AgentName }
func (s *Scripted) Description() string { return s.AgentDescription }

// RunCount returns how many runs were started, for restart assertions.
func (s *Scripted) RunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCount
}

// Run replays the script on a fresh step channel.
func (s *Scripted) Run(ctx context.Context, input string) (<-chan agent.Step, error) {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.runCount++
	s.memory = append(s.memory, agent.Message{
		Role: "user", Content: input, Timestamp: time.Now().UTC(),
	})
	script := s.Script
	s.mu.Unlock()

	out := make(chan agent.Step, 8)
	go func() {
		defer close(out)
		defer cancel()
		for _, step := range script {
			if step.WaitFor != nil {
				select {
				case <-step.WaitFor:
				case <-runCtx.Done():
					return
				}
			}
			if !s.emit(runCtx, out, step) {
				return
			}
		}
	}()
	return out, nil
}

func (s *Scripted) emit(ctx context.Context, out chan<- agent.Step, step ScriptStep) bool {
	if step.Kind == agent.StepToolCall && step.Tool != nil {
		return s.emitToolCycle(ctx, out, step)
	}

	if step.Kind == agent.StepFinal {
		s.mu.Lock()
		s.memory = append(s.memory, agent.Message{
			Role: "assistant", Content: step.Text, Timestamp: time.Now().UTC(),
		})
		s.mu.Unlock()
	}

	select {
	case out <- agent.Step{Kind: step.Kind, Text: step.Text, Usage: step.Usage}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scripted) emitToolCycle(ctx context.Context, out chan<- agent.Step, step ScriptStep) bool {
	inv := &agent.ToolInvocation{Tool: *step.Tool, Args: step.Args}

	var decision chan bool
	if step.Tool.RequiresConfirmation {
		decision = make(chan bool, 1)
	}

	select {
	case out <- agent.Step{Kind: agent.StepToolCall, Invocation: inv, Decision: decision}:
	case <-ctx.Done():
		return false
	}

	approved := true
	if decision != nil {
		select {
		case approved = <-decision:
		case <-ctx.Done():
			return false
		}
	}

	result := *inv
	if approved {
		result.Result = step.Result
	} else {
		result.Denied = true
		result.Result = fmt.Sprintf("tool %s denied by user", step.Tool.Name)
	}

	select {
	case out <- agent.Step{Kind: agent.StepToolResult, Invocation: &result}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Cancel aborts the in-flight run, if any.
func (s *Scripted) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Memory returns a copy of the conversational transcript.
func (s *Scripted) Memory() []agent.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agent.Message, len(s.memory))
	copy(out, s.memory)
	return out
}

// RestoreMemory replaces the transcript, as after a state restore.
func (s *Scripted) RestoreMemory(messages []agent.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = append([]agent.Message(nil), messages...)
	return nil
}

// Echo builds an agent that thinks once and answers with the given reply.
func Echo(name, reply string) *Scripted {
	return New(name,
		ScriptStep{Kind: agent.StepThinking, Text: "thinking"},
		ScriptStep{Kind: agent.StepFinal, Text: reply, Usage: &agent.Usage{
			InputTokens: 3, OutputTokens: 5, DurationMs: 10,
		}},
	)
}

// Planner builds an agent whose final answer is the JSON plan the pipeline
// expects from a planner sub-session.
func Planner(name string, summary string, taskDescriptions ...string) *Scripted {
	type task struct {
		ID          string `json:"id"`
		Description string `json:"description"`
	}
	tasks := make([]task, len(taskDescriptions))
	for i, d := range taskDescriptions {
		tasks[i] = task{ID: fmt.Sprintf("%d", i+1), Description: d}
	}
	payload, _ := json.Marshal(map[string]any{
		"tasks":        tasks,
		"plan_summary": summary,
	})
	return New(name,
		ScriptStep{Kind: agent.StepThinking, Text: "planning"},
		ScriptStep{Kind: agent.StepFinal, Text: string(payload), Usage: &agent.Usage{
			InputTokens: 10, OutputTokens: 20, DurationMs: 15,
		}},
	)
}
