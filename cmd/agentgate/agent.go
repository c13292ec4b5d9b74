package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/agent"
)

// demoAgent is the built-in stand-in wired when no real agent adapter is
// configured. It answers every request from a pure function of the input, so
// a fresh checkout speaks the full protocol end to end.
type demoAgent struct {
	name        string
	description string
	respond     func(input string) string

	mu     sync.Mutex
	memory []agent.Message
	cancel context.CancelFunc
}

var _ agent.Agent = (*demoAgent)(nil)

func demoFactory(name, description string, respond func(string) string) agent.Factory {
	return func() (agent.Agent, error) {
		return &demoAgent{name: name, description: description, respond: respond}, nil
	}
}

// echoFactory mints the default chat agent.
func echoFactory() agent.Factory {
	return demoFactory("echo", "built-in demo agent that echoes the user message",
		func(input string) string { return "echo: " + input })
}

// reverseFactory mints a demo agent that answers with the input reversed,
// handy for telling two agents apart on the wire.
func reverseFactory() agent.Factory {
	return demoFactory("reverse", "built-in demo agent that reverses the user message",
		func(input string) string {
			runes := []rune(input)
			for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
				runes[i], runes[j] = runes[j], runes[i]
			}
			return string(runes)
		})
}

// builtinFactory resolves the -agent flag to one of the built-in demo
// factories. Deployments embedding a real agent swap this out in their own
// main.
func builtinFactory(name string) (agent.Factory, error) {
	switch name {
	case "", "echo":
		return echoFactory(), nil
	case "reverse":
		return reverseFactory(), nil
	default:
		return nil, fmt.Errorf("unknown agent %q (built-ins: echo, reverse)", name)
	}
}

// plannerFactory mints a planner that turns the whole question into a single
// task, so plan-solve mode is exercisable without an LLM behind it.
func plannerFactory() agent.Factory {
	return demoFactory("demo-planner", "built-in single-task planner",
		func(input string) string {
			payload, _ := json.Marshal(map[string]any{
				"tasks":        []map[string]string{{"id": "1", "description": input}},
				"plan_summary": "single task",
			})
			return string(payload)
		})
}

func (a *demoAgent) Name() string        { return a.name }
func (a *demoAgent) Description() string { return a.description }

func (a *demoAgent) Run(ctx context.Context, input string) (<-chan agent.Step, error) {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.memory = append(a.memory, agent.Message{
		Role: "user", Content: input, Timestamp: time.Now().UTC(),
	})
	a.mu.Unlock()

	out := make(chan agent.Step, 4)
	go func() {
		defer close(out)
		defer cancel()

		started := time.Now()
		answer := a.respond(input)

		a.mu.Lock()
		a.memory = append(a.memory, agent.Message{
			Role: "assistant", Content: answer, Timestamp: time.Now().UTC(),
		})
		a.mu.Unlock()

		steps := []agent.Step{
			{Kind: agent.StepThinking, Text: "thinking"},
			{Kind: agent.StepFinal, Text: answer, Usage: &agent.Usage{
				InputTokens:  len(input) / 4,
				OutputTokens: len(answer) / 4,
				DurationMs:   time.Since(started).Milliseconds(),
			}},
		}
		for _, step := range steps {
			select {
			case out <- step:
			case <-runCtx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *demoAgent) Cancel() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *demoAgent) Memory() []agent.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]agent.Message, len(a.memory))
	copy(out, a.memory)
	return out
}

func (a *demoAgent) RestoreMemory(messages []agent.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memory = append([]agent.Message(nil), messages...)
	return nil
}
