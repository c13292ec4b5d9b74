// Package session implements the session engine: it owns an agent instance,
// interprets user messages, produces the ordered event stream, and implements
// the user-in-the-loop tool confirmation gate. Sessions may outlive the
// connection that created them under a reconnect grace window.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/state"
	"github.com/agentgate/agentgate/pkg/agent"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// State is a session's lifecycle phase.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateClosed  State = "closed"
)

// Mode selects how user.message is executed.
const (
	ModeChat      = "chat"
	ModePlanSolve = "plan_solve"
)

// Emitter sends one event toward the session's current connection. The
// gateway swaps it on rebind; a nil emitter means the session is detached.
type Emitter func(ctx context.Context, evt *protocol.Event) error

// Response resolves a pending confirmation. Tasks carries the optional task
// override a client may attach to a plan confirmation.
type Response struct {
	Confirmed bool
	Tasks     []map[string]any
}

// Config holds the per-session knobs.
type Config struct {
	ConfirmationTimeout time.Duration
	SendLLMMessage      bool
	HistorySize         int
}

// Session drives one agent. All event emission for a request happens on the
// request's own consume goroutine, preserving causal order.
type Session struct {
	id   string
	mode string
	ag   agent.Agent
	cfg  Config
	log  *logger.Logger

	mu                sync.Mutex
	st                State
	connectionID      string
	emit              Emitter
	stepCounter       int
	createdAt         time.Time
	lastActiveAt      time.Time
	pending           map[string]chan Response
	cancelRun         context.CancelFunc
	runDone           chan struct{}
	previousSessionID string

	history *History
	stats   *statCollector
}

// New creates an idle session around a fresh agent.
func New(id, mode string, ag agent.Agent, cfg Config, log *logger.Logger) *Session {
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 300 * time.Second
	}
	if mode == "" {
		mode = ModeChat
	}
	now := time.Now().UTC()
	return &Session{
		id:           id,
		mode:         mode,
		ag:           ag,
		cfg:          cfg,
		log:          log.WithSessionID(id),
		st:           StateIdle,
		createdAt:    now,
		lastActiveAt: now,
		pending:      map[string]chan Response{},
		history:      NewHistory(cfg.HistorySize),
		stats:        &statCollector{},
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Mode() string      { return s.mode }
func (s *Session) Agent() agent.Agent { return s.ag }
func (s *Session) History() *History { return s.history }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// Bind attaches the session to a connection's outbound path.
func (s *Session) Bind(connectionID string, emit Emitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionID = connectionID
	s.emit = emit
	s.lastActiveAt = time.Now().UTC()
}

// Detach drops the outbound path while keeping the session alive. Events
// produced while detached land only in the session history.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit = nil
}

// Detached reports whether the session currently has no outbound path.
func (s *Session) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emit == nil
}

// Run starts one request. It returns immediately; the event stream is
// produced asynchronously in causal order.
func (s *Session) Run(input string) *protocol.WireError {
	s.mu.Lock()
	switch s.st {
	case StateClosed:
		s.mu.Unlock()
		return protocol.NewWireError(protocol.ErrBadSession, "session %s is closed", s.id)
	case StateRunning:
		s.mu.Unlock()
		return protocol.NewWireError(protocol.ErrBusy, "session %s is already running a request", s.id)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.st = StateRunning
	s.stepCounter++
	s.lastActiveAt = time.Now().UTC()
	s.cancelRun = cancel
	done := make(chan struct{})
	s.runDone = done
	s.mu.Unlock()

	steps, err := s.ag.Run(runCtx, input)
	if err != nil {
		s.mu.Lock()
		s.st = StateIdle
		s.cancelRun = nil
		s.runDone = nil
		s.mu.Unlock()
		cancel()
		close(done)
		return protocol.NewWireError(protocol.ErrInternal, "agent failed to start: %v", err)
	}

	go s.consume(runCtx, cancel, steps, done)
	return nil
}

// consume translates the agent's step stream into protocol events. It is the
// only goroutine emitting for this request.
func (s *Session) consume(ctx context.Context, cancel context.CancelFunc, steps <-chan agent.Step, done chan struct{}) {
	defer close(done)
	defer cancel()

	terminated := false
	openToolStep := ""

	for step := range steps {
		if terminated {
			// late steps after a terminal event are dropped, but a blocked
			// confirmation gate must still be released
			if step.Decision != nil {
				step.Decision <- false
			}
			continue
		}
		if step.Usage != nil && step.Kind != agent.StepFinal {
			s.stats.add(s.ag.Name(), "", step.Usage)
		}

		switch step.Kind {
		case agent.StepThinking:
			s.send(ctx, protocol.NewSessionEvent(protocol.EventAgentThinking, s.id).WithContent(step.Text))

		case agent.StepToolCall:
			openToolStep, terminated = s.handleToolCall(ctx, cancel, step)

		case agent.StepToolResult:
			evt := protocol.NewSessionEvent(protocol.EventAgentToolResult, s.id).WithStep(openToolStep)
			if inv := step.Invocation; inv != nil {
				evt.WithMeta("tool_name", inv.Tool.Name).WithMeta("result", inv.Result)
				if inv.Denied {
					evt.WithMeta("denied", true).WithContent(fmt.Sprintf("tool %s was denied by the user", inv.Tool.Name))
				} else {
					evt.WithContent(fmt.Sprintf("tool %s completed", inv.Tool.Name))
				}
			}
			s.send(ctx, evt)
			openToolStep = ""

		case agent.StepPartial:
			s.send(ctx, protocol.NewSessionEvent(protocol.EventAgentPartialAnswer, s.id).WithContent(step.Text))
			if s.cfg.SendLLMMessage {
				s.send(ctx, protocol.NewSessionEvent(protocol.EventAgentLLMMessage, s.id).WithContent(step.Text))
			}

		case agent.StepFinal:
			s.stats.add(s.ag.Name(), "", step.Usage)
			s.send(ctx, protocol.NewSessionEvent(protocol.EventAgentFinalAnswer, s.id).
				WithContent(step.Text).
				WithMeta("statistics", StatisticsPayload(s.stats.snapshot())))
			terminated = true

		case agent.StepError:
			msg := "agent error"
			if step.Err != nil {
				msg = step.Err.Error()
			}
			s.send(ctx, protocol.AgentError(s.id, protocol.NewWireError(protocol.ErrInternal, "%s", msg)))
			terminated = true
		}
	}

	if !terminated {
		if ctx.Err() != nil {
			s.send(context.Background(), protocol.NewSessionEvent(protocol.EventAgentInterrupted, s.id).
				WithContent("request cancelled"))
		} else {
			s.send(context.Background(), protocol.AgentError(s.id,
				protocol.NewWireError(protocol.ErrInternal, "agent stream ended without a final step")))
		}
	}

	s.mu.Lock()
	if s.st == StateRunning {
		s.st = StateIdle
	}
	s.cancelRun = nil
	s.runDone = nil
	s.drainPendingLocked()
	s.mu.Unlock()
}

// handleToolCall runs the confirmation gate for guarded tools and emits the
// tool_call event. It returns the step id that pairs the eventual tool_result
// and whether the request terminated (confirmation timeout).
func (s *Session) handleToolCall(ctx context.Context, cancel context.CancelFunc, step agent.Step) (string, bool) {
	inv := step.Invocation
	if inv == nil || !inv.Tool.RequiresConfirmation || step.Decision == nil {
		stepID := fmt.Sprintf("tool_%s", uuid.NewString())
		evt := protocol.NewSessionEvent(protocol.EventAgentToolCall, s.id).WithStep(stepID)
		if inv != nil {
			evt.WithContent(fmt.Sprintf("calling tool %s", inv.Tool.Name)).
				WithMeta("tool_name", inv.Tool.Name).
				WithMeta("tool_args", inv.Args)
		}
		s.send(ctx, evt)
		if step.Decision != nil {
			step.Decision <- true
		}
		return stepID, false
	}

	stepID := fmt.Sprintf("confirm_%s_%s", uuid.NewString(), inv.Tool.Name)
	verdict := s.RegisterPending(stepID)

	s.send(ctx, protocol.NewSessionEvent(protocol.EventAgentUserConfirm, s.id).
		WithStep(stepID).
		WithContent(fmt.Sprintf("tool %s requires confirmation", inv.Tool.Name)).
		WithMeta("tool_name", inv.Tool.Name).
		WithMeta("tool_description", inv.Tool.Description).
		WithMeta("tool_args", inv.Args))

	timer := time.NewTimer(s.cfg.ConfirmationTimeout)
	defer timer.Stop()

	select {
	case resp := <-verdict:
		s.UnregisterPending(stepID)
		if resp.Confirmed {
			s.send(ctx, protocol.NewSessionEvent(protocol.EventAgentToolCall, s.id).
				WithStep(stepID).
				WithContent(fmt.Sprintf("calling tool %s", inv.Tool.Name)).
				WithMeta("tool_name", inv.Tool.Name).
				WithMeta("tool_args", inv.Args))
			step.Decision <- true
		} else {
			step.Decision <- false
		}
		return stepID, false

	case <-timer.C:
		s.UnregisterPending(stepID)
		step.Decision <- false
		s.send(ctx, protocol.AgentError(s.id, protocol.NewWireError(protocol.ErrConfirmationTimeout,
			"no response for tool %s within %s", inv.Tool.Name, s.cfg.ConfirmationTimeout)).
			WithStep(stepID))
		cancel()
		s.ag.Cancel()
		return stepID, true

	case <-ctx.Done():
		s.UnregisterPending(stepID)
		step.Decision <- false
		return stepID, false
	}
}

// RegisterPending creates a one-shot confirmation slot for a step id. The
// plan-solve pipeline uses this for plan confirmations as well.
func (s *Session) RegisterPending(stepID string) <-chan Response {
	ch := make(chan Response, 1)
	s.mu.Lock()
	s.pending[stepID] = ch
	s.mu.Unlock()
	return ch
}

// UnregisterPending removes a confirmation slot.
func (s *Session) UnregisterPending(stepID string) {
	s.mu.Lock()
	delete(s.pending, stepID)
	s.mu.Unlock()
}

// Respond resolves a pending confirmation from a user.response event.
func (s *Session) Respond(stepID string, resp Response) *protocol.WireError {
	s.mu.Lock()
	ch, ok := s.pending[stepID]
	s.mu.Unlock()
	if !ok {
		return protocol.NewWireError(protocol.ErrInvalidFrame,
			"step_id %q does not match a pending confirmation", stepID)
	}
	select {
	case ch <- resp:
	default:
	}
	return nil
}

// PendingConfirmations lists outstanding confirmation step ids.
func (s *Session) PendingConfirmations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	return out
}

// Cancel aborts the current request. The consume goroutine releases any
// blocked confirmation gate and emits agent.interrupted.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancelRun
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.ag.Cancel()
	}
}

// Close ends the session, cancels any in-flight request, and emits
// agent.session_end.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.st == StateClosed {
		s.mu.Unlock()
		return
	}
	cancel := s.cancelRun
	done := s.runDone
	s.st = StateClosed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.ag.Cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			s.log.Warn("request did not wind down before session close")
		}
	}
	s.send(ctx, protocol.NewSessionEvent(protocol.EventAgentSessionEnd, s.id).
		WithContent("session closed"))
}

// Emit sends an event through the session's outbound path. The plan-solve
// pipeline emits its phase events through its host session.
func (s *Session) Emit(ctx context.Context, evt *protocol.Event) {
	s.send(ctx, evt)
}

// RecordStats adds usage records produced outside the session's own run loop,
// such as plan-solve sub-sessions.
func (s *Session) RecordStats(records ...StatRecord) {
	s.stats.mu.Lock()
	s.stats.records = append(s.stats.records, records...)
	s.stats.mu.Unlock()
}

// Statistics returns the accumulated usage records.
func (s *Session) Statistics() []StatRecord {
	return s.stats.snapshot()
}

// Snapshot builds the exportable state of this session.
func (s *Session) Snapshot() *state.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &state.Snapshot{
		SessionID:            s.id,
		CurrentStep:          s.stepCounter,
		AgentState:           string(s.st),
		CreatedAt:            s.createdAt,
		LastActiveAt:         s.lastActiveAt,
		MemorySnapshot:       s.ag.Memory(),
		PendingConfirmations: s.pendingIDsLocked(),
		Metadata:             map[string]any{"agent_name": s.ag.Name(), "mode": s.mode},
	}
}

// Restore repopulates a fresh session from a verified snapshot.
func (s *Session) Restore(snap *state.Snapshot) error {
	if err := s.ag.RestoreMemory(snap.MemorySnapshot); err != nil {
		return fmt.Errorf("restore agent memory: %w", err)
	}
	s.mu.Lock()
	s.stepCounter = snap.CurrentStep
	s.createdAt = snap.CreatedAt
	s.previousSessionID = snap.SessionID
	if mode, ok := snap.Metadata["mode"].(string); ok && mode != "" {
		s.mode = mode
	}
	s.mu.Unlock()
	return nil
}

// PreviousSessionID returns the id this session was restored from, if any.
func (s *Session) PreviousSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previousSessionID
}

// AdoptHistory replaces the session history, used on state restore so replay
// can serve checkpoints from the previous session's connections.
func (s *Session) AdoptHistory(h *History) {
	if h != nil {
		s.history = h
	}
}

// send emits one event, falling back to history-only recording when the
// session is detached. Wire-level recording into the session history happens
// through the gateway's emit hook once the event is stamped.
func (s *Session) send(ctx context.Context, evt *protocol.Event) {
	s.mu.Lock()
	emit := s.emit
	connID := s.connectionID
	s.mu.Unlock()

	if emit == nil {
		s.history.RecordDetached(connID, evt)
		return
	}
	if err := emit(ctx, evt); err != nil {
		s.log.Warn("failed to emit event",
			zap.String("event", evt.Event),
			zap.Error(err))
	}
}

func (s *Session) pendingIDsLocked() []string {
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	return out
}

func (s *Session) drainPendingLocked() {
	for id, ch := range s.pending {
		select {
		case ch <- Response{Confirmed: false}:
		default:
		}
		delete(s.pending, id)
	}
}
