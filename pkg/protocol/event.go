// Package protocol defines the WebSocket event protocol: the closed set of
// event tags, the event envelope, inbound validation, and JSON framing.
package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Category groups event tags by their prefix.
type Category string

const (
	CategoryUser      Category = "user"
	CategoryAgent     Category = "agent"
	CategoryPlan      Category = "plan"
	CategorySolver    Category = "solver"
	CategoryAggregate Category = "aggregate"
	CategoryPipeline  Category = "pipeline"
	CategorySystem    Category = "system"
	CategoryUnknown   Category = ""
)

// User events (client -> server)
const (
	EventUserCreateSession      = "user.create_session"
	EventUserMessage            = "user.message"
	EventUserResponse           = "user.response"
	EventUserCancel             = "user.cancel"
	EventUserAck                = "user.ack"
	EventUserReconnect          = "user.reconnect"
	EventUserReconnectWithState = "user.reconnect_with_state"
	EventUserRequestState       = "user.request_state"
	EventUserSolveTasks         = "user.solve_tasks"
	EventUserCancelTask         = "user.cancel_task"
	EventUserRestartTask        = "user.restart_task"
	EventUserCancelPlan         = "user.cancel_plan"
	EventUserReplan             = "user.replan"
)

// Agent events (server -> client)
const (
	EventAgentSessionCreated = "agent.session_created"
	EventAgentThinking       = "agent.thinking"
	EventAgentToolCall       = "agent.tool_call"
	EventAgentToolResult     = "agent.tool_result"
	EventAgentUserConfirm    = "agent.user_confirm"
	EventAgentPartialAnswer  = "agent.partial_answer"
	EventAgentLLMMessage     = "agent.llm_message"
	EventAgentFinalAnswer    = "agent.final_answer"
	EventAgentStateExported  = "agent.state_exported"
	EventAgentStateRestored  = "agent.state_restored"
	EventAgentError          = "agent.error"
	EventAgentTimeout        = "agent.timeout"
	EventAgentInterrupted    = "agent.interrupted"
	EventAgentSessionEnd     = "agent.session_end"
)

// Plan-solve events (server -> client)
const (
	EventPlanStart         = "plan.start"
	EventPlanCompleted     = "plan.completed"
	EventPlanCancelled     = "plan.cancelled"
	EventPlanCoercionError = "plan.coercion_error"
	EventSolverStart       = "solver.start"
	EventSolverCompleted   = "solver.completed"
	EventSolverCancelled   = "solver.cancelled"
	EventSolverRestarted   = "solver.restarted"
	EventAggregateStart    = "aggregate.start"
	EventAggregateComplete = "aggregate.completed"
	EventPipelineCompleted = "pipeline.completed"
)

// System events (server -> client, never carry a session id)
const (
	EventSystemConnected = "system.connected"
	EventSystemHeartbeat = "system.heartbeat"
	EventSystemNotice    = "system.notice"
	EventSystemError     = "system.error"
)

// Error kinds carried in metadata.error_kind on system.error / agent.error.
const (
	ErrInvalidFrame        = "invalid_frame"
	ErrUnknownEvent        = "unknown_event"
	ErrBadSession          = "bad_session"
	ErrBusy                = "busy"
	ErrConfirmationTimeout = "confirmation_timeout"
	ErrStateExpired        = "state_expired"
	ErrSignatureMismatch   = "signature_mismatch"
	ErrChecksumMismatch    = "checksum_mismatch"
	ErrVersionUnsupported  = "version_unsupported"
	ErrPlanFailed          = "plan_failed"
	ErrAggregateFailed     = "aggregate_failed"
	ErrCoercionError       = "coercion_error"
	ErrSlowConsumer        = "slow_consumer"
	ErrInternal            = "internal_error"
)

// userEvents is the closed set of tags a client may send.
var userEvents = map[string]bool{
	EventUserCreateSession:      true,
	EventUserMessage:            true,
	EventUserResponse:           true,
	EventUserCancel:             true,
	EventUserAck:                true,
	EventUserReconnect:          true,
	EventUserReconnectWithState: true,
	EventUserRequestState:       true,
	EventUserSolveTasks:         true,
	EventUserCancelTask:         true,
	EventUserRestartTask:        true,
	EventUserCancelPlan:         true,
	EventUserReplan:             true,
}

// sessionlessUserEvents may arrive without a session_id: they either create a
// session, resume one, or address the connection itself.
var sessionlessUserEvents = map[string]bool{
	EventUserCreateSession:      true,
	EventUserReconnect:          true,
	EventUserReconnectWithState: true,
	EventUserRequestState:       true,
	EventUserAck:                true,
}

// coalescableEvents are bulk-streaming tags the outbound channel may merge
// within a coalescing window.
var coalescableEvents = map[string]bool{
	EventAgentPartialAnswer: true,
	EventAgentLLMMessage:    true,
}

// terminatingEvents end a session request. The coalescer never merges across
// one of these.
var terminatingEvents = map[string]bool{
	EventAgentFinalAnswer: true,
	EventAgentTimeout:     true,
	EventAgentInterrupted: true,
	EventAgentError:       true,
}

// Event is the wire envelope for every protocol message. Seq and EventID are
// stamped by the outbound channel on egress; inbound events never carry them.
type Event struct {
	Event        string         `json:"event"`
	Timestamp    time.Time      `json:"timestamp"`
	SessionID    string         `json:"session_id,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	StepID       string         `json:"step_id,omitempty"`
	Content      any            `json:"content,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	SignedState  *SignedState   `json:"signed_state,omitempty"`
	Seq          uint64         `json:"seq,omitempty"`
	EventID      string         `json:"event_id,omitempty"`
}

// SignedState is the client-held, HMAC-signed session snapshot envelope.
// The server never persists it; verification lives in internal/state.
type SignedState struct {
	State     json.RawMessage `json:"state"`
	Timestamp time.Time       `json:"timestamp"`
	Signature string          `json:"signature"`
	Version   string          `json:"version"`
	Checksum  string          `json:"checksum"`
}

// New creates a server-side event with the current timestamp.
func New(tag string) *Event {
	return &Event{
		Event:     tag,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]any{},
	}
}

// NewSessionEvent creates a server-side event bound to a session.
func NewSessionEvent(tag, sessionID string) *Event {
	e := New(tag)
	e.SessionID = sessionID
	return e
}

// WithContent sets the human-oriented payload.
func (e *Event) WithContent(content any) *Event {
	e.Content = content
	return e
}

// WithMeta sets one metadata key.
func (e *Event) WithMeta(key string, value any) *Event {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[key] = value
	return e
}

// WithStep sets the step id used for request/response pairing.
func (e *Event) WithStep(stepID string) *Event {
	e.StepID = stepID
	return e
}

// TagCategory returns the category of an event tag.
func TagCategory(tag string) Category {
	prefix, _, ok := strings.Cut(tag, ".")
	if !ok {
		return CategoryUnknown
	}
	switch Category(prefix) {
	case CategoryUser, CategoryAgent, CategoryPlan, CategorySolver,
		CategoryAggregate, CategoryPipeline, CategorySystem:
		return Category(prefix)
	}
	return CategoryUnknown
}

// Category returns the category of the event's tag.
func (e *Event) Category() Category {
	return TagCategory(e.Event)
}

// IsUserEvent reports whether the tag is in the closed client-sendable set.
func IsUserEvent(tag string) bool {
	return userEvents[tag]
}

// RequiresSession reports whether an inbound tag must reference an active
// session owned by the current connection.
func RequiresSession(tag string) bool {
	return userEvents[tag] && !sessionlessUserEvents[tag]
}

// IsCoalescable reports whether the outbound channel may merge consecutive
// events with this tag.
func IsCoalescable(tag string) bool {
	return coalescableEvents[tag]
}

// IsTerminating reports whether the tag ends a session request.
func IsTerminating(tag string) bool {
	return terminatingEvents[tag]
}

// Clone returns a shallow copy with its own metadata map. The outbound
// channel clones before stamping so history entries are immutable.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
