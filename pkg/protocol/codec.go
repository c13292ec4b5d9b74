package protocol

import (
	"encoding/json"
	"fmt"
)

// DefaultMaxFrameBytes is the inbound frame size limit (1 MiB).
const DefaultMaxFrameBytes = 1 << 20

// WireError is a protocol-level failure with a stable error kind. It is
// surfaced to clients as system.error or agent.error with
// metadata.error_kind set to Kind.
type WireError struct {
	Kind    string
	Message string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewWireError creates a WireError with a formatted message.
func NewWireError(kind, format string, args ...any) *WireError {
	return &WireError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Decode parses one inbound text frame. Frames above maxBytes or with invalid
// JSON fail with kind invalid_frame.
func Decode(data []byte, maxBytes int) (*Event, *WireError) {
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, NewWireError(ErrInvalidFrame,
			"frame size %d exceeds limit %d", len(data), maxBytes)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, NewWireError(ErrInvalidFrame, "malformed JSON: %v", err)
	}
	return &evt, nil
}

// Encode serialises an outbound event to a JSON text frame.
func Encode(evt *Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.Event, err)
	}
	return data, nil
}

// ValidateInbound applies the structural rules every inbound event must pass
// before dispatch. Session ownership is checked later by the session engine;
// this covers tag membership and required fields.
func ValidateInbound(evt *Event) *WireError {
	if evt.Event == "" {
		return NewWireError(ErrInvalidFrame, "missing event tag")
	}
	if !IsUserEvent(evt.Event) {
		return NewWireError(ErrUnknownEvent, "event %q is not a client event", evt.Event)
	}
	if RequiresSession(evt.Event) && evt.SessionID == "" {
		return NewWireError(ErrBadSession, "event %q requires session_id", evt.Event)
	}
	if evt.Event == EventUserResponse && evt.StepID == "" {
		return NewWireError(ErrInvalidFrame, "user.response requires step_id")
	}
	if evt.Event == EventUserReconnectWithState && evt.SignedState == nil {
		return NewWireError(ErrInvalidFrame, "user.reconnect_with_state requires signed_state")
	}
	return nil
}

// SystemError builds the system.error event for a wire error. System events
// never carry a session id.
func SystemError(werr *WireError) *Event {
	return New(EventSystemError).
		WithContent(werr.Message).
		WithMeta("error_kind", werr.Kind)
}

// AgentError builds the agent.error event for a session-level failure.
func AgentError(sessionID string, werr *WireError) *Event {
	return NewSessionEvent(EventAgentError, sessionID).
		WithContent(werr.Message).
		WithMeta("error_kind", werr.Kind)
}
