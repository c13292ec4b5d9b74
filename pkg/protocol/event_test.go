package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagCategory(t *testing.T) {
	assert.Equal(t, CategoryUser, TagCategory(EventUserMessage))
	assert.Equal(t, CategoryAgent, TagCategory(EventAgentFinalAnswer))
	assert.Equal(t, CategoryPlan, TagCategory(EventPlanCompleted))
	assert.Equal(t, CategorySolver, TagCategory(EventSolverStart))
	assert.Equal(t, CategoryAggregate, TagCategory(EventAggregateComplete))
	assert.Equal(t, CategoryPipeline, TagCategory(EventPipelineCompleted))
	assert.Equal(t, CategorySystem, TagCategory(EventSystemHeartbeat))
	assert.Equal(t, CategoryUnknown, TagCategory("bogus.tag"))
	assert.Equal(t, CategoryUnknown, TagCategory("noseparator"))
}

func TestRequiresSession(t *testing.T) {
	assert.True(t, RequiresSession(EventUserMessage))
	assert.True(t, RequiresSession(EventUserCancel))
	assert.True(t, RequiresSession(EventUserCancelTask))

	assert.False(t, RequiresSession(EventUserCreateSession))
	assert.False(t, RequiresSession(EventUserAck))
	assert.False(t, RequiresSession(EventUserReconnect))
	assert.False(t, RequiresSession(EventUserReconnectWithState))
	assert.False(t, RequiresSession(EventUserRequestState))

	// server-side tags are never user events
	assert.False(t, RequiresSession(EventAgentFinalAnswer))
}

func TestCoalescableAndTerminating(t *testing.T) {
	assert.True(t, IsCoalescable(EventAgentPartialAnswer))
	assert.True(t, IsCoalescable(EventAgentLLMMessage))
	assert.False(t, IsCoalescable(EventAgentFinalAnswer))
	assert.False(t, IsCoalescable(EventSystemNotice))

	for _, tag := range []string{
		EventAgentFinalAnswer, EventAgentTimeout,
		EventAgentInterrupted, EventAgentError,
	} {
		assert.True(t, IsTerminating(tag), tag)
	}
	assert.False(t, IsTerminating(EventAgentThinking))
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	data := []byte(`{"event":"user.message","content":"` + strings.Repeat("x", 64) + `"}`)
	_, werr := Decode(data, 32)
	require.NotNil(t, werr)
	assert.Equal(t, ErrInvalidFrame, werr.Kind)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, werr := Decode([]byte(`{"event":`), DefaultMaxFrameBytes)
	require.NotNil(t, werr)
	assert.Equal(t, ErrInvalidFrame, werr.Kind)
}

func TestDecodeRoundTrip(t *testing.T) {
	evt := NewSessionEvent(EventAgentFinalAnswer, "s-1").
		WithContent("hello").
		WithMeta("statistics", map[string]any{"schema_version": 1})
	evt.Seq = 7
	evt.EventID = "conn-7"

	data, err := Encode(evt)
	require.NoError(t, err)

	decoded, werr := Decode(data, DefaultMaxFrameBytes)
	require.Nil(t, werr)
	assert.Equal(t, EventAgentFinalAnswer, decoded.Event)
	assert.Equal(t, "s-1", decoded.SessionID)
	assert.Equal(t, "hello", decoded.Content)
	assert.Equal(t, uint64(7), decoded.Seq)
	assert.Equal(t, "conn-7", decoded.EventID)
}

func TestValidateInbound(t *testing.T) {
	tests := []struct {
		name string
		evt  *Event
		kind string
	}{
		{"missing tag", &Event{}, ErrInvalidFrame},
		{"server tag from client", &Event{Event: EventAgentFinalAnswer}, ErrUnknownEvent},
		{"unknown tag", &Event{Event: "made.up"}, ErrUnknownEvent},
		{"message without session", &Event{Event: EventUserMessage}, ErrBadSession},
		{"response without step", &Event{Event: EventUserResponse, SessionID: "s"}, ErrInvalidFrame},
		{"reconnect_with_state without state", &Event{Event: EventUserReconnectWithState}, ErrInvalidFrame},
		{"create_session ok", &Event{Event: EventUserCreateSession}, ""},
		{"ack ok", &Event{Event: EventUserAck}, ""},
		{"message ok", &Event{Event: EventUserMessage, SessionID: "s"}, ""},
		{"response ok", &Event{Event: EventUserResponse, SessionID: "s", StepID: "confirm_1_t"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			werr := ValidateInbound(tt.evt)
			if tt.kind == "" {
				assert.Nil(t, werr)
			} else {
				require.NotNil(t, werr)
				assert.Equal(t, tt.kind, werr.Kind)
			}
		})
	}
}

func TestSystemErrorCarriesNoSession(t *testing.T) {
	evt := SystemError(NewWireError(ErrUnknownEvent, "bad tag"))
	assert.Equal(t, EventSystemError, evt.Event)
	assert.Empty(t, evt.SessionID)
	assert.Equal(t, ErrUnknownEvent, evt.Metadata["error_kind"])
	assert.WithinDuration(t, time.Now().UTC(), evt.Timestamp, time.Second)
}

func TestCloneIsolatesMetadata(t *testing.T) {
	evt := New(EventSystemNotice).WithMeta("a", 1)
	cp := evt.Clone()
	cp.Metadata["a"] = 2
	assert.Equal(t, 1, evt.Metadata["a"])
}

func TestSignedStateJSONShape(t *testing.T) {
	raw := []byte(`{"event":"user.reconnect_with_state","signed_state":{"state":{"session_id":"s"},"timestamp":"2026-01-02T03:04:05Z","signature":"sig","version":"1","checksum":"sum"}}`)
	evt, werr := Decode(raw, DefaultMaxFrameBytes)
	require.Nil(t, werr)
	require.NotNil(t, evt.SignedState)
	assert.Equal(t, "sig", evt.SignedState.Signature)
	assert.Equal(t, "1", evt.SignedState.Version)

	var state map[string]any
	require.NoError(t, json.Unmarshal(evt.SignedState.State, &state))
	assert.Equal(t, "s", state["session_id"])
}
