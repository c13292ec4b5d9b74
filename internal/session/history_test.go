package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/protocol"
)

func fill(h *History, connID string, from, to uint64) {
	for seq := from; seq <= to; seq++ {
		evt := protocol.NewSessionEvent(protocol.EventAgentPartialAnswer, "s").
			WithContent(fmt.Sprintf("%s-%d", connID, seq))
		h.Record(connID, seq, evt)
	}
}

func TestReplayFromCheckpoint(t *testing.T) {
	h := NewHistory(100)
	fill(h, "conn-a", 1, 10)

	events, recovery := h.ReplayFrom("conn-a", 7, 0)
	assert.Equal(t, RecoveryFull, recovery)
	require.Len(t, events, 3)
	assert.Equal(t, "conn-a-8", events[0].Content)
	assert.Equal(t, "conn-a-10", events[2].Content)

	// replayed events carry no stamps; the new connection re-stamps them
	assert.Zero(t, events[0].Seq)
	assert.Empty(t, events[0].EventID)
	assert.Empty(t, events[0].ConnectionID)
}

func TestReplaySpansConnections(t *testing.T) {
	h := NewHistory(100)
	fill(h, "conn-a", 1, 5)
	fill(h, "conn-b", 1, 3)

	// checkpoint on conn-a includes everything emitted later on conn-b
	events, recovery := h.ReplayFrom("conn-a", 4, 0)
	assert.Equal(t, RecoveryFull, recovery)
	require.Len(t, events, 4)
	assert.Equal(t, "conn-a-5", events[0].Content)
	assert.Equal(t, "conn-b-3", events[3].Content)
}

func TestReplayUnknownConnection(t *testing.T) {
	h := NewHistory(100)
	fill(h, "conn-a", 1, 5)

	events, recovery := h.ReplayFrom("conn-z", 3, 0)
	assert.Equal(t, RecoveryNoHistory, recovery)
	assert.Empty(t, events)
}

func TestReplayCapYieldsPartial(t *testing.T) {
	h := NewHistory(1000)
	fill(h, "conn-a", 1, 50)

	events, recovery := h.ReplayFrom("conn-a", 10, 5)
	assert.Equal(t, RecoveryPartial, recovery)
	require.Len(t, events, 5)
	assert.Equal(t, "conn-a-11", events[0].Content)
}

func TestReplayEvictedCheckpointYieldsPartial(t *testing.T) {
	h := NewHistory(10)
	fill(h, "conn-a", 1, 30) // ring keeps 21..30

	events, recovery := h.ReplayFrom("conn-a", 5, 0)
	assert.Equal(t, RecoveryPartial, recovery)
	require.Len(t, events, 10)
	assert.Equal(t, "conn-a-21", events[0].Content)
}

func TestReplayIdempotence(t *testing.T) {
	h := NewHistory(100)
	fill(h, "conn-a", 1, 10)

	first, _ := h.ReplayFrom("conn-a", 4, 0)
	second, _ := h.ReplayFrom("conn-a", 4, 0)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Content, second[i].Content)
		assert.Equal(t, first[i].Event, second[i].Event)
	}
}

func TestTail(t *testing.T) {
	h := NewHistory(100)

	events, recovery := h.Tail(10)
	assert.Equal(t, RecoveryNoHistory, recovery)
	assert.Empty(t, events)

	fill(h, "conn-a", 1, 20)
	events, recovery = h.Tail(5)
	assert.Equal(t, RecoveryPartial, recovery)
	require.Len(t, events, 5)
	assert.Equal(t, "conn-a-16", events[0].Content)

	events, recovery = h.Tail(100)
	assert.Equal(t, RecoveryFull, recovery)
	assert.Len(t, events, 20)
}

func TestRecordDetachedContinuesSequence(t *testing.T) {
	h := NewHistory(100)
	fill(h, "conn-a", 1, 3)

	h.RecordDetached("conn-a", protocol.NewSessionEvent(protocol.EventAgentSessionEnd, "s"))

	events, recovery := h.ReplayFrom("conn-a", 3, 0)
	assert.Equal(t, RecoveryFull, recovery)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventAgentSessionEnd, events[0].Event)
}
