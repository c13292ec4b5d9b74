package session

import (
	"sync"

	"github.com/agentgate/agentgate/pkg/protocol"
)

// Recovery classifies a replay result for the system.notice clients receive.
type Recovery string

const (
	RecoveryFull      Recovery = "full"
	RecoveryPartial   Recovery = "partial"
	RecoveryNoHistory Recovery = "no_history"
)

// historyEntry records one emitted event together with the connection and
// sequence it was originally stamped with. Replay matches client checkpoints
// against these pairs, so history survives the connection that produced it.
type historyEntry struct {
	connectionID string
	seq          uint64
	event        *protocol.Event
}

// History is the session-level replay ring. Unlike the per-connection
// outbound ring it is never trimmed by acks, only by capacity, and it spans
// every connection the session was bound to.
type History struct {
	mu      sync.Mutex
	entries []historyEntry
	size    int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 1000
	}
	return &History{size: size}
}

// Record appends an event as stamped on the wire.
func (h *History) Record(connectionID string, seq uint64, evt *protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, historyEntry{connectionID, seq, evt.Clone()})
	if len(h.entries) > h.size {
		h.entries = h.entries[len(h.entries)-h.size:]
	}
}

// RecordDetached appends an event produced while no connection is bound,
// continuing the sequence of the last recorded entry so replay stays ordered.
// fallbackConnID attributes the entry when the ring is empty.
func (h *History) RecordDetached(fallbackConnID string, evt *protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	connID, seq := fallbackConnID, uint64(1)
	if len(h.entries) > 0 {
		last := h.entries[len(h.entries)-1]
		connID, seq = last.connectionID, last.seq+1
	}
	h.entries = append(h.entries, historyEntry{connID, seq, evt.Clone()})
	if len(h.entries) > h.size {
		h.entries = h.entries[len(h.entries)-h.size:]
	}
}

// ReplayFrom returns the suffix of events after the checkpoint
// {connectionID, lastSeq}, capped at limit. The returned events are clones
// without seq or event_id; the new connection's channel stamps them afresh.
func (h *History) ReplayFrom(connectionID string, lastSeq uint64, limit int) ([]*protocol.Event, Recovery) {
	h.mu.Lock()
	defer h.mu.Unlock()

	known := false
	start := -1
	for i, entry := range h.entries {
		if entry.connectionID != connectionID {
			continue
		}
		known = true
		if entry.seq <= lastSeq {
			start = i
		}
	}
	if !known {
		return nil, RecoveryNoHistory
	}

	recovery := RecoveryFull
	var from int
	if start >= 0 {
		from = start + 1
	} else {
		// checkpoint entry evicted from the ring: replay what remains
		from = h.firstAfterLocked(connectionID, lastSeq)
		recovery = RecoveryPartial
	}

	suffix := h.entries[from:]
	if limit > 0 && len(suffix) > limit {
		suffix = suffix[:limit]
		recovery = RecoveryPartial
	}
	return cloneEvents(suffix), recovery
}

// Tail returns up to limit of the most recent events, for full reconnect
// replay without a checkpoint.
func (h *History) Tail(limit int) ([]*protocol.Event, Recovery) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return nil, RecoveryNoHistory
	}
	recovery := RecoveryFull
	entries := h.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
		recovery = RecoveryPartial
	}
	return cloneEvents(entries), recovery
}

// LastConnectionID returns the connection that produced the most recent
// entry. A bare last_seq checkpoint is resolved against it.
func (h *History) LastConnectionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return ""
	}
	return h.entries[len(h.entries)-1].connectionID
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *History) firstAfterLocked(connectionID string, lastSeq uint64) int {
	for i, entry := range h.entries {
		if entry.connectionID == connectionID && entry.seq > lastSeq {
			return i
		}
	}
	return len(h.entries)
}

func cloneEvents(entries []historyEntry) []*protocol.Event {
	out := make([]*protocol.Event, len(entries))
	for i, entry := range entries {
		evt := entry.event.Clone()
		evt.Seq = 0
		evt.EventID = ""
		evt.ConnectionID = ""
		out[i] = evt
	}
	return out
}
