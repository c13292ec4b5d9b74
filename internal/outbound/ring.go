package outbound

import (
	"sync"

	"github.com/agentgate/agentgate/pkg/protocol"
)

// Ring is a bounded history of stamped events kept per connection for ack
// trimming. Entries are contiguous in seq: the writer appends in stamping
// order and acks release the prefix.
type Ring struct {
	mu      sync.Mutex
	entries []*protocol.Event
	size    int
}

// NewRing creates a history ring with the given capacity.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{size: size}
}

// Append records a stamped event, evicting the oldest entry when full.
func (r *Ring) Append(evt *protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, evt)
	if len(r.entries) > r.size {
		r.entries = r.entries[len(r.entries)-r.size:]
	}
}

// Trim releases entries with seq at or below lastSeq.
func (r *Ring) Trim(lastSeq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := 0
	for i < len(r.entries) && r.entries[i].Seq <= lastSeq {
		i++
	}
	r.entries = r.entries[i:]
}

// Since returns the contiguous suffix of entries with seq above lastSeq.
func (r *Ring) Since(lastSeq uint64) []*protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := 0
	for i < len(r.entries) && r.entries[i].Seq <= lastSeq {
		i++
	}
	out := make([]*protocol.Event, len(r.entries)-i)
	copy(out, r.entries[i:])
	return out
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
