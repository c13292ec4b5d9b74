// Package outbound implements the per-connection outbound channel: a single
// writer that serialises all egress for one WebSocket connection, enforces
// backpressure, coalesces bulk-streaming events, stamps gap-free sequence
// numbers, and retains a replay history trimmed by client acks.
package outbound

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// ErrClosed is returned by Enqueue after the channel has been closed.
var ErrClosed = errors.New("outbound channel closed")

// ErrQueueFull is returned when a non-droppable event cannot be enqueued
// before the caller's context expires. The caller must treat the connection
// as a slow consumer and close it.
var ErrQueueFull = errors.New("outbound queue full")

// WriteFunc writes one encoded frame to the socket. Called only from the
// writer goroutine.
type WriteFunc func(data []byte) error

// Options configures one outbound channel.
type Options struct {
	QueueCapacity  int
	CoalesceWindow time.Duration
	HistorySize    int
}

type item struct {
	evt        *protocol.Event
	noCoalesce bool
}

// Channel owns all egress for one connection. Producers enqueue; exactly one
// writer goroutine (Run) dequeues, coalesces, stamps and writes.
type Channel struct {
	connectionID string
	opts         Options
	write        WriteFunc
	log          *logger.Logger

	queue   chan item
	stopped chan struct{}
	done    chan struct{}
	started atomic.Bool

	// writer-owned, no locking needed
	seq     uint64
	history *Ring

	mu           sync.Mutex
	lastAck      uint64
	staleAcks    map[string]uint64 // connection id -> acked seq, kept for reconnect replay
	spill        map[string]*protocol.Event
	spillOrder   []string
	onEmit       func(*protocol.Event)
	onWriteError func(error)
	closeOnce    sync.Once

	// wakes the writer when something lands in spill while the queue is idle
	spillKick chan struct{}
}

// New creates an outbound channel for a connection. Run must be started for
// events to flow.
func New(connectionID string, opts Options, write WriteFunc, log *logger.Logger) *Channel {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1000
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1000
	}
	return &Channel{
		connectionID: connectionID,
		opts:         opts,
		write:        write,
		log:          log.WithFields(zap.String("component", "outbound"), zap.String("connection_id", connectionID)),
		queue:        make(chan item, opts.QueueCapacity),
		stopped:      make(chan struct{}),
		done:         make(chan struct{}),
		history:      NewRing(opts.HistorySize),
		staleAcks:    make(map[string]uint64),
		spill:        make(map[string]*protocol.Event),
		spillKick:    make(chan struct{}, 1),
	}
}

// ConnectionID returns the owning connection's id.
func (c *Channel) ConnectionID() string {
	return c.connectionID
}

// SetOnEmit registers a hook invoked with every stamped event, after seq
// assignment and history append. The session engine uses it to mirror events
// into the session-level history ring.
func (c *Channel) SetOnEmit(fn func(*protocol.Event)) {
	c.mu.Lock()
	c.onEmit = fn
	c.mu.Unlock()
}

// SetOnWriteError registers a hook invoked from the writer when a socket
// write fails. Write errors are connection-fatal.
func (c *Channel) SetOnWriteError(fn func(error)) {
	c.mu.Lock()
	c.onWriteError = fn
	c.mu.Unlock()
}

// Enqueue appends an event to the queue. Events with a coalescable tag never
// block: on overflow they merge into a per-tag spill slot that the writer
// folds back into the stream, so content survives backpressure. All other
// tags block until capacity frees or ctx expires; expiry returns ErrQueueFull
// and the caller must close the connection.
func (c *Channel) Enqueue(ctx context.Context, evt *protocol.Event) error {
	return c.enqueue(ctx, item{evt: evt})
}

// EnqueueReplay appends a replayed event, bypassing coalescing so the replay
// is verbatim.
func (c *Channel) EnqueueReplay(ctx context.Context, evt *protocol.Event) error {
	return c.enqueue(ctx, item{evt: evt, noCoalesce: true})
}

func (c *Channel) enqueue(ctx context.Context, it item) error {
	select {
	case <-c.stopped:
		return ErrClosed
	default:
	}

	if !it.noCoalesce && protocol.IsCoalescable(it.evt.Event) {
		// once a tag has spilled, later events of that tag keep merging into
		// the spill so the queue never reorders them ahead of it
		c.mu.Lock()
		if cur, ok := c.spill[it.evt.Event]; ok {
			c.spill[it.evt.Event] = mergeEvents(cur, it.evt)
			c.mu.Unlock()
			c.kickWriter()
			return nil
		}
		c.mu.Unlock()

		select {
		case c.queue <- it:
		case <-c.stopped:
			return ErrClosed
		default:
			c.log.Debug("coalescable event spilled on overflow", zap.String("event", it.evt.Event))
			c.addSpill(it.evt)
		}
		return nil
	}

	select {
	case c.queue <- it:
		return nil
	case <-c.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ErrQueueFull
	}
}

// Ack processes a client acknowledgement. When the acked event id belongs to
// this connection, history entries at or below the acked seq are released.
// Acks naming an older connection are remembered for reconnect replay but do
// not trim this channel's history.
func (c *Channel) Ack(lastEventID string, lastSeq uint64) {
	connID := c.connectionID
	seq := lastSeq
	if lastEventID != "" {
		parsedConn, parsedSeq, ok := ParseEventID(lastEventID)
		if !ok {
			c.log.Warn("ignoring malformed ack", zap.String("last_event_id", lastEventID))
			return
		}
		connID, seq = parsedConn, parsedSeq
	}

	if connID != c.connectionID {
		c.mu.Lock()
		if seq > c.staleAcks[connID] {
			c.staleAcks[connID] = seq
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if seq > c.lastAck {
		c.lastAck = seq
	}
	c.mu.Unlock()
	c.history.Trim(seq)
}

// LastAck returns the highest acknowledged seq for this connection.
func (c *Channel) LastAck() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck
}

// History returns the connection-level history ring.
func (c *Channel) History() *Ring {
	return c.history
}

// Run is the writer loop. It owns the seq counter and the socket; all egress
// funnels through it. Returns when the channel is closed or ctx is done.
func (c *Channel) Run(ctx context.Context) {
	c.started.Store(true)
	defer close(c.done)

	var pending *item
	for {
		var it item
		if pending != nil {
			it, pending = *pending, nil
		} else {
			// everything queued predates the spill, so spilled content flushes
			// only once the queue is idle
			if len(c.queue) == 0 {
				for _, evt := range c.takeSpills() {
					if !c.emit(evt) {
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-c.stopped:
				c.drain()
				return
			case <-c.spillKick:
				continue
			case it = <-c.queue:
			}
		}

		if it.noCoalesce || !protocol.IsCoalescable(it.evt.Event) {
			if !it.noCoalesce {
				// spilled content was produced before this event was accepted
				for _, evt := range c.takeSpills() {
					if !c.emit(evt) {
						return
					}
				}
			}
			if !c.emit(it.evt) {
				return
			}
			continue
		}

		if c.opts.CoalesceWindow <= 0 {
			if !c.emit(c.foldSpill(it.evt)) {
				return
			}
			continue
		}

		// coalescing window: merge consecutive same-tag events into one seq.
		// Spill for the batch's tag folds in when the batch closes, after all
		// queued same-tag events (which predate it) have merged.
		batch := it.evt
		timer := time.NewTimer(c.opts.CoalesceWindow)
		for batch != nil {
			select {
			case <-ctx.Done():
				timer.Stop()
				c.emit(c.foldSpill(batch))
				return
			case <-c.stopped:
				timer.Stop()
				c.emit(c.foldSpill(batch))
				c.drain()
				return
			case next := <-c.queue:
				if !next.noCoalesce && next.evt.Event == batch.Event {
					batch = mergeEvents(batch, next.evt)
				} else {
					if !c.emit(c.foldSpill(batch)) {
						timer.Stop()
						return
					}
					batch = nil
					pending = &next
				}
			case <-timer.C:
				if !c.emit(c.foldSpill(batch)) {
					return
				}
				batch = nil
			}
		}
		timer.Stop()
	}
}

// drain flushes whatever is already queued after Close, best effort.
func (c *Channel) drain() {
	for {
		select {
		case it := <-c.queue:
			if !c.emit(it.evt) {
				return
			}
		default:
			for _, evt := range c.takeSpills() {
				if !c.emit(evt) {
					return
				}
			}
			return
		}
	}
}

// addSpill merges an overflowing coalescable event into its tag's spill slot.
func (c *Channel) addSpill(evt *protocol.Event) {
	c.mu.Lock()
	if cur, ok := c.spill[evt.Event]; ok {
		c.spill[evt.Event] = mergeEvents(cur, evt)
	} else {
		c.spill[evt.Event] = evt
		c.spillOrder = append(c.spillOrder, evt.Event)
	}
	c.mu.Unlock()
	c.kickWriter()
}

func (c *Channel) kickWriter() {
	select {
	case c.spillKick <- struct{}{}:
	default:
	}
}

// takeSpill removes and returns the spill for one tag, if any.
func (c *Channel) takeSpill(tag string) *protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	evt, ok := c.spill[tag]
	if !ok {
		return nil
	}
	delete(c.spill, tag)
	for i, t := range c.spillOrder {
		if t == tag {
			c.spillOrder = append(c.spillOrder[:i], c.spillOrder[i+1:]...)
			break
		}
	}
	return evt
}

// takeSpills removes and returns every spilled event in spill order.
func (c *Channel) takeSpills() []*protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.spillOrder) == 0 {
		return nil
	}
	out := make([]*protocol.Event, 0, len(c.spillOrder))
	for _, tag := range c.spillOrder {
		out = append(out, c.spill[tag])
	}
	c.spill = make(map[string]*protocol.Event)
	c.spillOrder = nil
	return out
}

// foldSpill merges the spill for the batch's tag into the batch.
func (c *Channel) foldSpill(batch *protocol.Event) *protocol.Event {
	if sp := c.takeSpill(batch.Event); sp != nil {
		return mergeEvents(batch, sp)
	}
	return batch
}

// emit stamps and writes one event. Returns false on write failure, which is
// connection-fatal.
func (c *Channel) emit(evt *protocol.Event) bool {
	c.seq++
	stamped := evt.Clone()
	stamped.Seq = c.seq
	stamped.EventID = c.connectionID + "-" + strconv.FormatUint(c.seq, 10)
	if stamped.Category() != protocol.CategorySystem {
		stamped.ConnectionID = c.connectionID
	}

	c.history.Append(stamped)

	c.mu.Lock()
	onEmit := c.onEmit
	onWriteError := c.onWriteError
	c.mu.Unlock()
	if onEmit != nil {
		onEmit(stamped)
	}

	data, err := protocol.Encode(stamped)
	if err != nil {
		c.log.Error("failed to encode event", zap.String("event", stamped.Event), zap.Error(err))
		return true
	}
	if err := c.write(data); err != nil {
		c.log.Warn("socket write failed", zap.Error(err))
		if onWriteError != nil {
			onWriteError(err)
		}
		return false
	}
	return true
}

// mergeEvents folds next into batch: content strings concatenate, metadata is
// shallow-merged keeping the newest values, the first step_id wins.
func mergeEvents(batch, next *protocol.Event) *protocol.Event {
	merged := batch.Clone()
	bs, bok := batch.Content.(string)
	ns, nok := next.Content.(string)
	switch {
	case bok && nok:
		merged.Content = bs + ns
	case nok:
		merged.Content = ns
	}
	for k, v := range next.Metadata {
		if merged.Metadata == nil {
			merged.Metadata = map[string]any{}
		}
		merged.Metadata[k] = v
	}
	if merged.StepID == "" {
		merged.StepID = next.StepID
	}
	return merged
}

// Close stops accepting events, flushes queued writes best effort, and stops
// the writer. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.stopped)
	})
	if c.started.Load() {
		<-c.done
	}
}

// ParseEventID splits an event id of the form "{connection_id}-{seq}".
// Connection ids contain dashes, so the seq is taken after the last one.
func ParseEventID(eventID string) (connectionID string, seq uint64, ok bool) {
	i := strings.LastIndexByte(eventID, '-')
	if i <= 0 || i == len(eventID)-1 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(eventID[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return eventID[:i], n, true
}
