package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/state"
	"github.com/agentgate/agentgate/pkg/agent"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// ManagerConfig holds the session-table knobs.
type ManagerConfig struct {
	ReconnectGrace time.Duration
	Session        Config
}

// Manager owns the session table: creation, ownership checks, reconnect
// grace, restore, and shutdown.
type Manager struct {
	factory agent.Factory
	cfg     ManagerConfig
	log     *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	// histories of closed sessions, retained so a state restore in the same
	// process can still serve replay checkpoints
	retired map[string]*History
	graces  map[string]*time.Timer
}

// NewManager creates a session manager around an agent factory.
func NewManager(factory agent.Factory, cfg ManagerConfig, log *logger.Logger) *Manager {
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = 120 * time.Second
	}
	return &Manager{
		factory:  factory,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "sessions")),
		sessions: map[string]*Session{},
		retired:  map[string]*History{},
		graces:   map[string]*time.Timer{},
	}
}

// Create mints a session bound to a connection and emits
// agent.session_created through it.
func (m *Manager) Create(ctx context.Context, connectionID, mode string, emit Emitter) (*Session, *protocol.WireError) {
	ag, err := m.factory()
	if err != nil {
		return nil, protocol.NewWireError(protocol.ErrInternal, "agent factory failed: %v", err)
	}

	sess := New(uuid.NewString(), mode, ag, m.cfg.Session, m.log)
	sess.Bind(connectionID, emit)

	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()

	m.log.Info("session created",
		zap.String("session_id", sess.ID()),
		zap.String("connection_id", connectionID),
		zap.String("agent", ag.Name()),
		zap.String("mode", sess.Mode()))

	sess.send(ctx, protocol.NewSessionEvent(protocol.EventAgentSessionCreated, sess.ID()).
		WithContent("session created").
		WithMeta("agent_name", ag.Name()).
		WithMeta("agent_description", ag.Description()).
		WithMeta("mode", sess.Mode()))
	return sess, nil
}

// Restore mints a session repopulated from a verified snapshot. The old
// session id is retired; its history is adopted so replay checkpoints from
// the previous connection still resolve.
func (m *Manager) Restore(ctx context.Context, connectionID string, snap *state.Snapshot, emit Emitter) (*Session, *protocol.WireError) {
	ag, err := m.factory()
	if err != nil {
		return nil, protocol.NewWireError(protocol.ErrInternal, "agent factory failed: %v", err)
	}

	sess := New(uuid.NewString(), ModeChat, ag, m.cfg.Session, m.log)
	if err := sess.Restore(snap); err != nil {
		return nil, protocol.NewWireError(protocol.ErrInternal, "restore failed: %v", err)
	}
	sess.Bind(connectionID, emit)

	m.mu.Lock()
	if prior, ok := m.sessions[snap.SessionID]; ok {
		// previous incarnation still alive under grace: take its history
		sess.AdoptHistory(prior.History())
		delete(m.sessions, snap.SessionID)
		m.cancelGraceLocked(snap.SessionID)
		m.retired[snap.SessionID] = prior.History()
		go prior.Close(context.Background())
	} else if h, ok := m.retired[snap.SessionID]; ok {
		// the entry stays retired: the same snapshot may be presented again
		// and must resolve the same replay checkpoints
		sess.AdoptHistory(h)
	}
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()

	m.log.Info("session restored",
		zap.String("session_id", sess.ID()),
		zap.String("previous_session_id", snap.SessionID),
		zap.String("connection_id", connectionID))

	sess.send(ctx, protocol.NewSessionEvent(protocol.EventAgentStateRestored, sess.ID()).
		WithContent("session restored from signed state").
		WithMeta("previous_session_id", snap.SessionID).
		WithMeta("current_step", snap.CurrentStep).
		WithMeta("message_count", len(snap.MemorySnapshot)))
	return sess, nil
}

// Get returns a session if it exists and is owned by the connection.
func (m *Manager) Get(sessionID, connectionID string) (*Session, *protocol.WireError) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, protocol.NewWireError(protocol.ErrBadSession, "session %q not found", sessionID)
	}
	if sess.ConnectionID() != connectionID {
		return nil, protocol.NewWireError(protocol.ErrBadSession,
			"session %q is not owned by this connection", sessionID)
	}
	return sess, nil
}

// Lookup returns a session by id without an ownership check. The gateway's
// emit hook uses it to route stamped events into session history.
func (m *Manager) Lookup(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// ByConnection returns the sessions currently bound to a connection.
func (m *Manager) ByConnection(connectionID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, sess := range m.sessions {
		if sess.ConnectionID() == connectionID {
			out = append(out, sess)
		}
	}
	return out
}

// Detach is called when a connection closes. Its sessions stay alive for the
// reconnect grace window, then close with agent.session_end recorded in the
// session history.
func (m *Manager) Detach(connectionID string) {
	for _, sess := range m.ByConnection(connectionID) {
		sess.Detach()
		id := sess.ID()
		m.mu.Lock()
		m.cancelGraceLocked(id)
		m.graces[id] = time.AfterFunc(m.cfg.ReconnectGrace, func() {
			m.expire(id)
		})
		m.mu.Unlock()
		m.log.Info("session detached, grace started",
			zap.String("session_id", id),
			zap.Duration("grace", m.cfg.ReconnectGrace))
	}
}

// Reattach rebinds a detached session to a new connection and returns it.
// Used by user.reconnect when the session is still alive in this process.
// A session whose owning connection is still open cannot be claimed by
// another connection; knowing a session id is not a rebinding credential.
func (m *Manager) Reattach(sessionID, connectionID string, emit Emitter) (*Session, *protocol.WireError) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, protocol.NewWireError(protocol.ErrBadSession, "session %q not found", sessionID)
	}
	if !sess.Detached() && sess.ConnectionID() != connectionID {
		return nil, protocol.NewWireError(protocol.ErrBadSession,
			"session %q is bound to a live connection", sessionID)
	}
	m.mu.Lock()
	m.cancelGraceLocked(sessionID)
	m.mu.Unlock()
	sess.Bind(connectionID, emit)
	m.log.Info("session reattached",
		zap.String("session_id", sessionID),
		zap.String("connection_id", connectionID))
	return sess, nil
}

// Close ends one session and retires its history.
func (m *Manager) Close(ctx context.Context, sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		m.cancelGraceLocked(sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.Close(ctx)
	m.mu.Lock()
	m.retired[sessionID] = sess.History()
	m.mu.Unlock()
}

// CloseAll ends every session, used on server shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(ctx, id)
	}
}

// Count returns the number of live sessions, for heartbeats.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) expire(sessionID string) {
	m.log.Info("reconnect grace expired", zap.String("session_id", sessionID))
	m.Close(context.Background(), sessionID)
}

func (m *Manager) cancelGraceLocked(sessionID string) {
	if t, ok := m.graces[sessionID]; ok {
		t.Stop()
		delete(m.graces, sessionID)
	}
}
