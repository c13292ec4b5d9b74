// Package gateway implements the connection manager: WebSocket accept,
// per-connection read loop and outbound writer, inbound event dispatch,
// heartbeats, and shutdown. All client egress funnels through each
// connection's outbound channel; the gateway itself never stamps events.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/pipeline"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/state"
	"github.com/agentgate/agentgate/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the deployment story settles
		return true
	},
}

// Gateway owns the connection table and routes inbound events to the session
// engine, the state manager, and the plan-solve pipeline.
type Gateway struct {
	cfg      *config.Config
	sessions *session.Manager
	states   *state.Manager
	solvers  pipeline.Factories
	bus      bus.EventBus
	log      *logger.Logger
	started  time.Time

	mu      sync.Mutex
	conns   map[string]*Connection
	runners map[string]*pipeline.Runner // session id -> active plan-solve run
	closed  bool
}

// New creates a gateway around its collaborators. The bus may be nil when no
// lifecycle observers are configured.
func New(cfg *config.Config, sessions *session.Manager, states *state.Manager,
	solvers pipeline.Factories, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		sessions: sessions,
		states:   states,
		solvers:  solvers,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "gateway")),
		started:  time.Now(),
		conns:    map[string]*Connection{},
		runners:  map[string]*pipeline.Runner{},
	}
}

// HandleWS upgrades an HTTP request and runs the connection until the socket
// closes.
func (g *Gateway) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	g.serve(c.Request.Context(), ws, c.Request.RemoteAddr)
}

// HandleHealth reports service status with live connection and session counts.
func (g *Gateway) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"service":        "agentgate",
		"connections":    g.ConnectionCount(),
		"sessions":       g.sessions.Count(),
		"uptime_seconds": int(time.Since(g.started).Seconds()),
	})
}

// serve runs one accepted connection to completion.
func (g *Gateway) serve(ctx context.Context, ws *websocket.Conn, remoteAddr string) {
	conn := newConnection(uuid.NewString(), ws, g)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		ws.Close()
		return
	}
	g.conns[conn.ID] = conn
	g.mu.Unlock()

	g.log.Info("connection opened",
		zap.String("connection_id", conn.ID),
		zap.String("remote_addr", remoteAddr))
	g.publish(bus.SubjectConnectionOpened, "connection_opened", map[string]any{
		"connection_id": conn.ID,
		"remote_addr":   remoteAddr,
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.channel.Run(connCtx)
	go conn.pingLoop(connCtx)

	// handshake: first stamped event on every connection
	conn.enqueue(connCtx, protocol.New(protocol.EventSystemConnected).
		WithContent("connected").
		WithMeta("connection_id", conn.ID))

	conn.readPump(connCtx)

	cancel()
	g.drop(conn)
}

// drop removes a closed connection, detaching its sessions into the
// reconnect grace window.
func (g *Gateway) drop(conn *Connection) {
	g.mu.Lock()
	_, ok := g.conns[conn.ID]
	delete(g.conns, conn.ID)
	g.mu.Unlock()
	if !ok {
		return
	}

	g.sessions.Detach(conn.ID)
	conn.channel.Close()
	conn.ws.Close()

	g.log.Info("connection closed", zap.String("connection_id", conn.ID))
	g.publish(bus.SubjectConnectionClosed, "connection_closed", map[string]any{
		"connection_id": conn.ID,
	})
}

// ConnectionCount returns the number of live connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// RunHeartbeat emits system.heartbeat into every connection on the configured
// interval until ctx is done.
func (g *Gateway) RunHeartbeat(ctx context.Context) {
	interval := g.cfg.Server.HeartbeatInterval()
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.heartbeat(ctx)
		}
	}
}

func (g *Gateway) heartbeat(ctx context.Context) {
	g.mu.Lock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, conn := range g.conns {
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	active := g.sessions.Count()
	uptime := int(time.Since(g.started).Seconds())
	for _, conn := range conns {
		conn.enqueue(ctx, protocol.New(protocol.EventSystemHeartbeat).
			WithMeta("active_sessions", active).
			WithMeta("uptime", uptime))
	}
}

// Shutdown closes every session and connection. Sessions emit
// agent.session_end through their still-bound channels before the sockets
// close.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	g.closed = true
	conns := make([]*Connection, 0, len(g.conns))
	for _, conn := range g.conns {
		conns = append(conns, conn)
	}
	g.conns = map[string]*Connection{}
	runners := g.runners
	g.runners = map[string]*pipeline.Runner{}
	g.mu.Unlock()

	for _, r := range runners {
		r.Cancel()
	}
	g.sessions.CloseAll(ctx)

	for _, conn := range conns {
		conn.channel.Close()
		conn.ws.Close()
	}
	g.log.Info("gateway shut down")
}

// runnerFor returns the active pipeline run for a session, if any.
func (g *Gateway) runnerFor(sessionID string) (*pipeline.Runner, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runners[sessionID]
	if ok && !r.Active() {
		delete(g.runners, sessionID)
		return nil, false
	}
	return r, ok
}

// startRunner registers and launches a pipeline run for a session. Returns
// busy when one is already in flight.
func (g *Gateway) startRunner(sess *session.Session, start func(context.Context, *pipeline.Runner)) *protocol.WireError {
	g.mu.Lock()
	if existing, ok := g.runners[sess.ID()]; ok && existing.Active() {
		g.mu.Unlock()
		return protocol.NewWireError(protocol.ErrBusy, "a plan-solve run is already in flight")
	}
	r := pipeline.NewRunner(sess, g.solvers, pipeline.Config{
		SolverConcurrency:        g.cfg.Pipeline.SolverConcurrency,
		PlanConfirmationRequired: g.cfg.Pipeline.PlanConfirmationRequired,
		PlanConfirmationTimeout:  g.cfg.Pipeline.PlanConfirmationTimeout(),
	}, g.log)
	g.runners[sess.ID()] = r
	g.mu.Unlock()

	// runs detach from the request context: they survive reconnects and end
	// only via user.cancel or shutdown
	go func() {
		start(context.Background(), r)
		g.mu.Lock()
		if g.runners[sess.ID()] == r {
			delete(g.runners, sess.ID())
		}
		g.mu.Unlock()
		g.publish(bus.SubjectPipelineCompleted, "pipeline_completed", map[string]any{
			"session_id": sess.ID(),
			"phase":      string(r.Phase()),
		})
	}()
	return nil
}

func (g *Gateway) publish(subject, eventType string, data map[string]any) {
	if g.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "gateway", data)
	if err := g.bus.Publish(context.Background(), subject, evt); err != nil {
		g.log.Warn("bus publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// emitterFor builds the session Emitter bound to a connection's outbound
// channel. Sessions and pipelines call it from their own goroutines.
func (g *Gateway) emitterFor(conn *Connection) session.Emitter {
	return func(ctx context.Context, evt *protocol.Event) error {
		return conn.enqueue(ctx, evt)
	}
}

// onEmit mirrors every stamped session event into its session-level history
// ring, so replay survives the loss of this connection.
func (g *Gateway) onEmit(conn *Connection) func(*protocol.Event) {
	return func(evt *protocol.Event) {
		if evt.SessionID == "" {
			return
		}
		if sess, ok := g.sessions.Lookup(evt.SessionID); ok {
			sess.History().Record(conn.ID, evt.Seq, evt)
		}
	}
}
