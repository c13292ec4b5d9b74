package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/pipeline"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/state"
	"github.com/agentgate/agentgate/pkg/agent"
	"github.com/agentgate/agentgate/pkg/agent/agenttest"
	"github.com/agentgate/agentgate/pkg/protocol"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:                 "127.0.0.1",
			Port:                 0,
			HeartbeatIntervalS:   60,
			MaxInboundFrameBytes: 1 << 20,
		},
		Outbound: config.OutboundConfig{
			QueueCapacity: 64,
			// no coalescing in tests: every emission is its own frame
			CoalesceWindowMs: 0,
		},
		Session: config.SessionConfig{
			HistoryRingSize:      200,
			ReplayCap:            200,
			ConfirmationTimeoutS: 5,
			ReconnectGraceS:      60,
		},
		State: config.StateConfig{
			SecretKey:           "test-secret",
			MaxSnapshotMessages: 100,
			MaxStateBytes:       100 << 10,
			MaxSnapshotAgeDays:  7,
		},
		Pipeline: config.PipelineConfig{
			SolverConcurrency:        4,
			PlanConfirmationTimeoutS: 300,
		},
	}
}

type testServer struct {
	gw  *Gateway
	srv *httptest.Server
}

func newTestServer(t *testing.T, factory agent.Factory, solvers pipeline.Factories, mutate func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	log := logger.Default()

	sessions := session.NewManager(factory, session.ManagerConfig{
		ReconnectGrace: cfg.Session.ReconnectGrace(),
		Session: session.Config{
			ConfirmationTimeout: cfg.Session.ConfirmationTimeout(),
			SendLLMMessage:      cfg.Session.SendLLMMessage,
			HistorySize:         cfg.Session.HistoryRingSize,
		},
	}, log)
	states := state.NewManager(cfg.State.SecretKey, false, state.Options{
		MaxAge:      cfg.State.MaxSnapshotAge(),
		MaxMessages: cfg.State.MaxSnapshotMessages,
		MaxBytes:    cfg.State.MaxStateBytes,
	}, log)

	gw := New(cfg, sessions, states, solvers, bus.NewMemoryEventBus(log), log)

	router := gin.New()
	router.GET("/ws", gw.HandleWS)
	router.GET("/health", gw.HandleHealth)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		gw.Shutdown(context.Background())
		srv.Close()
	})
	return &testServer{gw: gw, srv: srv}
}

// client is a minimal WebSocket test client over the real wire.
type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (ts *testServer) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(payload map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(payload))
}

func (c *client) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (c *client) read() *protocol.Event {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err, "expected another event")
	var evt protocol.Event
	require.NoError(c.t, json.Unmarshal(data, &evt))
	return &evt
}

// readUntil reads events until tag appears, returning everything read
// including the matching event.
func (c *client) readUntil(tag string) []*protocol.Event {
	c.t.Helper()
	var out []*protocol.Event
	for i := 0; i < 64; i++ {
		evt := c.read()
		out = append(out, evt)
		if evt.Event == tag {
			return out
		}
	}
	c.t.Fatalf("event %q never arrived", tag)
	return nil
}

// handshake reads system.connected and returns the connection id.
func (c *client) handshake() string {
	c.t.Helper()
	evt := c.read()
	require.Equal(c.t, protocol.EventSystemConnected, evt.Event)
	require.Equal(c.t, uint64(1), evt.Seq)
	connID, _ := evt.Metadata["connection_id"].(string)
	require.NotEmpty(c.t, connID)
	return connID
}

// createSession performs the create round-trip and returns the session id.
func (c *client) createSession(mode string) string {
	c.t.Helper()
	payload := map[string]any{"event": protocol.EventUserCreateSession}
	if mode != "" {
		payload["metadata"] = map[string]any{"mode": mode}
	}
	c.send(payload)
	evt := c.read()
	require.Equal(c.t, protocol.EventAgentSessionCreated, evt.Event)
	require.NotEmpty(c.t, evt.SessionID)
	return evt.SessionID
}

func TestConnectHandshake(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c := ts.dial(t)

	evt := c.read()
	require.Equal(t, protocol.EventSystemConnected, evt.Event)
	assert.Equal(t, uint64(1), evt.Seq)
	connID, _ := evt.Metadata["connection_id"].(string)
	require.NotEmpty(t, connID)
	assert.Equal(t, connID+"-1", evt.EventID)
	assert.Empty(t, evt.SessionID)
}

func TestSessionHappyPath(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c := ts.dial(t)
	c.handshake()

	sessionID := c.createSession("")

	c.send(map[string]any{
		"event":      protocol.EventUserMessage,
		"session_id": sessionID,
		"content":    "hi",
	})

	events := c.readUntil(protocol.EventAgentFinalAnswer)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventAgentThinking, events[0].Event)
	assert.Equal(t, "hello", events[1].Content)

	var lastSeq uint64 = 2 // system.connected=1, session_created=2
	for _, evt := range events {
		assert.Equal(t, sessionID, evt.SessionID)
		assert.Greater(t, evt.Seq, lastSeq)
		lastSeq = evt.Seq
	}
}

func TestMalformedFrameAnswersSystemError(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c := ts.dial(t)
	c.handshake()

	c.sendRaw("{this is not json")
	evt := c.read()
	assert.Equal(t, protocol.EventSystemError, evt.Event)
	assert.Equal(t, protocol.ErrInvalidFrame, evt.Metadata["error_kind"])
	assert.Empty(t, evt.SessionID)

	// the connection survives protocol errors
	c.createSession("")
}

func TestUnknownEventTagRejected(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c := ts.dial(t)
	c.handshake()

	c.send(map[string]any{"event": "agent.thinking"})
	evt := c.read()
	assert.Equal(t, protocol.EventSystemError, evt.Event)
	assert.Equal(t, protocol.ErrUnknownEvent, evt.Metadata["error_kind"])
}

func TestMessageToUnknownSessionRejected(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c := ts.dial(t)
	c.handshake()

	c.send(map[string]any{
		"event":      protocol.EventUserMessage,
		"session_id": "nope",
		"content":    "hi",
	})
	evt := c.read()
	assert.Equal(t, protocol.EventSystemError, evt.Event)
	assert.Equal(t, protocol.ErrBadSession, evt.Metadata["error_kind"])
}

func TestSessionNotSharedAcrossConnections(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c1 := ts.dial(t)
	c1.handshake()
	sessionID := c1.createSession("")

	c2 := ts.dial(t)
	c2.handshake()
	c2.send(map[string]any{
		"event":      protocol.EventUserMessage,
		"session_id": sessionID,
		"content":    "hi",
	})
	evt := c2.read()
	assert.Equal(t, protocol.EventSystemError, evt.Event)
	assert.Equal(t, protocol.ErrBadSession, evt.Metadata["error_kind"])
}

func TestConfirmationAllowedOverWire(t *testing.T) {
	guarded := agenttest.New("operator",
		agenttest.ScriptStep{Kind: agent.StepThinking, Text: "considering"},
		agenttest.ScriptStep{Kind: agent.StepToolCall,
			Tool: &agent.ToolDescriptor{
				Name:                 "deploy",
				Description:          "deploys the service",
				RequiresConfirmation: true,
			},
			Args:   map[string]any{"env": "prod"},
			Result: "deployed",
		},
		agenttest.ScriptStep{Kind: agent.StepFinal, Text: "done"},
	)
	ts := newTestServer(t, guarded.Factory(), pipeline.Factories{}, nil)
	c := ts.dial(t)
	c.handshake()
	sessionID := c.createSession("")

	c.send(map[string]any{
		"event":      protocol.EventUserMessage,
		"session_id": sessionID,
		"content":    "ship it",
	})

	events := c.readUntil(protocol.EventAgentUserConfirm)
	confirm := events[len(events)-1]
	require.True(t, strings.HasPrefix(confirm.StepID, "confirm_"))
	assert.Equal(t, "deploy", confirm.Metadata["tool_name"])

	c.send(map[string]any{
		"event":      protocol.EventUserResponse,
		"session_id": sessionID,
		"step_id":    confirm.StepID,
		"content":    map[string]any{"confirmed": true},
	})

	rest := c.readUntil(protocol.EventAgentFinalAnswer)
	tags := make([]string, len(rest))
	for i, evt := range rest {
		tags[i] = evt.Event
	}
	assert.Equal(t, []string{
		protocol.EventAgentToolCall,
		protocol.EventAgentToolResult,
		protocol.EventAgentFinalAnswer,
	}, tags)
}

func TestConfirmationDeniedOverWire(t *testing.T) {
	guarded := agenttest.New("operator",
		agenttest.ScriptStep{Kind: agent.StepToolCall,
			Tool: &agent.ToolDescriptor{Name: "rm", RequiresConfirmation: true},
		},
		agenttest.ScriptStep{Kind: agent.StepFinal, Text: "skipped"},
	)
	ts := newTestServer(t, guarded.Factory(), pipeline.Factories{}, nil)
	c := ts.dial(t)
	c.handshake()
	sessionID := c.createSession("")

	c.send(map[string]any{
		"event":      protocol.EventUserMessage,
		"session_id": sessionID,
		"content":    "clean up",
	})
	confirm := c.readUntil(protocol.EventAgentUserConfirm)
	stepID := confirm[len(confirm)-1].StepID

	c.send(map[string]any{
		"event":      protocol.EventUserResponse,
		"session_id": sessionID,
		"step_id":    stepID,
		"content":    map[string]any{"confirmed": false},
	})

	rest := c.readUntil(protocol.EventAgentFinalAnswer)
	var sawToolCall bool
	for _, evt := range rest {
		if evt.Event == protocol.EventAgentToolCall {
			sawToolCall = true
		}
		if evt.Event == protocol.EventAgentToolResult {
			assert.Equal(t, true, evt.Metadata["denied"])
		}
	}
	assert.False(t, sawToolCall, "denied tool must not emit agent.tool_call")
}

func TestStateExportAndRestoreReplay(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c1 := ts.dial(t)
	connA := c1.handshake()
	sessionID := c1.createSession("")

	c1.send(map[string]any{
		"event":      protocol.EventUserMessage,
		"session_id": sessionID,
		"content":    "hi",
	})
	events := c1.readUntil(protocol.EventAgentFinalAnswer)
	final := events[len(events)-1]

	c1.send(map[string]any{
		"event":      protocol.EventUserRequestState,
		"session_id": sessionID,
	})
	exported := c1.read()
	require.Equal(t, protocol.EventAgentStateExported, exported.Event)
	require.NotNil(t, exported.SignedState)
	assert.NotZero(t, exported.Metadata["state_size"])

	// drop the first connection, resume on a second with the final answer's
	// event id as checkpoint
	c1.conn.Close()

	c2 := ts.dial(t)
	connB := c2.handshake()
	require.NotEqual(t, connA, connB)

	c2.send(map[string]any{
		"event":        protocol.EventUserReconnectWithState,
		"signed_state": exported.SignedState,
		"content":      map[string]any{"last_event_id": fmt.Sprintf("%s-%d", connA, final.Seq)},
	})

	restored := c2.read()
	require.Equal(t, protocol.EventAgentStateRestored, restored.Event)
	assert.Equal(t, sessionID, restored.Metadata["previous_session_id"])
	assert.NotEqual(t, sessionID, restored.SessionID)

	// the suffix past the checkpoint is exactly the state_exported event,
	// restamped on the new connection
	replayed := c2.read()
	assert.Equal(t, protocol.EventAgentStateExported, replayed.Event)
	assert.True(t, strings.HasPrefix(replayed.EventID, connB+"-"))
	assert.Greater(t, replayed.Seq, restored.Seq)
}

func TestStateRestoreIsRepeatable(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c1 := ts.dial(t)
	connA := c1.handshake()
	sessionID := c1.createSession("")

	c1.send(map[string]any{
		"event":      protocol.EventUserMessage,
		"session_id": sessionID,
		"content":    "hi",
	})
	events := c1.readUntil(protocol.EventAgentFinalAnswer)
	final := events[len(events)-1]

	c1.send(map[string]any{
		"event":      protocol.EventUserRequestState,
		"session_id": sessionID,
	})
	exported := c1.read()
	require.Equal(t, protocol.EventAgentStateExported, exported.Event)
	require.NotNil(t, exported.SignedState)
	c1.conn.Close()

	// the snapshot is client-held: presenting the same one with the same
	// checkpoint must resolve the same replay suffix every time
	checkpoint := fmt.Sprintf("%s-%d", connA, final.Seq)
	for attempt := 1; attempt <= 2; attempt++ {
		c := ts.dial(t)
		c.handshake()
		c.send(map[string]any{
			"event":        protocol.EventUserReconnectWithState,
			"signed_state": exported.SignedState,
			"content":      map[string]any{"last_event_id": checkpoint},
		})

		restored := c.read()
		require.Equal(t, protocol.EventAgentStateRestored, restored.Event, "attempt %d", attempt)
		assert.Equal(t, sessionID, restored.Metadata["previous_session_id"], "attempt %d", attempt)

		replayed := c.readUntil(protocol.EventAgentStateExported)
		assert.Equal(t, protocol.EventAgentStateExported, replayed[len(replayed)-1].Event,
			"attempt %d: suffix past the checkpoint must replay", attempt)
		c.conn.Close()
	}
}

func TestRestoreWithTamperedStateRejected(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c := ts.dial(t)
	c.handshake()
	sessionID := c.createSession("")

	c.send(map[string]any{
		"event":      protocol.EventUserRequestState,
		"session_id": sessionID,
	})
	exported := c.read()
	require.NotNil(t, exported.SignedState)

	tampered := *exported.SignedState
	tampered.State = json.RawMessage(
		strings.Replace(string(exported.SignedState.State), sessionID, "forged-session", 1))
	c.send(map[string]any{
		"event":        protocol.EventUserReconnectWithState,
		"signed_state": &tampered,
	})

	evt := c.read()
	assert.Equal(t, protocol.EventAgentError, evt.Event)
	assert.Equal(t, protocol.ErrChecksumMismatch, evt.Metadata["error_kind"])
}

func TestReconnectReplaysHistoryTail(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c1 := ts.dial(t)
	c1.handshake()
	sessionID := c1.createSession("")

	c1.send(map[string]any{
		"event":      protocol.EventUserMessage,
		"session_id": sessionID,
		"content":    "hi",
	})
	c1.readUntil(protocol.EventAgentFinalAnswer)
	c1.conn.Close()

	c2 := ts.dial(t)
	connB := c2.handshake()

	c2.send(map[string]any{
		"event":   protocol.EventUserReconnect,
		"content": map[string]any{"session_id": sessionID},
	})

	// full history replay: session_created, thinking, final_answer
	tags := []string{}
	for i := 0; i < 3; i++ {
		evt := c2.read()
		assert.True(t, strings.HasPrefix(evt.EventID, connB+"-"))
		tags = append(tags, evt.Event)
	}
	assert.Equal(t, []string{
		protocol.EventAgentSessionCreated,
		protocol.EventAgentThinking,
		protocol.EventAgentFinalAnswer,
	}, tags)
}

func TestReconnectCannotClaimLiveSession(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c1 := ts.dial(t)
	c1.handshake()
	sessionID := c1.createSession("")

	// a second connection knowing the session id cannot rebind it while the
	// owning connection is still open
	c2 := ts.dial(t)
	c2.handshake()
	c2.send(map[string]any{
		"event":   protocol.EventUserReconnect,
		"content": map[string]any{"session_id": sessionID},
	})
	evt := c2.read()
	assert.Equal(t, protocol.EventSystemError, evt.Event)
	assert.Equal(t, protocol.ErrBadSession, evt.Metadata["error_kind"])

	// the owner is unaffected
	c1.send(map[string]any{
		"event":      protocol.EventUserMessage,
		"session_id": sessionID,
		"content":    "still mine",
	})
	events := c1.readUntil(protocol.EventAgentFinalAnswer)
	assert.Equal(t, "hello", events[len(events)-1].Content)
}

func TestPlanSolveOverWire(t *testing.T) {
	solvers := pipeline.Factories{
		Planner:    agenttest.Planner("planner", "two steps", "first", "second").Factory(),
		Solver:     agenttest.Echo("solver", "solved").Factory(),
		Aggregator: agenttest.Echo("aggregator", "combined").Factory(),
	}
	ts := newTestServer(t, agenttest.Echo("host", "unused").Factory(), solvers, nil)
	c := ts.dial(t)
	c.handshake()
	sessionID := c.createSession(session.ModePlanSolve)

	c.send(map[string]any{
		"event":      protocol.EventUserMessage,
		"session_id": sessionID,
		"content":    "do both things",
	})

	events := c.readUntil(protocol.EventAgentFinalAnswer)
	counts := map[string]int{}
	for _, evt := range events {
		counts[evt.Event]++
	}
	assert.Equal(t, 1, counts[protocol.EventPlanStart])
	assert.Equal(t, 1, counts[protocol.EventPlanCompleted])
	assert.Equal(t, 2, counts[protocol.EventSolverStart])
	assert.Equal(t, 2, counts[protocol.EventSolverCompleted])
	assert.Equal(t, 1, counts[protocol.EventPipelineCompleted])
	assert.Equal(t, "combined", events[len(events)-1].Content)
}

func TestPipelineControlWithoutRunRejected(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("host", "unused").Factory(), pipeline.Factories{}, nil)
	c := ts.dial(t)
	c.handshake()
	sessionID := c.createSession(session.ModePlanSolve)

	c.send(map[string]any{
		"event":      protocol.EventUserCancelTask,
		"session_id": sessionID,
		"content":    map[string]any{"task_id": "1"},
	})
	evt := c.read()
	assert.Equal(t, protocol.EventSystemNotice, evt.Event)
	assert.Equal(t, false, evt.Metadata["ok"])
	assert.Equal(t, "cancel_task", evt.Metadata["action"])
}

func TestSolveTasksDirect(t *testing.T) {
	solvers := pipeline.Factories{
		Solver: agenttest.Echo("solver", "solved").Factory(),
	}
	ts := newTestServer(t, agenttest.Echo("host", "unused").Factory(), solvers, nil)
	c := ts.dial(t)
	c.handshake()
	sessionID := c.createSession(session.ModePlanSolve)

	c.send(map[string]any{
		"event":      protocol.EventUserSolveTasks,
		"session_id": sessionID,
		"content": map[string]any{
			"tasks": []map[string]any{
				{"id": "a", "description": "first"},
				{"id": "b", "description": "second"},
			},
		},
	})

	seen := 0
	for seen < 2 {
		evt := c.read()
		if evt.Event == protocol.EventSolverCompleted {
			seen++
		}
	}
}

func TestHeartbeatCarriesActiveSessions(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c := ts.dial(t)
	c.handshake()
	c.createSession("")

	ts.gw.heartbeat(context.Background())
	evt := c.read()
	assert.Equal(t, protocol.EventSystemHeartbeat, evt.Event)
	assert.Equal(t, float64(1), evt.Metadata["active_sessions"])
	assert.Empty(t, evt.SessionID)
}

func TestAckTrimsOutboundHistory(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c := ts.dial(t)
	connID := c.handshake()
	sessionID := c.createSession("")

	c.send(map[string]any{
		"event":      protocol.EventUserMessage,
		"session_id": sessionID,
		"content":    "hi",
	})
	events := c.readUntil(protocol.EventAgentFinalAnswer)
	final := events[len(events)-1]

	c.send(map[string]any{
		"event":   protocol.EventUserAck,
		"content": map[string]any{"last_event_id": final.EventID},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ts.gw.mu.Lock()
		conn, ok := ts.gw.conns[connID]
		ts.gw.mu.Unlock()
		require.True(t, ok)
		if conn.channel.LastAck() == final.Seq && conn.channel.History().Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("ack never trimmed outbound history")
}

func TestSlowConsumerConnectionClosed(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, func(cfg *config.Config) {
		cfg.Outbound.QueueCapacity = 4
		cfg.Outbound.EnqueueWaitMs = 150
	})
	c := ts.dial(t)
	connID := c.handshake()

	ts.gw.mu.Lock()
	conn, ok := ts.gw.conns[connID]
	ts.gw.mu.Unlock()
	require.True(t, ok)

	// stall the writer on the socket mutex, then flood with non-droppable
	// events until the bounded enqueue wait trips
	conn.writeMu.Lock()
	flooded := make(chan struct{})
	go func() {
		defer close(flooded)
		for i := 0; i < 10; i++ {
			if conn.enqueue(context.Background(), protocol.New(protocol.EventSystemNotice).WithContent("flood")) != nil {
				return
			}
		}
	}()
	time.Sleep(500 * time.Millisecond)
	conn.writeMu.Unlock()

	select {
	case <-flooded:
	case <-time.After(3 * time.Second):
		t.Fatal("flood never unblocked")
	}

	events := c.readUntil(protocol.EventSystemError)
	last := events[len(events)-1]
	assert.Equal(t, protocol.ErrSlowConsumer, last.Metadata["error_kind"])

	// the socket is closed right after the error frame
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 16; i++ {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
	t.Fatal("connection stayed open after slow-consumer error")
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, agenttest.Echo("helper", "hello").Factory(), pipeline.Factories{}, nil)
	c := ts.dial(t)
	c.handshake()

	resp, err := http.Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["connections"])
}
