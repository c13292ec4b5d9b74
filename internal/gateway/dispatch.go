package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/outbound"
	"github.com/agentgate/agentgate/internal/pipeline"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// dispatch routes one validated inbound event. Frame-level failures answer
// system.error; session-level failures answer agent.error and leave the
// connection open.
func (g *Gateway) dispatch(ctx context.Context, conn *Connection, evt *protocol.Event) {
	g.log.Debug("inbound event",
		zap.String("connection_id", conn.ID),
		zap.String("event", evt.Event),
		zap.String("session_id", evt.SessionID))

	switch evt.Event {
	case protocol.EventUserAck:
		lastEventID, lastSeq := checkpointOf(evt)
		conn.channel.Ack(lastEventID, lastSeq)

	case protocol.EventUserCreateSession:
		g.handleCreateSession(ctx, conn, evt)

	case protocol.EventUserMessage:
		g.handleMessage(ctx, conn, evt)

	case protocol.EventUserResponse:
		g.handleResponse(ctx, conn, evt)

	case protocol.EventUserCancel:
		g.handleCancel(ctx, conn, evt)

	case protocol.EventUserRequestState:
		g.handleRequestState(ctx, conn, evt)

	case protocol.EventUserReconnect:
		g.handleReconnect(ctx, conn, evt)

	case protocol.EventUserReconnectWithState:
		g.handleReconnectWithState(ctx, conn, evt)

	case protocol.EventUserSolveTasks:
		g.handleSolveTasks(ctx, conn, evt)

	case protocol.EventUserCancelTask, protocol.EventUserRestartTask,
		protocol.EventUserCancelPlan, protocol.EventUserReplan:
		g.handlePipelineControl(ctx, conn, evt)

	default:
		// unreachable after ValidateInbound
		conn.enqueue(ctx, protocol.SystemError(
			protocol.NewWireError(protocol.ErrUnknownEvent, "unhandled event %q", evt.Event)))
	}
}

func (g *Gateway) handleCreateSession(ctx context.Context, conn *Connection, evt *protocol.Event) {
	mode := stringField(evt, "mode")
	if mode == "" {
		mode = session.ModeChat
	}
	sess, werr := g.sessions.Create(ctx, conn.ID, mode, g.emitterFor(conn))
	if werr != nil {
		conn.enqueue(ctx, protocol.SystemError(werr))
		return
	}
	g.publish(bus.SubjectSessionCreated, "session_created", map[string]any{
		"session_id":    sess.ID(),
		"connection_id": conn.ID,
		"mode":          sess.Mode(),
	})
}

func (g *Gateway) handleMessage(ctx context.Context, conn *Connection, evt *protocol.Event) {
	sess, werr := g.sessions.Get(evt.SessionID, conn.ID)
	if werr != nil {
		conn.enqueue(ctx, protocol.SystemError(werr))
		return
	}
	input := contentString(evt)

	if sess.Mode() == session.ModePlanSolve {
		werr := g.startRunner(sess, func(runCtx context.Context, r *pipeline.Runner) {
			r.Run(runCtx, input)
		})
		if werr != nil {
			conn.enqueue(ctx, protocol.AgentError(sess.ID(), werr))
		}
		return
	}

	if werr := sess.Run(input); werr != nil {
		conn.enqueue(ctx, protocol.AgentError(sess.ID(), werr))
	}
}

func (g *Gateway) handleResponse(ctx context.Context, conn *Connection, evt *protocol.Event) {
	sess, werr := g.sessions.Get(evt.SessionID, conn.ID)
	if werr != nil {
		conn.enqueue(ctx, protocol.SystemError(werr))
		return
	}
	resp := session.Response{}
	if m, ok := evt.Content.(map[string]any); ok {
		resp.Confirmed, _ = m["confirmed"].(bool)
		resp.Tasks = mapsOf(m["tasks"])
	} else if v, ok := evt.Metadata["confirmed"].(bool); ok {
		resp.Confirmed = v
		resp.Tasks = mapsOf(evt.Metadata["tasks"])
	}
	if werr := sess.Respond(evt.StepID, resp); werr != nil {
		conn.enqueue(ctx, protocol.AgentError(sess.ID(), werr))
	}
}

func (g *Gateway) handleCancel(ctx context.Context, conn *Connection, evt *protocol.Event) {
	sess, werr := g.sessions.Get(evt.SessionID, conn.ID)
	if werr != nil {
		conn.enqueue(ctx, protocol.SystemError(werr))
		return
	}
	if r, ok := g.runnerFor(sess.ID()); ok {
		r.Cancel()
		return
	}
	sess.Cancel()
}

func (g *Gateway) handleRequestState(ctx context.Context, conn *Connection, evt *protocol.Event) {
	if evt.SessionID == "" {
		conn.enqueue(ctx, protocol.SystemError(
			protocol.NewWireError(protocol.ErrBadSession, "user.request_state requires session_id")))
		return
	}
	sess, werr := g.sessions.Get(evt.SessionID, conn.ID)
	if werr != nil {
		conn.enqueue(ctx, protocol.SystemError(werr))
		return
	}

	signed, info, err := g.states.Export(sess.Snapshot())
	if err != nil {
		conn.enqueue(ctx, protocol.AgentError(sess.ID(),
			protocol.NewWireError(protocol.ErrInternal, "state export failed: %v", err)))
		return
	}

	out := protocol.NewSessionEvent(protocol.EventAgentStateExported, sess.ID()).
		WithContent("state exported").
		WithMeta("state_size", info.StateSize).
		WithMeta("message_count", info.MessageCount).
		WithMeta("current_step", info.CurrentStep)
	out.SignedState = signed
	conn.enqueue(ctx, out)
}

// handleReconnect rebinds a still-alive session and replays its history tail.
func (g *Gateway) handleReconnect(ctx context.Context, conn *Connection, evt *protocol.Event) {
	sessionID := evt.SessionID
	if sessionID == "" {
		sessionID = stringField(evt, "session_id")
	}
	if sessionID == "" {
		conn.enqueue(ctx, protocol.SystemError(
			protocol.NewWireError(protocol.ErrBadSession, "user.reconnect requires session_id")))
		return
	}

	sess, werr := g.sessions.Reattach(sessionID, conn.ID, g.emitterFor(conn))
	if werr != nil {
		conn.enqueue(ctx, protocol.SystemError(werr))
		return
	}

	events, recovery := sess.History().Tail(g.cfg.Session.ReplayCap)
	g.replay(ctx, conn, events, recovery)
}

// handleReconnectWithState verifies the client-held snapshot, restores a
// fresh session from it, and replays the suffix past the client's checkpoint.
func (g *Gateway) handleReconnectWithState(ctx context.Context, conn *Connection, evt *protocol.Event) {
	snap, werr := g.states.Verify(evt.SignedState)
	if werr != nil {
		conn.enqueue(ctx, protocol.AgentError("", werr))
		return
	}

	sess, werr := g.sessions.Restore(ctx, conn.ID, snap, g.emitterFor(conn))
	if werr != nil {
		conn.enqueue(ctx, protocol.AgentError("", werr))
		return
	}
	g.publish(bus.SubjectSessionRestored, "session_restored", map[string]any{
		"session_id":          sess.ID(),
		"previous_session_id": snap.SessionID,
		"connection_id":       conn.ID,
	})

	lastEventID, lastSeq := checkpointOf(evt)
	if lastEventID == "" && lastSeq == 0 {
		return
	}
	checkpointConn := ""
	if lastEventID != "" {
		parsedConn, parsedSeq, ok := outbound.ParseEventID(lastEventID)
		if !ok {
			conn.enqueue(ctx, protocol.SystemError(
				protocol.NewWireError(protocol.ErrInvalidFrame, "malformed last_event_id %q", lastEventID)))
			return
		}
		checkpointConn, lastSeq = parsedConn, parsedSeq
	} else {
		// a bare last_seq is resolved against the snapshot's last connection
		checkpointConn = sess.History().LastConnectionID()
	}

	events, recovery := sess.History().ReplayFrom(checkpointConn, lastSeq, g.cfg.Session.ReplayCap)
	g.replay(ctx, conn, events, recovery)
}

// replay writes recovered events verbatim and reports non-full recovery.
func (g *Gateway) replay(ctx context.Context, conn *Connection, events []*protocol.Event, recovery session.Recovery) {
	for _, evt := range events {
		if err := conn.enqueueReplay(ctx, evt); err != nil {
			return
		}
	}
	if recovery != session.RecoveryFull {
		conn.enqueue(ctx, protocol.New(protocol.EventSystemNotice).
			WithContent(fmt.Sprintf("replayed %d events", len(events))).
			WithMeta("recovery", string(recovery)))
	}
}

// handleSolveTasks runs the solve phase directly over client-supplied tasks.
func (g *Gateway) handleSolveTasks(ctx context.Context, conn *Connection, evt *protocol.Event) {
	sess, werr := g.sessions.Get(evt.SessionID, conn.ID)
	if werr != nil {
		conn.enqueue(ctx, protocol.SystemError(werr))
		return
	}

	tasks, err := tasksOf(evt)
	if err != nil {
		conn.enqueue(ctx, protocol.AgentError(sess.ID(),
			protocol.NewWireError(protocol.ErrCoercionError, "invalid tasks: %v", err)))
		return
	}

	werr = g.startRunner(sess, func(runCtx context.Context, r *pipeline.Runner) {
		r.RunDirect(runCtx, tasks, contentString(evt))
	})
	if werr != nil {
		conn.enqueue(ctx, protocol.AgentError(sess.ID(), werr))
	}
}

// handlePipelineControl dispatches the fine-grained plan-solve controls.
func (g *Gateway) handlePipelineControl(ctx context.Context, conn *Connection, evt *protocol.Event) {
	sess, werr := g.sessions.Get(evt.SessionID, conn.ID)
	if werr != nil {
		conn.enqueue(ctx, protocol.SystemError(werr))
		return
	}
	r, ok := g.runnerFor(sess.ID())
	if !ok {
		action := evt.Event[len("user."):]
		conn.enqueue(ctx, protocol.New(protocol.EventSystemNotice).
			WithContent(fmt.Sprintf("%s rejected", action)).
			WithMeta("action", action).
			WithMeta("ok", false).
			WithMeta("reason", "no active plan-solve run"))
		return
	}

	switch evt.Event {
	case protocol.EventUserCancelTask:
		r.CancelTask(ctx, stringField(evt, "task_id"))
	case protocol.EventUserRestartTask:
		r.RestartTask(ctx, stringField(evt, "task_id"))
	case protocol.EventUserCancelPlan:
		r.CancelPlan(ctx)
	case protocol.EventUserReplan:
		question := contentString(evt)
		if question == "" {
			question = stringField(evt, "question")
		}
		r.Replan(ctx, question)
	}
}

// stringField reads a named string from the content object or metadata.
func stringField(evt *protocol.Event, key string) string {
	if m, ok := evt.Content.(map[string]any); ok {
		if s, ok := m[key].(string); ok {
			return s
		}
	}
	if s, ok := evt.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// contentString renders the content payload as the user's input text.
func contentString(evt *protocol.Event) string {
	switch v := evt.Content.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		if s, ok := v["text"].(string); ok {
			return s
		}
	}
	data, err := json.Marshal(evt.Content)
	if err != nil {
		return fmt.Sprintf("%v", evt.Content)
	}
	return string(data)
}

// checkpointOf extracts the replay checkpoint a client attached to an ack or
// reconnect: last_event_id wins over last_seq.
func checkpointOf(evt *protocol.Event) (lastEventID string, lastSeq uint64) {
	read := func(m map[string]any) {
		if m == nil {
			return
		}
		if s, ok := m["last_event_id"].(string); ok && lastEventID == "" {
			lastEventID = s
		}
		if lastSeq == 0 {
			switch n := m["last_seq"].(type) {
			case float64:
				lastSeq = uint64(n)
			case int:
				lastSeq = uint64(n)
			case uint64:
				lastSeq = n
			case json.Number:
				if v, err := n.Int64(); err == nil {
					lastSeq = uint64(v)
				}
			}
		}
	}
	if m, ok := evt.Content.(map[string]any); ok {
		read(m)
	}
	read(evt.Metadata)
	return lastEventID, lastSeq
}

// tasksOf coerces the solve_tasks payload into the pipeline task list.
func tasksOf(evt *protocol.Event) ([]pipeline.Task, error) {
	var raw any
	if m, ok := evt.Content.(map[string]any); ok {
		raw = m["tasks"]
	}
	if raw == nil {
		raw = evt.Metadata["tasks"]
	}
	if raw == nil {
		if list, ok := evt.Content.([]any); ok {
			raw = list
		}
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("tasks must be a non-empty list")
	}

	tasks := make([]pipeline.Task, 0, len(list))
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("task %d is not an object", i)
		}
		task := pipeline.Task{}
		switch id := m["id"].(type) {
		case string:
			task.ID = id
		case float64:
			task.ID = fmt.Sprintf("%d", int(id))
		default:
			return nil, fmt.Errorf("task %d has no id", i)
		}
		task.Description, _ = m["description"].(string)
		if task.Description == "" {
			return nil, fmt.Errorf("task %s has no description", task.ID)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// mapsOf coerces a decoded JSON list into []map[string]any, dropping entries
// of other shapes.
func mapsOf(raw any) []map[string]any {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, entry := range list {
		if m, ok := entry.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
