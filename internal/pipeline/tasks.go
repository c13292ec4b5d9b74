package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/pkg/agent"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// statRecorder accumulates usage records for one sub-session run.
type statRecorder struct {
	agent   string
	origin  string
	records []session.StatRecord
}

func (c *statRecorder) add(usage *agent.Usage) {
	ms := usage.DurationMs
	if ms == 0 && usage.Duration > 0 {
		ms = usage.Duration.Milliseconds()
	}
	c.records = append(c.records, session.StatRecord{
		Agent:        c.agent,
		Origin:       c.origin,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		DurationMs:   ms,
		Timestamp:    time.Now().UTC(),
	})
}

// runTask executes one solver run for a task. A restart request observed at
// cancellation loops back into a fresh run; everything else finishes the run
// and wakes the solve phase.
func (r *Runner) runTask(ctx context.Context, taskID string) {
	defer func() {
		r.mu.Lock()
		r.activeRuns--
		r.cond.Broadcast()
		r.mu.Unlock()
	}()

	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.markCancelled(ctx, taskID)
			return
		}

		r.mu.Lock()
		ts, ok := r.tasks[taskID]
		if !ok || ts.status == taskCancelled {
			// cancelled while still pending in the semaphore queue
			r.mu.Unlock()
			r.sem.Release(1)
			return
		}
		taskCtx, cancel := context.WithCancel(ctx)
		ts.status = taskRunning
		ts.cancel = cancel
		ts.restartRequested = false
		task := ts.task
		r.mu.Unlock()

		r.emit(ctx, protocol.NewSessionEvent(protocol.EventSolverStart, r.sess.ID()).
			WithContent(fmt.Sprintf("solving task %s", task.ID)).
			WithMeta("task", task))

		text, records, err := r.runSub(taskCtx, r.factories.Solver, "solver", task.Description)
		cancel()
		r.sem.Release(1)

		if taskCtx.Err() != nil {
			restart := r.consumeRestart(taskID)
			r.emit(ctx, protocol.NewSessionEvent(protocol.EventSolverCancelled, r.sess.ID()).
				WithContent(fmt.Sprintf("task %s cancelled", task.ID)).
				WithMeta("task_id", task.ID))
			if restart && ctx.Err() == nil {
				continue
			}
			r.setStatus(taskID, taskCancelled)
			return
		}

		var result any
		if err != nil {
			result = map[string]any{"error": err.Error()}
		} else {
			result = text
		}
		r.addStats(records)

		r.mu.Lock()
		ts.status = taskCompleted
		ts.result = result
		ts.cancel = nil
		r.mu.Unlock()

		r.emit(ctx, protocol.NewSessionEvent(protocol.EventSolverCompleted, r.sess.ID()).
			WithContent(fmt.Sprintf("task %s completed", task.ID)).
			WithMeta("task", task).
			WithMeta("result", result).
			WithMeta("statistics", session.StatisticsPayload(records)))
		return
	}
}

// CancelTask cancels one solver without touching its siblings. Cancelling an
// already-completed task is a no-op acknowledged with ok=true.
func (r *Runner) CancelTask(ctx context.Context, taskID string) {
	r.mu.Lock()
	ts, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		r.emit(ctx, controlNotice("cancel_task", taskID, false, "unknown task"))
		return
	}
	status := ts.status
	cancel := ts.cancel
	r.mu.Unlock()

	r.emit(ctx, controlNotice("cancel_task", taskID, true, ""))
	switch status {
	case taskRunning:
		if cancel != nil {
			cancel()
		}
	case taskPending:
		r.setStatus(taskID, taskCancelled)
		r.emit(ctx, protocol.NewSessionEvent(protocol.EventSolverCancelled, r.sess.ID()).
			WithContent(fmt.Sprintf("task %s cancelled", taskID)).
			WithMeta("task_id", taskID))
	default:
		// completed or already cancelled: no-op
	}
}

// RestartTask reschedules one task from scratch. A running task is cancelled
// first; a finished task gets a fresh run.
func (r *Runner) RestartTask(ctx context.Context, taskID string) {
	r.mu.Lock()
	ts, ok := r.tasks[taskID]
	if !ok || r.phase != PhaseSolving {
		r.mu.Unlock()
		r.emit(ctx, controlNotice("restart_task", taskID, false, "task is not restartable"))
		return
	}

	switch ts.status {
	case taskRunning:
		ts.restartRequested = true
		cancel := ts.cancel
		r.mu.Unlock()
		r.emit(ctx, controlNotice("restart_task", taskID, true, ""))
		if cancel != nil {
			cancel()
		}

	case taskCompleted, taskCancelled:
		// the original run's goroutine is gone; schedule a new one
		ts.status = taskPending
		ts.result = nil
		r.activeRuns++
		rootCtx := r.rootCtx
		r.mu.Unlock()
		r.emit(ctx, controlNotice("restart_task", taskID, true, ""))
		r.emit(ctx, protocol.NewSessionEvent(protocol.EventSolverRestarted, r.sess.ID()).
			WithContent(fmt.Sprintf("task %s rescheduled", taskID)).
			WithMeta("task_id", taskID))
		go r.runTask(rootCtx, taskID)

	default:
		r.mu.Unlock()
		r.emit(ctx, controlNotice("restart_task", taskID, true, ""))
	}
}

// CancelPlan aborts the run while still in planning or plan confirmation.
func (r *Runner) CancelPlan(ctx context.Context) {
	r.mu.Lock()
	phase := r.phase
	if phase != PhasePlanning && phase != PhaseConfirmingPlan {
		r.mu.Unlock()
		r.emit(ctx, controlNotice("cancel_plan", "", false,
			fmt.Sprintf("cannot cancel plan in phase %s", phase)))
		return
	}
	r.planCancel = true
	cancel := r.cancelPlan
	r.mu.Unlock()

	r.emit(ctx, controlNotice("cancel_plan", "", true, ""))
	if cancel != nil {
		cancel()
	} else {
		// confirming-plan: resolve the pending confirmation as denied
		for _, stepID := range r.sess.PendingConfirmations() {
			_ = r.sess.Respond(stepID, session.Response{Confirmed: false})
		}
	}
}

// Replan discards the current planner run and plans again, optionally with a
// new question. Valid only before solving starts.
func (r *Runner) Replan(ctx context.Context, question string) {
	r.mu.Lock()
	if r.phase != PhasePlanning {
		phase := r.phase
		r.mu.Unlock()
		r.emit(ctx, controlNotice("replan", "", false,
			fmt.Sprintf("cannot replan in phase %s", phase)))
		return
	}
	if question == "" {
		question = r.question
	}
	r.replanWith = question
	cancel := r.cancelPlan
	r.mu.Unlock()

	r.emit(ctx, controlNotice("replan", "", true, ""))
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) setStatus(taskID string, status taskStatus) {
	r.mu.Lock()
	if ts, ok := r.tasks[taskID]; ok {
		ts.status = status
		ts.cancel = nil
	}
	r.mu.Unlock()
}

func (r *Runner) consumeRestart(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tasks[taskID]
	if !ok {
		return false
	}
	restart := ts.restartRequested
	ts.restartRequested = false
	return restart
}

func (r *Runner) markCancelled(ctx context.Context, taskID string) {
	r.setStatus(taskID, taskCancelled)
	r.mu.Lock()
	task := r.tasks[taskID].task
	r.mu.Unlock()
	r.emit(ctx, protocol.NewSessionEvent(protocol.EventSolverCancelled, r.sess.ID()).
		WithContent(fmt.Sprintf("task %s cancelled", task.ID)).
		WithMeta("task_id", task.ID))
}

// runSub drives one sub-session agent to completion and collects its final
// text and usage records. Sub-session steps do not surface as events; only
// the pipeline's phase events do. Guarded tools inside sub-sessions are
// auto-approved since the plan itself is the confirmation surface.
func (r *Runner) runSub(ctx context.Context, factory agent.Factory, origin, input string) (string, []session.StatRecord, error) {
	if factory == nil {
		return "", nil, fmt.Errorf("no %s agent configured", origin)
	}
	ag, err := factory()
	if err != nil {
		return "", nil, fmt.Errorf("%s factory: %w", origin, err)
	}

	steps, err := ag.Run(ctx, input)
	if err != nil {
		return "", nil, err
	}

	var (
		finalText string
		records   []session.StatRecord
		stepErr   error
		sawFinal  bool
	)
	collector := &statRecorder{agent: ag.Name(), origin: origin}

	for step := range steps {
		if step.Decision != nil {
			step.Decision <- true
		}
		if step.Usage != nil {
			collector.add(step.Usage)
		}
		switch step.Kind {
		case agent.StepFinal:
			finalText = step.Text
			sawFinal = true
		case agent.StepError:
			stepErr = step.Err
			if stepErr == nil {
				stepErr = fmt.Errorf("%s agent reported an error", origin)
			}
		}
	}
	records = collector.records

	if ctx.Err() != nil {
		return "", records, ctx.Err()
	}
	if stepErr != nil {
		return "", records, stepErr
	}
	if !sawFinal {
		return "", records, fmt.Errorf("%s agent ended without a final step", origin)
	}
	r.log.Debug("sub-session finished",
		zap.String("origin", origin),
		zap.String("agent", ag.Name()))
	return finalText, records, nil
}

// controlNotice acknowledges a fine-grained control operation.
func controlNotice(action, taskID string, ok bool, reason string) *protocol.Event {
	evt := protocol.New(protocol.EventSystemNotice).
		WithContent(fmt.Sprintf("%s acknowledged", action)).
		WithMeta("action", action).
		WithMeta("ok", ok)
	if taskID != "" {
		evt.WithMeta("task_id", taskID)
	}
	if reason != "" {
		evt.WithMeta("reason", reason)
	}
	return evt
}
