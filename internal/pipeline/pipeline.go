// Package pipeline implements the plan-solve orchestrator: a planner
// sub-session produces a task list, solvers fan out over the tasks under a
// concurrency bound, and an aggregator folds the results into one answer.
// Individual tasks can be cancelled and restarted without disturbing their
// siblings.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/pkg/agent"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// Phase is the pipeline state machine position.
type Phase string

const (
	PhasePlanning       Phase = "planning"
	PhaseConfirmingPlan Phase = "confirming-plan"
	PhaseSolving        Phase = "solving"
	PhaseAggregating    Phase = "aggregating"
	PhaseDone           Phase = "done"
	PhaseCancelled      Phase = "cancelled"
	PhaseFailed         Phase = "failed"
)

// Task is one unit of solver work.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// plan is the structure the planner's final answer must parse into.
type plan struct {
	Tasks       []Task `json:"tasks"`
	PlanSummary string `json:"plan_summary"`
}

type taskStatus string

const (
	taskPending   taskStatus = "pending"
	taskRunning   taskStatus = "running"
	taskCompleted taskStatus = "completed"
	taskCancelled taskStatus = "cancelled"
)

type taskState struct {
	task             Task
	status           taskStatus
	cancel           context.CancelFunc
	result           any
	restartRequested bool
}

// Factories supplies the sub-session agents. Aggregator may be nil, in which
// case results are joined verbatim.
type Factories struct {
	Planner    agent.Factory
	Solver     agent.Factory
	Aggregator agent.Factory
}

// Config holds the pipeline knobs.
type Config struct {
	SolverConcurrency        int
	PlanConfirmationRequired bool
	PlanConfirmationTimeout  time.Duration
}

// Runner executes one plan-solve run on top of a host session. Phase events
// are emitted through the session's outbound path; the session's pending
// table resolves plan confirmations.
type Runner struct {
	sess      *session.Session
	factories Factories
	cfg       Config
	log       *logger.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	phase      Phase
	question   string
	summary    string
	tasks      map[string]*taskState
	order      []string
	activeRuns int
	sem        *semaphore.Weighted
	cancelPlan context.CancelFunc
	replanWith string
	planCancel bool
	stats      []session.StatRecord

	rootCtx    context.Context
	rootCancel context.CancelFunc
	done       chan struct{}
}

// NewRunner creates a runner bound to its host session.
func NewRunner(sess *session.Session, factories Factories, cfg Config, log *logger.Logger) *Runner {
	if cfg.SolverConcurrency <= 0 {
		cfg.SolverConcurrency = 4
	}
	if cfg.PlanConfirmationTimeout <= 0 {
		cfg.PlanConfirmationTimeout = 300 * time.Second
	}
	r := &Runner{
		sess:      sess,
		factories: factories,
		cfg:       cfg,
		log: log.WithSessionID(sess.ID()).
			WithFields(zap.String("component", "pipeline")),
		tasks: map[string]*taskState{},
		done:  make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Phase returns the current state machine position.
func (r *Runner) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Active reports whether the run is still in flight.
func (r *Runner) Active() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Done closes when the run reaches a terminal phase.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Cancel aborts the whole run.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel := r.rootCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the full plan-solve state machine for one question. It blocks
// until a terminal phase; callers run it on its own goroutine.
func (r *Runner) Run(ctx context.Context, question string) {
	defer close(r.done)

	rootCtx, rootCancel := context.WithCancel(ctx)
	defer rootCancel()
	r.mu.Lock()
	r.rootCtx = rootCtx
	r.rootCancel = rootCancel
	r.question = question
	r.phase = PhasePlanning
	r.mu.Unlock()

	tasks, ok := r.planPhase(rootCtx)
	if !ok {
		return
	}

	if r.cfg.PlanConfirmationRequired {
		tasks, ok = r.confirmPlanPhase(rootCtx, tasks)
		if !ok {
			return
		}
	}

	r.solvePhase(rootCtx, tasks, PhaseAggregating)

	if rootCtx.Err() != nil {
		r.finish(PhaseCancelled, protocol.NewSessionEvent(protocol.EventAgentInterrupted, r.sess.ID()).
			WithContent("plan-solve run cancelled"))
		return
	}

	r.aggregatePhase(rootCtx)
}

// RunDirect executes the solve phase only, over client-supplied tasks. No
// plan, aggregate, or pipeline events are emitted.
func (r *Runner) RunDirect(ctx context.Context, tasks []Task, question string) {
	defer close(r.done)

	rootCtx, rootCancel := context.WithCancel(ctx)
	defer rootCancel()
	r.mu.Lock()
	r.rootCtx = rootCtx
	r.rootCancel = rootCancel
	r.question = question
	r.phase = PhaseSolving
	r.mu.Unlock()

	r.solvePhase(rootCtx, tasks, PhaseDone)

	if rootCtx.Err() != nil {
		r.mu.Lock()
		r.phase = PhaseCancelled
		r.mu.Unlock()
	}
}

// planPhase runs the planner, honouring replan and cancel_plan, and returns
// the coerced task list.
func (r *Runner) planPhase(ctx context.Context) ([]Task, bool) {
	for {
		r.mu.Lock()
		question := r.question
		planCtx, cancel := context.WithCancel(ctx)
		r.cancelPlan = cancel
		r.mu.Unlock()

		r.emit(ctx, protocol.NewSessionEvent(protocol.EventPlanStart, r.sess.ID()).
			WithContent(question))

		text, records, err := r.runSub(planCtx, r.factories.Planner, "plan", question)
		cancel()

		r.mu.Lock()
		r.cancelPlan = nil
		cancelled := r.planCancel
		replan := r.replanWith
		r.planCancel = false
		r.replanWith = ""
		r.mu.Unlock()

		if cancelled {
			r.finish(PhaseCancelled, protocol.NewSessionEvent(protocol.EventPlanCancelled, r.sess.ID()).
				WithContent("planning cancelled"))
			return nil, false
		}
		if replan != "" {
			r.mu.Lock()
			r.question = replan
			r.mu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			r.finish(PhaseCancelled, protocol.NewSessionEvent(protocol.EventAgentInterrupted, r.sess.ID()).
				WithContent("plan-solve run cancelled"))
			return nil, false
		}
		if err != nil {
			r.finish(PhaseFailed, protocol.AgentError(r.sess.ID(),
				protocol.NewWireError(protocol.ErrPlanFailed, "planner failed: %v", err)))
			return nil, false
		}

		parsed, perr := parsePlan(text)
		if perr != nil {
			r.finish(PhaseFailed, protocol.AgentError(r.sess.ID(),
				protocol.NewWireError(protocol.ErrPlanFailed, "planner output not a valid plan: %v", perr)))
			return nil, false
		}

		r.addStats(records)
		r.mu.Lock()
		r.summary = parsed.PlanSummary
		r.mu.Unlock()

		r.emit(ctx, protocol.NewSessionEvent(protocol.EventPlanCompleted, r.sess.ID()).
			WithContent(parsed.PlanSummary).
			WithMeta("tasks", parsed.Tasks).
			WithMeta("plan_summary", parsed.PlanSummary).
			WithMeta("statistics", session.StatisticsPayload(records)))
		return parsed.Tasks, true
	}
}

// confirmPlanPhase gates solving behind a user confirmation, optionally
// accepting a task override.
func (r *Runner) confirmPlanPhase(ctx context.Context, tasks []Task) ([]Task, bool) {
	r.mu.Lock()
	r.phase = PhaseConfirmingPlan
	summary := r.summary
	r.mu.Unlock()

	stepID := fmt.Sprintf("confirm_%s_plan", uuid.NewString())
	verdict := r.sess.RegisterPending(stepID)
	defer r.sess.UnregisterPending(stepID)

	r.emit(ctx, protocol.NewSessionEvent(protocol.EventAgentUserConfirm, r.sess.ID()).
		WithStep(stepID).
		WithContent("confirm the proposed plan").
		WithMeta("scope", "plan").
		WithMeta("tasks", tasks).
		WithMeta("plan_summary", summary))

	timer := time.NewTimer(r.cfg.PlanConfirmationTimeout)
	defer timer.Stop()

	select {
	case resp := <-verdict:
		if r.planCancelRequested() {
			r.finish(PhaseCancelled, protocol.NewSessionEvent(protocol.EventPlanCancelled, r.sess.ID()).
				WithContent("planning cancelled"))
			return nil, false
		}
		if !resp.Confirmed {
			r.finish(PhaseDone, protocol.NewSessionEvent(protocol.EventAgentFinalAnswer, r.sess.ID()).
				WithContent("plan was not confirmed; nothing executed").
				WithMeta("statistics", session.StatisticsPayload(r.snapshotStats())))
			return nil, false
		}
		if len(resp.Tasks) > 0 {
			override, err := coerceTasks(resp.Tasks)
			if err != nil {
				r.finish(PhaseFailed, protocol.NewSessionEvent(protocol.EventPlanCoercionError, r.sess.ID()).
					WithContent(err.Error()).
					WithMeta("error_kind", protocol.ErrCoercionError))
				return nil, false
			}
			return override, true
		}
		return tasks, true

	case <-timer.C:
		r.finish(PhaseDone, protocol.NewSessionEvent(protocol.EventAgentFinalAnswer, r.sess.ID()).
			WithContent("plan confirmation timed out; nothing executed").
			WithMeta("statistics", session.StatisticsPayload(r.snapshotStats())))
		return nil, false

	case <-ctx.Done():
		r.finish(PhaseCancelled, protocol.NewSessionEvent(protocol.EventAgentInterrupted, r.sess.ID()).
			WithContent("plan-solve run cancelled"))
		return nil, false
	}
}

// solvePhase fans solvers out over the tasks under the concurrency bound and
// waits for every scheduled run, including restarts, to finish. The phase
// moves to next under the same lock the wait holds, so task control events
// arriving after the last run cannot schedule work past the solve phase.
func (r *Runner) solvePhase(ctx context.Context, tasks []Task, next Phase) {
	r.mu.Lock()
	r.phase = PhaseSolving
	r.sem = semaphore.NewWeighted(int64(r.cfg.SolverConcurrency))
	for _, task := range tasks {
		r.tasks[task.ID] = &taskState{task: task, status: taskPending}
		r.order = append(r.order, task.ID)
	}
	r.activeRuns = len(tasks)
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, id := range ids {
		go r.runTask(ctx, id)
	}

	r.mu.Lock()
	for r.activeRuns > 0 {
		r.cond.Wait()
	}
	r.phase = next
	r.mu.Unlock()
}

// aggregatePhase folds completed results and closes the pipeline.
func (r *Runner) aggregatePhase(ctx context.Context) {
	completed := r.completedResults()
	if len(completed) == 0 {
		r.finish(PhaseDone, protocol.New(protocol.EventSystemNotice).
			WithContent("all tasks were cancelled; nothing to aggregate").
			WithMeta("action", "aggregate_skipped"))
		return
	}

	r.mu.Lock()
	question := r.question
	r.mu.Unlock()

	r.emit(ctx, protocol.NewSessionEvent(protocol.EventAggregateStart, r.sess.ID()).
		WithContent(fmt.Sprintf("aggregating %d results", len(completed))))

	answer, records, err := r.aggregate(ctx, question, completed)
	if err != nil {
		r.finish(PhaseFailed, protocol.AgentError(r.sess.ID(),
			protocol.NewWireError(protocol.ErrAggregateFailed, "aggregator failed: %v", err)))
		return
	}
	r.addStats(records)

	r.emit(ctx, protocol.NewSessionEvent(protocol.EventAggregateComplete, r.sess.ID()).
		WithContent(answer))

	allStats := r.snapshotStats()
	r.sess.RecordStats(allStats...)
	r.emit(ctx, protocol.NewSessionEvent(protocol.EventPipelineCompleted, r.sess.ID()).
		WithContent("pipeline completed").
		WithMeta("statistics", session.StatisticsPayload(allStats)))

	r.finish(PhaseDone, protocol.NewSessionEvent(protocol.EventAgentFinalAnswer, r.sess.ID()).
		WithContent(answer).
		WithMeta("statistics", session.StatisticsPayload(allStats)))
}

func (r *Runner) aggregate(ctx context.Context, question string, results []map[string]any) (string, []session.StatRecord, error) {
	if r.factories.Aggregator == nil {
		var parts []string
		for _, res := range results {
			parts = append(parts, fmt.Sprintf("%v", res["result"]))
		}
		return strings.Join(parts, "\n"), nil, nil
	}

	payload, err := json.Marshal(map[string]any{
		"question": question,
		"results":  results,
	})
	if err != nil {
		return "", nil, err
	}
	return r.runSub(ctx, r.factories.Aggregator, "aggregate", string(payload))
}

// finish records the terminal phase and emits the closing event.
func (r *Runner) finish(phase Phase, evt *protocol.Event) {
	r.mu.Lock()
	r.phase = phase
	r.mu.Unlock()
	r.emit(context.Background(), evt)
}

func (r *Runner) emit(ctx context.Context, evt *protocol.Event) {
	r.sess.Emit(ctx, evt)
}

func (r *Runner) planCancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancelled := r.planCancel
	r.planCancel = false
	return cancelled
}

func (r *Runner) addStats(records []session.StatRecord) {
	if len(records) == 0 {
		return
	}
	r.mu.Lock()
	r.stats = append(r.stats, records...)
	r.mu.Unlock()
}

func (r *Runner) snapshotStats() []session.StatRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.StatRecord, len(r.stats))
	copy(out, r.stats)
	return out
}

func (r *Runner) completedResults() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, id := range r.order {
		ts := r.tasks[id]
		if ts.status == taskCompleted {
			out = append(out, map[string]any{
				"task":   ts.task,
				"result": ts.result,
			})
		}
	}
	return out
}

// parsePlan decodes the planner's final answer. Planners occasionally wrap
// the JSON in prose, so a bracketed substring is tried before giving up.
func parsePlan(text string) (*plan, error) {
	var p plan
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return nil, err
		}
		if err2 := json.Unmarshal([]byte(text[start:end+1]), &p); err2 != nil {
			return nil, err
		}
	}
	if len(p.Tasks) == 0 {
		return nil, fmt.Errorf("plan contains no tasks")
	}
	for i, task := range p.Tasks {
		if task.ID == "" {
			return nil, fmt.Errorf("task %d has no id", i)
		}
		if task.Description == "" {
			return nil, fmt.Errorf("task %q has no description", task.ID)
		}
	}
	return &p, nil
}

// coerceTasks converts a client-supplied task override into the internal
// task type.
func coerceTasks(raw []map[string]any) ([]Task, error) {
	tasks := make([]Task, 0, len(raw))
	for i, entry := range raw {
		id, _ := entry["id"].(string)
		desc, _ := entry["description"].(string)
		if id == "" {
			if n, ok := entry["id"].(float64); ok {
				id = fmt.Sprintf("%d", int(n))
			}
		}
		if id == "" || desc == "" {
			return nil, fmt.Errorf("task %d cannot be coerced: id and description are required", i)
		}
		tasks = append(tasks, Task{ID: id, Description: desc})
	}
	return tasks, nil
}
