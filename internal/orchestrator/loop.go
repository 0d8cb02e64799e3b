package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/backend"
	"github.com/aristath/deepproduct/internal/checkpoint"
	"github.com/aristath/deepproduct/internal/config"
	"github.com/aristath/deepproduct/internal/consensus"
	"github.com/aristath/deepproduct/internal/events"
	"github.com/aristath/deepproduct/internal/memory"
	"github.com/aristath/deepproduct/internal/persistence"
	"github.com/aristath/deepproduct/internal/scheduler"
)

// errAbortRequested stops the stage loop when the operator aborts.
var errAbortRequested = errors.New("abort requested")

// run is one idea moving through the stage pipeline.
//
// The loop goroutine is the only writer of the DAG, the decision points and
// the run metadata. Fields read by snapshots are guarded by mu.
type run struct {
	engine *Engine
	id     string
	idea   string
	logger *slog.Logger
	memory *memory.Manager

	mu           sync.RWMutex
	stages       []config.StageConfig
	stageIndex   int
	stageOutputs map[string]string
	dag          *scheduler.DAG
	decisions    map[string]*consensus.DecisionPoint
	decisionIDs  []string // insertion order
	state        RunState
	cause        []string
	escalations  []string
	startedAt    time.Time
	finishedAt   time.Time

	history    *consensus.History
	dispatcher *scheduler.Dispatcher
	sup        *supervisor
	queue      *completionQueue
	completed  int // task completions since the run loop started
	lastCounts map[scheduler.TaskState]int
	stageStart time.Time

	attemptCtx context.Context
	cancel     context.CancelCauseFunc
	stopTimer  context.CancelFunc
	abortCh    chan struct{}
	abortOnce  sync.Once
	done       chan struct{}
}

func newRun(e *Engine, id, idea string) *run {
	logger := e.logger.With("run_id", id)
	r := &run{
		engine:       e,
		id:           id,
		idea:         idea,
		logger:       logger,
		memory:       memory.NewManager(e.store, id, logger),
		stages:       e.cfg.Stages,
		stageOutputs: make(map[string]string),
		decisions:    make(map[string]*consensus.DecisionPoint),
		history:      consensus.NewHistory(),
		abortCh:      make(chan struct{}),
		done:         make(chan struct{}),
	}

	capacity := 0
	for _, a := range e.registry.All() {
		capacity += a.MaxConcurrency
	}
	r.queue = newCompletionQueue(2 * capacity)
	r.sup = newSupervisor(r, r.queue)

	ctx, cancel := context.WithCancelCause(e.baseCtx)
	r.cancel = cancel
	r.attemptCtx, r.stopTimer = ctx, func() {}
	if e.cfg.Policy.RunTimeout > 0 {
		r.attemptCtx, r.stopTimer = context.WithTimeoutCause(ctx, e.cfg.Policy.RunTimeout, ErrRunTimeout)
	}
	return r
}

// stopped reports whether the run loop has exited.
func (r *run) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) requestAbort() {
	r.abortOnce.Do(func() { close(r.abortCh) })
}

func (r *run) currentDAG() *scheduler.DAG {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dag
}

func (r *run) stageName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stageIndex < len(r.stages) {
		return r.stages[r.stageIndex].Name
	}
	return ""
}

// execute drives the run until it finishes or is interrupted.
func (r *run) execute(resumed bool) {
	e := r.engine
	ctx := r.attemptCtx
	defer r.cancel(nil)
	defer r.stopTimer()
	defer r.queue.close()

	e.publish(events.TopicRun, events.RunStartedEvent{
		Run:       r.id,
		Idea:      r.idea,
		Resumed:   resumed,
		Timestamp: e.now(),
	})
	if !resumed {
		r.logger.Info("run started", "idea", r.idea, "stages", len(r.stages))
	}
	r.writeIndex(ctx)

	err := r.drive(ctx)
	switch {
	case err == nil:
		r.finish(ctx, RunCompleted, nil)

	case errors.Is(err, errAbortRequested):
		r.drain(e.cfg.Policy.CancelGrace)
		r.halt("run aborted")
		r.finish(ctx, RunAborted, []string{"aborted by operator"})

	case errors.Is(context.Cause(ctx), ErrRunTimeout):
		r.halt(ErrRunTimeout.Error())
		r.finish(ctx, RunFailed, append([]string{ErrRunTimeout.Error()}, r.failureCauses()...))

	case ctx.Err() != nil:
		// Interrupted by the caller or engine shutdown. The run stays
		// resumable: in-flight tasks are restored as Ready.
		r.sup.abandon()
		r.checkpoint(ctx, checkpoint.ReasonInterrupted)
		r.flush(ctx)
		r.logger.Warn("run interrupted", "stage", r.stageName(), "cause", context.Cause(ctx))

	default:
		var se *stageError
		var causes []string
		if errors.As(err, &se) {
			causes = se.causes
		} else {
			r.halt(err.Error())
			causes = append([]string{err.Error()}, r.failureCauses()...)
		}
		r.finish(ctx, RunFailed, causes)
	}
}

// drive runs the remaining stages in order.
func (r *run) drive(ctx context.Context) error {
	for r.stageIndex < len(r.stages) {
		stage := r.stages[r.stageIndex]
		if r.dispatcher == nil {
			if dag := r.currentDAG(); dag != nil {
				r.attach(dag)
			} else {
				if err := r.seedStage(stage); err != nil {
					return err
				}
				r.checkpoint(ctx, checkpoint.ReasonStage)
			}
		}

		if err := r.runStage(ctx); err != nil {
			return err
		}
		output, err := r.stageResult(stage)
		if err != nil {
			return err
		}
		if err := r.advance(ctx, stage, output); err != nil {
			return err
		}
	}
	return nil
}

// runStage dispatches until the stage DAG is quiescent and no attempt is in
// flight. Completions wake the loop; the ticker picks up agents that became
// available without a completion, e.g. after a reinstatement.
func (r *run) runStage(ctx context.Context) error {
	ticker := time.NewTicker(r.engine.cfg.Policy.DispatchInterval)
	defer ticker.Stop()

	for {
		res, err := r.dispatcher.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		r.publishProgress()
		if res.Gates > 0 {
			// Settled gates may have made new tasks Ready.
			continue
		}

		if r.sup.active() == 0 && r.currentDAG().Quiescent() {
			return nil
		}

		select {
		case o := <-r.queue.outcomes():
			if err := r.handleOutcome(ctx, o); err != nil {
				return err
			}
		case <-ticker.C:
		case <-r.abortCh:
			return errAbortRequested
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleOutcome applies one attempt outcome. Every outcome gives its lease
// back; stale ones change nothing else.
func (r *run) handleOutcome(ctx context.Context, o Outcome) error {
	if !r.sup.finish(o) {
		r.logger.Debug("stale outcome ignored", "task", o.TaskID, "agent", o.AgentID, "attempt", o.Attempt)
		return nil
	}
	task, ok := r.currentDAG().Get(o.TaskID)
	if !ok || task.State != scheduler.TaskRunning || task.AssignedAgent != o.AgentID || task.AttemptCount != o.Attempt {
		r.logger.Debug("stale outcome ignored", "task", o.TaskID, "agent", o.AgentID, "attempt", o.Attempt)
		return nil
	}

	if o.Err == nil {
		return r.onSuccess(ctx, task, o)
	}
	if ctx.Err() != nil {
		// Cut short by the run itself, not the agent's doing.
		return ctx.Err()
	}
	return r.onFailure(ctx, task, o)
}

func (r *run) onSuccess(ctx context.Context, task *scheduler.Task, o Outcome) error {
	e := r.engine
	if err := r.currentDAG().MarkCompleted(task.ID, o.Response.Content); err != nil {
		return err
	}
	e.registry.RecordSuccess(o.AgentID)
	e.publish(events.TopicTask, events.TaskCompletedEvent{
		Run:       r.id,
		ID:        task.ID,
		Stage:     task.Stage,
		AgentID:   o.AgentID,
		Result:    o.Response.Content,
		Duration:  o.Duration,
		Timestamp: e.now(),
	})
	r.logger.Info("task completed", "task", task.ID, "agent", o.AgentID, "attempt", o.Attempt, "duration", o.Duration)
	r.remember(ctx, "task:"+task.ID, o.Response.Content, memory.PriorityNormal, "task", task.Stage)

	if task.Escalated {
		return r.resolveArbitrated(ctx, task, o.AgentID, o.Response.Content)
	}

	r.completed++
	if every := e.cfg.Policy.CheckpointEvery; every > 0 && r.completed%every == 0 {
		r.checkpoint(ctx, checkpoint.ReasonCompletions)
	}
	return nil
}

func (r *run) onFailure(ctx context.Context, task *scheduler.Task, o Outcome) error {
	e := r.engine
	kind := backend.Classify(o.Err)
	failures := e.registry.RecordFailure(o.AgentID)
	if o.BreakerOpen {
		r.degrade(o.AgentID, "circuit breaker open")
	}

	final := task.Escalated || task.AttemptCount >= r.maxAttempts(task)
	e.publish(events.TopicTask, events.TaskFailedEvent{
		Run:       r.id,
		ID:        task.ID,
		Stage:     task.Stage,
		AgentID:   o.AgentID,
		Attempt:   o.Attempt,
		Kind:      kind.String(),
		Err:       o.Err,
		Final:     final,
		Duration:  o.Duration,
		Timestamp: e.now(),
	})
	r.logger.Warn("task attempt failed",
		"task", task.ID, "agent", o.AgentID, "attempt", o.Attempt,
		"kind", kind, "agent_failures", failures, "final", final, "error", o.Err)

	if !final {
		_, err := r.dispatcher.Retry(ctx, task.ID)
		return err
	}

	if err := r.currentDAG().MarkFailed(task.ID, o.Err); err != nil {
		return err
	}
	if isMalfunction(o.Err) {
		r.degrade(o.AgentID, kind.String())
	}
	if task.Escalated {
		return r.arbitrationFailed(task, o.AgentID, o.Err)
	}
	return nil
}

func (r *run) maxAttempts(task *scheduler.Task) int {
	if task.MaxAttempts > 0 {
		return task.MaxAttempts
	}
	if n := r.engine.cfg.Policy.MaxAttempts; n > 0 {
		return n
	}
	return 1
}

func (r *run) degrade(agentID, reason string) {
	a, ok := r.engine.registry.Get(agentID)
	if !ok || a.Status == agent.StatusDegraded || a.Status == agent.StatusOffline {
		return
	}
	if err := r.engine.registry.MarkStatus(agentID, agent.StatusDegraded); err != nil {
		r.logger.Error("failed to degrade agent", "agent", agentID, "error", err)
		return
	}
	r.logger.Warn("agent degraded", "agent", agentID, "reason", reason)
}

// drain waits up to grace for in-flight attempts to acknowledge their
// cancellation.
func (r *run) drain(grace time.Duration) {
	r.sup.cancelAll()
	if r.sup.active() == 0 {
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for r.sup.active() > 0 {
		select {
		case o := <-r.queue.outcomes():
			r.sup.finish(o)
		case <-timer.C:
			return
		}
	}
}

// halt stops all work of the current stage: attempts still in flight are
// abandoned and every non-terminal task is cancelled.
func (r *run) halt(reason string) {
	for _, id := range r.sup.abandon() {
		r.logger.Debug("attempt abandoned", "task", id)
	}
	dag := r.currentDAG()
	if dag == nil {
		return
	}

	// Cancelling can promote tolerant dependents, so sweep until nothing
	// is left to cancel.
	for range dag.Len() + 1 {
		cancelled := 0
		for _, t := range dag.Tasks() {
			if t.State.Terminal() {
				continue
			}
			if err := dag.Cancel(t.ID, reason); err != nil {
				continue
			}
			cancelled++
			r.engine.publish(events.TopicTask, events.TaskCancelledEvent{
				Run:       r.id,
				ID:        t.ID,
				Reason:    reason,
				Timestamp: r.engine.now(),
			})
		}
		if cancelled == 0 {
			break
		}
	}
	r.publishProgress()
}

// failureCauses returns the last error of every failed task of the current
// stage.
func (r *run) failureCauses() []string {
	dag := r.currentDAG()
	if dag == nil {
		return nil
	}
	var out []string
	for _, t := range dag.Tasks() {
		if t.State == scheduler.TaskFailed {
			out = append(out, fmt.Sprintf("task %s: %s", t.ID, t.LastError))
		}
	}
	return out
}

// finish records the terminal state, writes the terminal checkpoint and
// waits for it to be durable.
func (r *run) finish(ctx context.Context, state RunState, causes []string) {
	e := r.engine
	r.mu.Lock()
	r.state = state
	r.cause = causes
	r.finishedAt = e.now()
	duration := r.finishedAt.Sub(r.startedAt)
	r.mu.Unlock()

	r.checkpoint(ctx, checkpoint.ReasonTerminal)
	r.flush(ctx)
	r.writeIndex(ctx)

	e.publish(events.TopicRun, events.RunFinishedEvent{
		Run:       r.id,
		State:     state.String(),
		Cause:     causes,
		Duration:  duration,
		Timestamp: e.now(),
	})
	if state == RunCompleted {
		r.logger.Info("run completed", "duration", duration)
	} else {
		r.logger.Error("run finished", "state", state, "cause", causes)
	}
}

// checkpoint snapshots the run. Checkpoint failures are logged, not fatal:
// the previous checkpoint remains a valid recovery point.
func (r *run) checkpoint(ctx context.Context, reason string) {
	r.checkpointAs(ctx, "", reason)
}

func (r *run) checkpointAs(ctx context.Context, id, reason string) {
	snap := r.checkpointSnapshot(id, reason)
	if _, err := r.engine.checkpoints.Checkpoint(context.WithoutCancel(ctx), snap); err != nil {
		r.logger.Error("checkpoint failed", "reason", reason, "error", err)
	}
}

func (r *run) flush(ctx context.Context) {
	if err := r.engine.checkpoints.Flush(context.WithoutCancel(ctx)); err != nil {
		r.logger.Error("checkpoint flush failed", "error", err)
	}
}

func (r *run) checkpointSnapshot(id, reason string) checkpoint.Snapshot {
	r.mu.RLock()
	meta := checkpoint.RunMeta{
		Idea:         r.idea,
		State:        r.state.String(),
		Stages:       stageNames(r.stages),
		StageIndex:   r.stageIndex,
		StageOutputs: maps.Clone(r.stageOutputs),
		Cause:        append([]string(nil), r.cause...),
		Escalations:  append([]string(nil), r.escalations...),
		StartedAt:    r.startedAt,
		FinishedAt:   r.finishedAt,
	}
	var tasks []*scheduler.Task
	if r.dag != nil {
		tasks = r.dag.Snapshot()
	}
	decisions := r.decisionsLocked()
	r.mu.RUnlock()

	return checkpoint.Snapshot{
		ID:        id,
		RunID:     r.id,
		Reason:    reason,
		Run:       meta,
		Tasks:     tasks,
		Agents:    r.engine.registry.Snapshot(),
		Decisions: decisions,
		History:   r.history.Entries(),
	}
}

// decisionsLocked returns copies of the decision points in insertion order.
// Callers hold mu.
func (r *run) decisionsLocked() []*consensus.DecisionPoint {
	out := make([]*consensus.DecisionPoint, 0, len(r.decisionIDs))
	for _, id := range r.decisionIDs {
		out = append(out, r.decisions[id].Clone())
	}
	return out
}

// remember writes into the run's shared memory. Memory is best effort; a
// failed write never fails the run.
func (r *run) remember(ctx context.Context, key, content string, priority memory.Priority, tags ...string) {
	err := r.memory.Save(context.WithoutCancel(ctx), key, content, memory.SaveOptions{
		Priority: priority,
		Tags:     tags,
	})
	if err != nil {
		r.logger.Warn("memory write failed", "key", key, "error", err)
	}
}

func (r *run) summary() RunSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := RunSummary{
		ID:         r.id,
		Idea:       r.idea,
		State:      r.state,
		Cause:      append([]string(nil), r.cause...),
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
	if r.stageIndex < len(r.stages) {
		s.Stage = r.stages[r.stageIndex].Name
	}
	return s
}

// writeIndex stores the run's row of the run index.
func (r *run) writeIndex(ctx context.Context) {
	data, err := json.Marshal(r.summary())
	if err != nil {
		r.logger.Error("encode run index", "error", err)
		return
	}
	if err := r.engine.store.Put(context.WithoutCancel(ctx), persistence.RunKey(r.id), data); err != nil {
		r.logger.Error("write run index", "error", err)
	}
}

func (r *run) publishProgress() {
	dag := r.currentDAG()
	if dag == nil {
		return
	}
	counts := dag.Counts()
	if maps.Equal(counts, r.lastCounts) {
		return
	}
	r.lastCounts = counts
	r.engine.publish(events.TopicRun, events.DAGProgressEvent{
		Run:       r.id,
		Stage:     r.stageName(),
		Total:     dag.Len(),
		Pending:   counts[scheduler.TaskPending],
		Ready:     counts[scheduler.TaskReady],
		Running:   counts[scheduler.TaskAssigned] + counts[scheduler.TaskRunning],
		Completed: counts[scheduler.TaskCompleted],
		Failed:    counts[scheduler.TaskFailed],
		Cancelled: counts[scheduler.TaskCancelled],
		Timestamp: r.engine.now(),
	})
}

func (r *run) publishDecision(eventType string, entry consensus.Entry, gateTaskID string) {
	r.engine.publish(events.TopicDecision, events.DecisionEvent{
		Type:       eventType,
		Run:        r.id,
		DecisionID: entry.DecisionID,
		GateTaskID: gateTaskID,
		Policy:     entry.Policy.String(),
		Resolver:   entry.Resolver,
		Output:     entry.Output,
		Reason:     entry.Reason,
		Timestamp:  entry.At,
	})
}

// snapshot builds the live operator view.
func (r *run) snapshot(ctx context.Context) (*RunSnapshot, error) {
	ids, err := r.engine.checkpoints.List(ctx, r.id)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	s := &RunSnapshot{
		ID:           r.id,
		Idea:         r.idea,
		State:        r.state,
		Active:       !r.state.Terminal() && !r.stopped(),
		StageIndex:   r.stageIndex,
		Stages:       stageNames(r.stages),
		StageOutputs: maps.Clone(r.stageOutputs),
		Counts:       map[string]int{},
		Agents:       r.engine.registry.All(),
		Decisions:    r.decisionsLocked(),
		Escalations:  append([]string(nil), r.escalations...),
		History:      r.history.Entries(),
		Checkpoints:  ids,
		Cause:        append([]string(nil), r.cause...),
		StartedAt:    r.startedAt,
		FinishedAt:   r.finishedAt,
	}
	if r.stageIndex < len(r.stages) {
		s.Stage = r.stages[r.stageIndex].Name
	}
	if r.dag != nil {
		tasks := r.dag.Tasks()
		s.Tasks = summarizeTasks(tasks)
		for _, t := range tasks {
			s.Counts[t.State.String()]++
		}
	}
	return s, nil
}

// snapshotFromCheckpoint builds the operator view of a run that is not
// active.
func snapshotFromCheckpoint(cp *checkpoint.Checkpoint, ids []string) *RunSnapshot {
	state, _ := ParseRunState(cp.Run.State)
	s := &RunSnapshot{
		ID:           cp.RunID,
		Idea:         cp.Run.Idea,
		State:        state,
		StageIndex:   cp.Run.StageIndex,
		Stages:       cp.Run.Stages,
		StageOutputs: cp.Run.StageOutputs,
		Tasks:        summarizeTasks(cp.Tasks),
		Counts:       map[string]int{},
		Agents:       cp.Agents,
		Decisions:    cp.Decisions,
		Escalations:  cp.Run.Escalations,
		History:      cp.History,
		Checkpoints:  ids,
		Cause:        cp.Run.Cause,
		StartedAt:    cp.Run.StartedAt,
		FinishedAt:   cp.Run.FinishedAt,
	}
	if cp.Run.StageIndex < len(cp.Run.Stages) {
		s.Stage = cp.Run.Stages[cp.Run.StageIndex]
	}
	for _, t := range cp.Tasks {
		s.Counts[t.State.String()]++
	}
	return s
}

func stageNames(stages []config.StageConfig) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.Name
	}
	return out
}
