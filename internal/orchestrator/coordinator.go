package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/backend"
	"github.com/aristath/deepproduct/internal/checkpoint"
	"github.com/aristath/deepproduct/internal/config"
	"github.com/aristath/deepproduct/internal/consensus"
	"github.com/aristath/deepproduct/internal/events"
	"github.com/aristath/deepproduct/internal/memory"
	"github.com/aristath/deepproduct/internal/prompt"
	"github.com/aristath/deepproduct/internal/scheduler"
)

// stageError halts a run whose stage ended without a usable output.
type stageError struct {
	stage  string
	causes []string
}

func (e *stageError) Error() string {
	return fmt.Sprintf("stage %s failed: %s", e.stage, strings.Join(e.causes, "; "))
}

// vars returns the template values of the current stage.
func (r *run) vars() prompt.Vars {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := prompt.Vars{
		Idea:   r.idea,
		Stages: maps.Clone(r.stageOutputs),
	}
	if r.stageIndex < len(r.stages) {
		v.Stage = r.stages[r.stageIndex].Name
	}
	if r.stageIndex > 0 && r.stageIndex <= len(r.stages) {
		v.Input = r.stageOutputs[r.stages[r.stageIndex-1].Name]
	}
	if v.Stages == nil {
		v.Stages = map[string]string{}
	}
	return v
}

// seedStage builds the fresh DAG of a stage: one task per task template, with
// payloads rendered from the idea and earlier stage outputs, and one gate per
// decision point depending on its contributors.
func (r *run) seedStage(stage config.StageConfig) error {
	e := r.engine
	vars := r.vars()

	dag := scheduler.NewDAG()
	dag.SetClock(e.now)
	for _, tc := range stage.Tasks {
		payload, err := prompt.Render(tc.Payload, vars)
		if err != nil {
			return fmt.Errorf("stage %s task %s: %w", stage.Name, tc.ID, err)
		}
		err = dag.AddTask(&scheduler.Task{
			ID:                   tc.ID,
			Name:                 tc.Name,
			Stage:                stage.Name,
			Kind:                 scheduler.KindWork,
			RequiredCapabilities: append([]string(nil), tc.Capabilities...),
			Payload:              payload,
			Template:             tc.Template,
			Params:               maps.Clone(tc.Params),
			DependsOn:            append([]string(nil), tc.DependsOn...),
			Priority:             tc.Priority,
			Tolerant:             tc.Tolerant,
			MaxAttempts:          tc.MaxAttempts,
			Timeout:              tc.Timeout,
		})
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
	}

	decisions := make([]*consensus.DecisionPoint, 0, len(stage.Decisions))
	for _, dc := range stage.Decisions {
		policy, err := consensus.ParsePolicy(dc.Policy)
		if err != nil {
			return fmt.Errorf("stage %s decision %s: %w", stage.Name, dc.ID, err)
		}
		dp := &consensus.DecisionPoint{
			ID:           dc.ID,
			Stage:        stage.Name,
			Contributors: append([]string(nil), dc.Contributors...),
			Policy:       policy,
			Weights:      maps.Clone(dc.Weights),
			GateTaskID:   dc.ID,
			Tolerant:     dc.Tolerant,
			State:        consensus.StateOpen,
		}
		err = dag.AddTask(&scheduler.Task{
			ID:        dc.ID,
			Name:      "decision " + dc.ID,
			Stage:     stage.Name,
			Kind:      scheduler.KindDecision,
			Decision:  dc.ID,
			DependsOn: append([]string(nil), dc.Contributors...),
			Priority:  dc.Priority,
			Tolerant:  dc.Tolerant,
		})
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		decisions = append(decisions, dp)
	}

	if _, err := dag.Validate(); err != nil {
		return fmt.Errorf("stage %s: %w", stage.Name, err)
	}

	r.mu.Lock()
	r.dag = dag
	for _, dp := range decisions {
		if _, ok := r.decisions[dp.ID]; !ok {
			r.decisionIDs = append(r.decisionIDs, dp.ID)
		}
		r.decisions[dp.ID] = dp
	}
	index := r.stageIndex
	r.mu.Unlock()

	r.attach(dag)
	e.publish(events.TopicRun, events.StageStartedEvent{
		Run:       r.id,
		Stage:     stage.Name,
		Index:     index,
		Total:     len(r.stages),
		Timestamp: e.now(),
	})
	r.logger.Info("stage started", "stage", stage.Name, "tasks", dag.Len(), "decisions", len(decisions))
	return nil
}

// attach creates the dispatcher of the current stage DAG.
func (r *run) attach(dag *scheduler.DAG) {
	e := r.engine
	r.dispatcher = scheduler.NewDispatcher(dag, e.registry, r.sup, r, scheduler.DispatcherConfig{
		StarvationCycles: e.cfg.Policy.StarvationCycles,
		Logger:           r.logger,
		OnCapacityExhausted: func(w scheduler.CapacityExhausted) {
			e.publish(events.TopicTask, events.CapacityExhaustedEvent{
				Run:       r.id,
				ID:        w.TaskID,
				Required:  w.Required,
				Cycles:    w.Cycles,
				Timestamp: e.now(),
			})
		},
	})
	r.lastCounts = nil
	r.stageStart = e.now()
}

// stageResult checks a quiescent stage and returns its output: the result of
// the configured output task, or of the last sink. A failed task that no
// completed tolerant dependent absorbed, or a missing output, fails the
// stage. No output is guessed.
func (r *run) stageResult(stage config.StageConfig) (string, error) {
	dag := r.currentDAG()
	tasks := dag.Tasks()
	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var causes []string
	for _, t := range tasks {
		if t.State != scheduler.TaskFailed || absorbed(dag, byID, t.ID) {
			continue
		}
		causes = append(causes, fmt.Sprintf("task %s failed: %s", t.ID, t.LastError))
	}

	outputID := stage.Output
	if outputID == "" {
		if sinks := dag.Sinks(); len(sinks) > 0 {
			outputID = sinks[len(sinks)-1]
		}
	}
	out, ok := byID[outputID]
	switch {
	case !ok:
		causes = append(causes, fmt.Sprintf("stage %s has no output task", stage.Name))
	case out.State != scheduler.TaskCompleted:
		causes = append(causes, fmt.Sprintf("output task %s %s", out.ID, out.State))
	}

	if len(causes) > 0 {
		return "", &stageError{stage: stage.Name, causes: causes}
	}
	return out.Result, nil
}

func absorbed(dag *scheduler.DAG, byID map[string]*scheduler.Task, id string) bool {
	for _, dep := range dag.Dependents(id) {
		if t, ok := byID[dep]; ok && t.Tolerant && t.State == scheduler.TaskCompleted {
			return true
		}
	}
	return false
}

// advance records the output of a finished stage and seeds the next one.
func (r *run) advance(ctx context.Context, stage config.StageConfig, output string) error {
	e := r.engine
	r.mu.Lock()
	r.stageOutputs[stage.Name] = output
	r.stageIndex++
	last := r.stageIndex >= len(r.stages)
	r.mu.Unlock()

	duration := e.now().Sub(r.stageStart)
	r.remember(ctx, "stage:"+stage.Name, output, memory.PriorityHigh, "stage", stage.Name)
	e.publish(events.TopicRun, events.StageCompletedEvent{
		Run:       r.id,
		Stage:     stage.Name,
		Output:    output,
		Duration:  duration,
		Timestamp: e.now(),
	})
	r.logger.Info("stage completed", "stage", stage.Name, "duration", duration)

	if last {
		return nil
	}
	r.writeIndex(ctx)
	if err := r.seedStage(r.stages[r.stageIndex]); err != nil {
		return err
	}
	r.checkpoint(ctx, checkpoint.ReasonStage)
	return nil
}

// buildRequest renders the prompt of one attempt. A task template sees the
// stage values plus the task payload and dependency results; without one the
// payload is followed by the dependency results.
func (r *run) buildRequest(task *scheduler.Task, a agent.Agent) (backend.Request, error) {
	text := prompt.Compose(task.Payload, task.OrderedInputs())
	if task.Template != "" {
		vars := r.vars()
		vars.Payload = task.Payload
		vars.Inputs = maps.Clone(task.Inputs)
		if vars.Inputs == nil {
			vars.Inputs = map[string]string{}
		}
		var err error
		if text, err = prompt.Render(task.Template, vars); err != nil {
			return backend.Request{}, fmt.Errorf("task %s: %w", task.ID, err)
		}
	}
	return backend.Request{
		Profile: profileOf(a),
		TaskID:  task.ID,
		Stage:   task.Stage,
		Prompt:  text,
		Inputs:  maps.Clone(task.Inputs),
		Params:  maps.Clone(task.Params),
	}, nil
}

// restore loads run state from a checkpoint. The stage list is taken from
// the current configuration by the names recorded in the checkpoint.
func (r *run) restore(cp *checkpoint.Checkpoint, dag *scheduler.DAG, history *consensus.History) error {
	stages := make([]config.StageConfig, 0, len(cp.Run.Stages))
	for _, name := range cp.Run.Stages {
		sc, ok := r.engine.cfg.Stage(name)
		if !ok {
			return fmt.Errorf("stage %s is no longer configured", name)
		}
		stages = append(stages, sc)
	}
	if cp.Run.StageIndex < 0 || cp.Run.StageIndex > len(stages) {
		return fmt.Errorf("checkpoint %s: stage index %d out of range", cp.ID, cp.Run.StageIndex)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = stages
	r.stageIndex = cp.Run.StageIndex
	r.stageOutputs = maps.Clone(cp.Run.StageOutputs)
	if r.stageOutputs == nil {
		r.stageOutputs = make(map[string]string)
	}
	r.state = RunRunning
	r.cause = append([]string(nil), cp.Run.Cause...)
	r.escalations = append([]string(nil), cp.Run.Escalations...)
	r.startedAt = cp.Run.StartedAt
	r.finishedAt = cp.Run.FinishedAt
	for _, dp := range cp.Decisions {
		if _, ok := r.decisions[dp.ID]; !ok {
			r.decisionIDs = append(r.decisionIDs, dp.ID)
		}
		r.decisions[dp.ID] = dp.Clone()
	}
	r.history = history
	if len(cp.Tasks) > 0 {
		dag.SetClock(r.engine.now)
		r.dag = dag
	}
	return nil
}

// reopenDecision rebuilds the DAG of cp with the gate of decisionID and
// everything downstream of it reset to Pending. Contributor results are
// kept, so the gate becomes Ready again at once. Decision points of reset
// gates are re-opened.
func reopenDecision(cp *checkpoint.Checkpoint, decisionID string) (*scheduler.DAG, []*consensus.DecisionPoint, error) {
	dp, ok := cp.Decision(decisionID)
	if !ok {
		return nil, nil, fmt.Errorf("decision %s is not part of checkpoint %s", decisionID, cp.ID)
	}

	byID := make(map[string]*scheduler.Task, len(cp.Tasks))
	dependents := make(map[string][]string)
	for _, t := range cp.Tasks {
		byID[t.ID] = t
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}
	if _, ok := byID[dp.GateTaskID]; !ok {
		return nil, nil, fmt.Errorf("gate task %s is not part of checkpoint %s", dp.GateTaskID, cp.ID)
	}

	reset := map[string]bool{dp.GateTaskID: true}
	queue := []string{dp.GateTaskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[id] {
			if !reset[dep] {
				reset[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	for id := range reset {
		resetTask(byID[id])
	}

	decisions := make([]*consensus.DecisionPoint, len(cp.Decisions))
	for i, d := range cp.Decisions {
		decisions[i] = d.Clone()
		if reset[d.GateTaskID] {
			decisions[i].Reopen()
		}
	}

	dag, err := scheduler.RestoreDAG(cp.Tasks)
	if err != nil {
		return nil, nil, err
	}
	return dag, decisions, nil
}

// resetTask returns a task to its seeded form. Escalated gates become
// decision gates again.
func resetTask(t *scheduler.Task) {
	t.State = scheduler.TaskPending
	t.AssignedAgent = ""
	t.AttemptCount = 0
	t.TriedAgents = nil
	t.Inputs = nil
	t.Result = ""
	t.LastError = ""
	t.ReadyCycles = 0
	t.CompletedAt = time.Time{}
	if t.Decision != "" {
		t.Kind = scheduler.KindDecision
		t.Escalated = false
		t.RequiredCapabilities = nil
		t.Payload = ""
		t.Template = ""
		t.MaxAttempts = 0
	}
}
