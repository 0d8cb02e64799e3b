package orchestrator

import (
	"context"
	"fmt"

	"github.com/aristath/deepproduct/internal/checkpoint"
	"github.com/aristath/deepproduct/internal/consensus"
	"github.com/aristath/deepproduct/internal/events"
	"github.com/aristath/deepproduct/internal/memory"
	"github.com/aristath/deepproduct/internal/prompt"
	"github.com/aristath/deepproduct/internal/scheduler"
)

// HandleGate implements scheduler.GateHandler. The decision's policy settles
// the gate inline when it can; otherwise the gate is re-targeted at a
// coordinator agent. A decision that was reverted skips its policy, since
// the policy would only repeat the rejected answer.
func (r *run) HandleGate(ctx context.Context, task *scheduler.Task) error {
	dp := r.decision(task.Decision)
	if dp == nil {
		return fmt.Errorf("gate %s: unknown decision point %q", task.ID, task.Decision)
	}

	contributions := r.contributions(dp)
	if len(contributions) == 0 {
		return r.failGate(task, dp, "no completed contributions")
	}
	if r.reverted(dp.ID) {
		return r.escalate(task, dp, contributions, "previous resolution was reverted")
	}

	outcome := consensus.Resolve(dp, contributions)
	if !outcome.Resolved {
		return r.escalate(task, dp, contributions, outcome.Reason)
	}

	// The gate walks every state so the task graph never skips one.
	resolver := "policy:" + dp.Policy.String()
	dag := r.currentDAG()
	if err := dag.Assign(task.ID, resolver); err != nil {
		return err
	}
	if err := dag.MarkRunning(task.ID); err != nil {
		return err
	}
	if err := dag.MarkCompleted(task.ID, outcome.Output); err != nil {
		return err
	}
	r.resolve(ctx, task.ID, dp, outcome.Output, resolver, outcome.Winners, "")
	return nil
}

// resolveArbitrated records the answer of the coordinator for an escalated
// gate.
func (r *run) resolveArbitrated(ctx context.Context, task *scheduler.Task, agentID, output string) error {
	dp := r.decision(task.Decision)
	if dp == nil {
		return fmt.Errorf("gate %s: unknown decision point %q", task.ID, task.Decision)
	}
	r.resolve(ctx, task.ID, dp, output, agentID, dp.Contributors, "coordinator arbitration")
	return nil
}

// arbitrationFailed ends the escalation path: the run halts.
func (r *run) arbitrationFailed(task *scheduler.Task, agentID string, cause error) error {
	dp := r.decision(task.Decision)
	if dp == nil {
		return fmt.Errorf("gate %s: unknown decision point %q", task.ID, task.Decision)
	}
	return r.unresolved(task.ID, dp, agentID, fmt.Sprintf("coordinator arbitration failed: %v", cause))
}

func (r *run) decision(id string) *consensus.DecisionPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.decisions[id]
}

// reverted reports whether the newest history entry of a decision is a
// revert.
func (r *run) reverted(decisionID string) bool {
	entries := r.history.ForDecision(decisionID)
	return len(entries) > 0 && entries[len(entries)-1].Kind == consensus.EntryReverted
}

func (r *run) contributions(dp *consensus.DecisionPoint) []consensus.Contribution {
	dag := r.currentDAG()
	out := make([]consensus.Contribution, 0, len(dp.Contributors))
	for _, id := range dp.Contributors {
		t, ok := dag.Get(id)
		if !ok || t.State != scheduler.TaskCompleted {
			continue
		}
		c := consensus.Contribution{
			TaskID:      t.ID,
			AgentID:     t.AssignedAgent,
			Output:      t.Result,
			CompletedAt: t.CompletedAt,
			Seq:         t.Seq,
		}
		if a, ok := r.engine.registry.Get(t.AssignedAgent); ok {
			c.AgentWeight = a.Weight
		}
		out = append(out, c)
	}
	return out
}

// resolve records an accepted output. The history entry references the
// checkpoint taken right after, which is what a revert goes back to.
func (r *run) resolve(ctx context.Context, gateID string, dp *consensus.DecisionPoint, output, resolver string, winners []string, reason string) {
	e := r.engine
	cpID, err := e.checkpoints.Reserve(context.WithoutCancel(ctx), r.id)
	if err != nil {
		r.logger.Error("reserve decision checkpoint", "decision", dp.ID, "error", err)
	}

	r.mu.Lock()
	dp.State = consensus.StateResolved
	dp.ResolvedOutput = output
	dp.ResolvedBy = resolver
	dp.Reason = reason
	r.mu.Unlock()

	entry := r.history.Append(consensus.Entry{
		DecisionID:   dp.ID,
		Stage:        dp.Stage,
		Kind:         consensus.EntryResolved,
		Policy:       dp.Policy,
		Output:       output,
		Resolver:     resolver,
		Contributors: winners,
		CheckpointID: cpID,
		Reason:       reason,
		At:           e.now(),
	})
	r.publishDecision(events.EventTypeDecisionResolved, entry, gateID)
	r.remember(ctx, "decision:"+dp.ID, output, memory.PriorityHigh, "decision", dp.Stage)
	r.logger.Info("decision resolved", "decision", dp.ID, "policy", dp.Policy, "resolver", resolver)
	r.checkpointAs(ctx, cpID, checkpoint.ReasonDecision)
}

// escalate hands a decision to a coordinator agent: the gate becomes a work
// task for the coordinator capability carrying an arbitration prompt.
func (r *run) escalate(task *scheduler.Task, dp *consensus.DecisionPoint, contributions []consensus.Contribution, reason string) error {
	e := r.engine
	capability := e.cfg.Policy.CoordinatorCapability
	if len(e.registry.Capable([]string{capability}, nil)) == 0 {
		return r.failGate(task, dp, reason+"; no coordinator agent available")
	}

	candidates := make([]prompt.Candidate, len(contributions))
	for i, c := range contributions {
		candidates[i] = prompt.Candidate{TaskID: c.TaskID, AgentID: c.AgentID, Output: c.Output}
	}
	text, err := prompt.RenderArbitration(prompt.Arbitration{
		DecisionID: dp.ID,
		Stage:      dp.Stage,
		Policy:     dp.Policy.String(),
		Reason:     reason,
		Candidates: candidates,
	})
	if err != nil {
		return err
	}
	if err := r.currentDAG().Escalate(task.ID, []string{capability}, text); err != nil {
		return err
	}

	r.mu.Lock()
	dp.State = consensus.StateEscalated
	dp.Reason = reason
	r.mu.Unlock()

	entry := r.history.Append(consensus.Entry{
		DecisionID:   dp.ID,
		Stage:        dp.Stage,
		Kind:         consensus.EntryEscalated,
		Policy:       dp.Policy,
		Contributors: dp.Contributors,
		Reason:       reason,
		At:           e.now(),
	})
	r.publishDecision(events.EventTypeDecisionEscalated, entry, task.ID)
	r.logger.Warn("decision escalated", "decision", dp.ID, "policy", dp.Policy, "reason", reason)
	return nil
}

// failGate fails a Ready gate that cannot be escalated.
func (r *run) failGate(task *scheduler.Task, dp *consensus.DecisionPoint, reason string) error {
	resolver := "policy:" + dp.Policy.String()
	dag := r.currentDAG()
	if err := dag.Assign(task.ID, resolver); err != nil {
		return err
	}
	if err := dag.MarkRunning(task.ID); err != nil {
		return err
	}
	if err := dag.MarkFailed(task.ID, consensus.ErrDecisionUnresolved); err != nil {
		return err
	}
	return r.unresolved(task.ID, dp, resolver, reason)
}

// unresolved surfaces the decision to the operator and returns the error
// that halts the run.
func (r *run) unresolved(gateID string, dp *consensus.DecisionPoint, resolver, reason string) error {
	e := r.engine
	r.mu.Lock()
	dp.State = consensus.StateUnresolved
	dp.Reason = reason
	r.escalations = append(r.escalations, fmt.Sprintf("decision %s in stage %s needs an operator: %s", dp.ID, dp.Stage, reason))
	r.mu.Unlock()

	entry := r.history.Append(consensus.Entry{
		DecisionID:   dp.ID,
		Stage:        dp.Stage,
		Kind:         consensus.EntryUnresolved,
		Policy:       dp.Policy,
		Resolver:     resolver,
		Contributors: dp.Contributors,
		Reason:       reason,
		At:           e.now(),
	})
	r.publishDecision(events.EventTypeDecisionUnresolved, entry, gateID)
	r.logger.Error("decision unresolved", "decision", dp.ID, "reason", reason)
	return fmt.Errorf("decision %s: %s: %w", dp.ID, reason, consensus.ErrDecisionUnresolved)
}
