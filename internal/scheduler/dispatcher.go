package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aristath/deepproduct/internal/agent"
)

// Starter hands an Assigned task to the execution supervisor. Start takes
// ownership of the lease, also when it returns an error, and must release it
// exactly once when the attempt reaches a terminal outcome.
type Starter interface {
	Start(ctx context.Context, task *Task, lease *agent.Lease) error
}

// GateHandler resolves Ready decision gates.
type GateHandler interface {
	HandleGate(ctx context.Context, task *Task) error
}

// CapacityExhausted is the warning raised when a task has waited for an
// eligible agent for StarvationCycles dispatch cycles. It is not an error:
// the task keeps waiting.
type CapacityExhausted struct {
	TaskID   string
	Required []string
	Cycles   int
}

func (c CapacityExhausted) String() string {
	return fmt.Sprintf("capacity exhausted: task %q waited %d cycles for %v", c.TaskID, c.Cycles, c.Required)
}

// DispatcherConfig tunes the dispatch policy.
type DispatcherConfig struct {
	StarvationCycles    int // 0 disables the warning
	Logger              *slog.Logger
	OnCapacityExhausted func(CapacityExhausted)
}

// CycleResult summarizes one dispatch cycle.
type CycleResult struct {
	Dispatched int
	Gates      int
	Waiting    int
	Warnings   []CapacityExhausted
}

// Dispatcher assigns Ready tasks to eligible agents.
//
// It is driven by the run loop and is not safe for concurrent Cycle calls on
// the same DAG.
type Dispatcher struct {
	dag      *DAG
	registry *agent.Registry
	starter  Starter
	gates    GateHandler
	cfg      DispatcherConfig
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher for one DAG.
func NewDispatcher(dag *DAG, registry *agent.Registry, starter Starter, gates GateHandler, cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		dag:      dag,
		registry: registry,
		starter:  starter,
		gates:    gates,
		cfg:      cfg,
		logger:   logger,
	}
}

// DAG returns the graph this dispatcher drives.
func (d *Dispatcher) DAG() *DAG {
	return d.dag
}

// Cycle runs one dispatch cycle over the Ready tasks in order. Tasks with no
// eligible agent stay Ready. A returned error is an integrity failure and
// should halt the run.
func (d *Dispatcher) Cycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	for task := range d.dag.ReadyTasks() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if task.Kind == KindDecision {
			if d.gates == nil {
				return res, fmt.Errorf("decision gate %q is ready but no gate handler is configured", task.ID)
			}
			if err := d.gates.HandleGate(ctx, task); err != nil {
				return res, fmt.Errorf("decision gate %q: %w", task.ID, err)
			}
			res.Gates++
			continue
		}

		ok, err := d.tryDispatch(ctx, task)
		if err != nil {
			return res, err
		}
		if ok {
			res.Dispatched++
			continue
		}

		res.Waiting++
		cycles := d.dag.IncrementReadyCycles(task.ID)
		if d.cfg.StarvationCycles > 0 && cycles == d.cfg.StarvationCycles {
			w := CapacityExhausted{TaskID: task.ID, Required: task.RequiredCapabilities, Cycles: cycles}
			res.Warnings = append(res.Warnings, w)
			d.logger.Warn("capacity exhausted", "task", task.ID, "required", task.RequiredCapabilities, "cycles", cycles)
			if d.cfg.OnCapacityExhausted != nil {
				d.cfg.OnCapacityExhausted(w)
			}
		}
	}

	return res, nil
}

// Retry moves a Running task whose attempt failed to a different eligible
// agent. When none is free it requeues the task as Ready for a later cycle.
// It reports whether the task was reassigned immediately.
func (d *Dispatcher) Retry(ctx context.Context, taskID string) (bool, error) {
	task, ok := d.dag.Get(taskID)
	if !ok {
		return false, fmt.Errorf("retry %q: %w", taskID, ErrTaskNotFound)
	}

	for _, a := range d.registry.FindEligible(task.RequiredCapabilities, d.exclusions(task)) {
		lease, err := d.registry.Acquire(a.ID)
		if err != nil {
			continue
		}
		if err := d.dag.Reassign(taskID, a.ID); err != nil {
			lease.Release()
			return false, err
		}
		assigned, _ := d.dag.Get(taskID)
		if err := d.starter.Start(ctx, assigned, lease); err != nil {
			return false, fmt.Errorf("start %q on %s: %w", taskID, a.ID, err)
		}
		return true, nil
	}

	if err := d.dag.Requeue(taskID); err != nil {
		return false, err
	}
	return false, nil
}

// tryDispatch assigns a Ready task to the first agent that can be leased.
func (d *Dispatcher) tryDispatch(ctx context.Context, task *Task) (bool, error) {
	for _, a := range d.registry.FindEligible(task.RequiredCapabilities, d.exclusions(task)) {
		lease, err := d.registry.Acquire(a.ID)
		if err != nil {
			// Lost a race for the last slot; try the next candidate.
			continue
		}
		if err := d.dag.Assign(task.ID, a.ID); err != nil {
			lease.Release()
			return false, err
		}
		assigned, _ := d.dag.Get(task.ID)
		d.logger.Debug("task assigned", "task", task.ID, "agent", a.ID, "attempt", assigned.AttemptCount+1)
		if err := d.starter.Start(ctx, assigned, lease); err != nil {
			return false, fmt.Errorf("start %q on %s: %w", task.ID, a.ID, err)
		}
		return true, nil
	}
	return false, nil
}

// exclusions returns the agents a retry should avoid. Every previously tried
// agent is excluded while another capable agent exists; otherwise only the
// most recent one, and if it is the only capable agent, none.
func (d *Dispatcher) exclusions(task *Task) map[string]bool {
	if len(task.TriedAgents) == 0 {
		return nil
	}

	all := make(map[string]bool, len(task.TriedAgents))
	for _, id := range task.TriedAgents {
		all[id] = true
	}
	if len(d.registry.Capable(task.RequiredCapabilities, all)) > 0 {
		return all
	}

	last := map[string]bool{task.TriedAgents[len(task.TriedAgents)-1]: true}
	if len(d.registry.Capable(task.RequiredCapabilities, last)) > 0 {
		return last
	}
	return nil
}
