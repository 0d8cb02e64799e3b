package scheduler

import (
	"fmt"
	"time"
)

// TaskState represents the current state of a task.
type TaskState int

const (
	TaskPending   TaskState = iota // Waiting for dependencies
	TaskReady                      // All dependencies resolved, waiting for an agent
	TaskAssigned                   // Agent reserved, invocation not started
	TaskRunning                    // Invocation in flight
	TaskCompleted                  // Finished successfully
	TaskFailed                     // Attempts exhausted
	TaskCancelled                  // Dependency failed, or run aborted
)

var taskStateNames = [...]string{
	TaskPending:   "pending",
	TaskReady:     "ready",
	TaskAssigned:  "assigned",
	TaskRunning:   "running",
	TaskCompleted: "completed",
	TaskFailed:    "failed",
	TaskCancelled: "cancelled",
}

func (s TaskState) String() string {
	if s >= 0 && int(s) < len(taskStateNames) {
		return taskStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *TaskState) UnmarshalText(b []byte) error {
	for i, name := range taskStateNames {
		if name == string(b) {
			*s = TaskState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown task state: %q", b)
}

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// transitions is the task state machine. Anything not listed is rejected.
var transitions = map[TaskState][]TaskState{
	TaskPending:  {TaskReady, TaskCancelled},
	TaskReady:    {TaskAssigned, TaskCancelled},
	TaskAssigned: {TaskRunning, TaskReady, TaskCancelled},
	TaskRunning:  {TaskCompleted, TaskFailed, TaskAssigned, TaskReady, TaskCancelled},
}

// CanTransition reports whether from -> to is a legal task transition.
func CanTransition(from, to TaskState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskKind distinguishes agent work from decision gates.
type TaskKind int

const (
	KindWork     TaskKind = iota // Executed by an agent
	KindDecision                 // Reconciles the outputs of its dependencies
)

func (k TaskKind) String() string {
	if k == KindDecision {
		return "decision"
	}
	return "work"
}

// Task represents a unit of work in the DAG.
type Task struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name,omitempty"`
	Stage                string            `json:"stage,omitempty"`
	Kind                 TaskKind          `json:"kind"`
	Decision             string            `json:"decision,omitempty"` // decision point ID for gates
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Payload              string            `json:"payload,omitempty"`  // opaque input
	Template             string            `json:"template,omitempty"` // prompt template, rendered with inputs
	Params               map[string]string `json:"params,omitempty"`
	DependsOn            []string          `json:"depends_on,omitempty"`
	Priority             int               `json:"priority,omitempty"`
	Tolerant             bool              `json:"tolerant,omitempty"` // runs on partial dependency failure
	MaxAttempts          int               `json:"max_attempts,omitempty"`
	Timeout              time.Duration     `json:"timeout,omitempty"`

	State         TaskState         `json:"state"`
	AssignedAgent string            `json:"assigned_agent,omitempty"`
	AttemptCount  int               `json:"attempt_count"`
	TriedAgents   []string          `json:"tried_agents,omitempty"`
	Inputs        map[string]string `json:"inputs,omitempty"` // completed dependency ID -> result
	Result        string            `json:"result,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	ReadyCycles   int               `json:"ready_cycles,omitempty"`
	Escalated     bool              `json:"escalated,omitempty"`
	CompletedAt   time.Time         `json:"completed_at,omitzero"`
	Seq           int               `json:"seq"`
}

// OrderedInputs returns the completed dependency results in DependsOn order.
func (t *Task) OrderedInputs() []string {
	out := make([]string, 0, len(t.Inputs))
	for _, dep := range t.DependsOn {
		if v, ok := t.Inputs[dep]; ok {
			out = append(out, v)
		}
	}
	return out
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.RequiredCapabilities != nil {
		cp.RequiredCapabilities = append([]string(nil), task.RequiredCapabilities...)
	}
	if task.TriedAgents != nil {
		cp.TriedAgents = append([]string(nil), task.TriedAgents...)
	}
	if task.Inputs != nil {
		cp.Inputs = make(map[string]string, len(task.Inputs))
		for k, v := range task.Inputs {
			cp.Inputs[k] = v
		}
	}
	if task.Params != nil {
		cp.Params = make(map[string]string, len(task.Params))
		for k, v := range task.Params {
			cp.Params[k] = v
		}
	}
	return &cp
}
