package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/consensus"
	"github.com/aristath/deepproduct/internal/scheduler"
)

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrRunActive     = errors.New("run is active")
	ErrRunFinished   = errors.New("run already finished")
	ErrEngineClosed  = errors.New("engine closed")
	ErrNotRevertible = errors.New("history entry cannot be reverted")

	// ErrRunTimeout is the cause recorded when a run exceeds its budget.
	ErrRunTimeout = errors.New("run timeout exceeded")
	// ErrAborted is returned by Execute and Wait for aborted runs.
	ErrAborted = errors.New("run aborted")
)

// RunState is the lifecycle state of a run.
type RunState int

const (
	RunRunning RunState = iota
	RunCompleted
	RunFailed
	RunAborted
)

var runStateNames = [...]string{
	RunRunning:   "running",
	RunCompleted: "completed",
	RunFailed:    "failed",
	RunAborted:   "aborted",
}

func (s RunState) String() string {
	if s >= 0 && int(s) < len(runStateNames) {
		return runStateNames[s]
	}
	return fmt.Sprintf("run_state(%d)", int(s))
}

// Terminal reports whether the run has finished.
func (s RunState) Terminal() bool {
	return s != RunRunning
}

// MarshalText encodes the state by name.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *RunState) UnmarshalText(b []byte) error {
	v, err := ParseRunState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseRunState converts a state name back to a RunState.
func ParseRunState(name string) (RunState, error) {
	for i, n := range runStateNames {
		if n == name {
			return RunState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown run state: %q", name)
}

// RunError is returned for runs that ended Failed or Aborted.
type RunError struct {
	RunID string
	State RunState
	Cause []string
}

func (e *RunError) Error() string {
	if len(e.Cause) == 0 {
		return fmt.Sprintf("run %s %s", e.RunID, e.State)
	}
	return fmt.Sprintf("run %s %s: %s", e.RunID, e.State, strings.Join(e.Cause, "; "))
}

// Is lets errors.Is match ErrAborted for aborted runs.
func (e *RunError) Is(target error) bool {
	return target == ErrAborted && e.State == RunAborted
}

// TaskSummary is the operator view of one task.
type TaskSummary struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Kind      string   `json:"kind"`
	State     string   `json:"state"`
	Agent     string   `json:"agent,omitempty"`
	Attempts  int      `json:"attempts"`
	DependsOn []string `json:"depends_on,omitempty"`
	LastError string   `json:"last_error,omitempty"`
	Escalated bool     `json:"escalated,omitempty"`
}

func summarizeTasks(tasks []*scheduler.Task) []TaskSummary {
	out := make([]TaskSummary, len(tasks))
	for i, t := range tasks {
		out[i] = TaskSummary{
			ID:        t.ID,
			Name:      t.Name,
			Kind:      t.Kind.String(),
			State:     t.State.String(),
			Agent:     t.AssignedAgent,
			Attempts:  t.AttemptCount,
			DependsOn: t.DependsOn,
			LastError: t.LastError,
			Escalated: t.Escalated,
		}
	}
	return out
}

// RunSnapshot is the operator-visible state of a run.
type RunSnapshot struct {
	ID           string                     `json:"id"`
	Idea         string                     `json:"idea"`
	State        RunState                   `json:"state"`
	Active       bool                       `json:"active"`
	Stage        string                     `json:"stage,omitempty"`
	StageIndex   int                        `json:"stage_index"`
	Stages       []string                   `json:"stages"`
	StageOutputs map[string]string          `json:"stage_outputs,omitempty"`
	Tasks        []TaskSummary              `json:"tasks"`
	Counts       map[string]int             `json:"counts"`
	Agents       []agent.Agent              `json:"agents"`
	Decisions    []*consensus.DecisionPoint `json:"decisions,omitempty"`
	Escalations  []string                   `json:"escalations,omitempty"`
	History      []consensus.Entry          `json:"history,omitempty"`
	Checkpoints  []string                   `json:"checkpoints,omitempty"`
	Cause        []string                   `json:"cause,omitempty"`
	StartedAt    time.Time                  `json:"started_at"`
	FinishedAt   time.Time                  `json:"finished_at,omitzero"`
}

// Output returns the output of the last stage, the final product of a
// completed run.
func (s *RunSnapshot) Output() string {
	if len(s.Stages) == 0 {
		return ""
	}
	return s.StageOutputs[s.Stages[len(s.Stages)-1]]
}

// RunSummary is one row of the run index.
type RunSummary struct {
	ID         string    `json:"id"`
	Idea       string    `json:"idea"`
	State      RunState  `json:"state"`
	Stage      string    `json:"stage,omitempty"`
	Cause      []string  `json:"cause,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}
