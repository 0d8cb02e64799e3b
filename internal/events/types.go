package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	RunID() string
	TaskID() string
}

// Topic constants
const (
	TopicTask       = "task"
	TopicRun        = "run"
	TopicAgent      = "agent"
	TopicDecision   = "decision"
	TopicCheckpoint = "checkpoint"
)

// Event type constants
const (
	EventTypeTaskAssigned       = "task.assigned"
	EventTypeTaskStarted        = "task.started"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeTaskFailed         = "task.failed"
	EventTypeTaskCancelled      = "task.cancelled"
	EventTypeCapacityExhausted  = "task.capacity_exhausted"
	EventTypeAgentStatus        = "agent.status"
	EventTypeDecisionResolved   = "decision.resolved"
	EventTypeDecisionEscalated  = "decision.escalated"
	EventTypeDecisionUnresolved = "decision.unresolved"
	EventTypeDecisionReverted   = "decision.reverted"
	EventTypeCheckpointSaved    = "checkpoint.saved"
	EventTypeStageStarted       = "run.stage_started"
	EventTypeStageCompleted     = "run.stage_completed"
	EventTypeRunStarted         = "run.started"
	EventTypeRunFinished        = "run.finished"
	EventTypeDAGProgress        = "run.progress"
)

// TaskAssignedEvent is published when a task is assigned to an agent.
type TaskAssignedEvent struct {
	Run       string
	ID        string
	Stage     string
	AgentID   string
	Attempt   int
	Timestamp time.Time
}

func (e TaskAssignedEvent) EventType() string { return EventTypeTaskAssigned }
func (e TaskAssignedEvent) RunID() string     { return e.Run }
func (e TaskAssignedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when an attempt begins execution.
type TaskStartedEvent struct {
	Run       string
	ID        string
	Name      string
	Stage     string
	AgentID   string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) RunID() string     { return e.Run }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	Run       string
	ID        string
	Stage     string
	AgentID   string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) RunID() string     { return e.Run }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when an attempt fails. Final is set when the
// task reached its attempt limit and is now Failed.
type TaskFailedEvent struct {
	Run       string
	ID        string
	Stage     string
	AgentID   string
	Attempt   int
	Kind      string
	Err       error
	Final     bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) RunID() string     { return e.Run }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task is cancelled.
type TaskCancelledEvent struct {
	Run       string
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) RunID() string     { return e.Run }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// CapacityExhaustedEvent warns that a task has waited too long for an agent.
type CapacityExhaustedEvent struct {
	Run       string
	ID        string
	Required  []string
	Cycles    int
	Timestamp time.Time
}

func (e CapacityExhaustedEvent) EventType() string { return EventTypeCapacityExhausted }
func (e CapacityExhaustedEvent) RunID() string     { return e.Run }
func (e CapacityExhaustedEvent) TaskID() string    { return e.ID }

// AgentStatusEvent is published when an agent changes status.
type AgentStatusEvent struct {
	AgentID   string
	From      string
	To        string
	Timestamp time.Time
}

func (e AgentStatusEvent) EventType() string { return EventTypeAgentStatus }
func (e AgentStatusEvent) RunID() string     { return "" }
func (e AgentStatusEvent) TaskID() string    { return "" }

// DecisionEvent is published on every decision history entry.
type DecisionEvent struct {
	Type       string // one of the EventTypeDecision* constants
	Run        string
	DecisionID string
	GateTaskID string
	Policy     string
	Resolver   string
	Output     string
	Reason     string
	Timestamp  time.Time
}

func (e DecisionEvent) EventType() string { return e.Type }
func (e DecisionEvent) RunID() string     { return e.Run }
func (e DecisionEvent) TaskID() string    { return e.GateTaskID }

// CheckpointSavedEvent is published when a checkpoint is written.
type CheckpointSavedEvent struct {
	Run          string
	CheckpointID string
	Reason       string
	Err          error
	Timestamp    time.Time
}

func (e CheckpointSavedEvent) EventType() string { return EventTypeCheckpointSaved }
func (e CheckpointSavedEvent) RunID() string     { return e.Run }
func (e CheckpointSavedEvent) TaskID() string    { return "" }

// StageStartedEvent is published when the coordinator enters a stage.
type StageStartedEvent struct {
	Run       string
	Stage     string
	Index     int
	Total     int
	Timestamp time.Time
}

func (e StageStartedEvent) EventType() string { return EventTypeStageStarted }
func (e StageStartedEvent) RunID() string     { return e.Run }
func (e StageStartedEvent) TaskID() string    { return "" }

// StageCompletedEvent is published when a stage produced its output.
type StageCompletedEvent struct {
	Run       string
	Stage     string
	Output    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e StageCompletedEvent) EventType() string { return EventTypeStageCompleted }
func (e StageCompletedEvent) RunID() string     { return e.Run }
func (e StageCompletedEvent) TaskID() string    { return "" }

// RunStartedEvent is published when a run is submitted or resumed.
type RunStartedEvent struct {
	Run       string
	Idea      string
	Resumed   bool
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) RunID() string     { return e.Run }
func (e RunStartedEvent) TaskID() string    { return "" }

// RunFinishedEvent is published when a run reaches a terminal state.
type RunFinishedEvent struct {
	Run       string
	State     string
	Cause     []string
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) RunID() string     { return e.Run }
func (e RunFinishedEvent) TaskID() string    { return "" }

// DAGProgressEvent is published when the task counts of the current stage
// change.
type DAGProgressEvent struct {
	Run       string
	Stage     string
	Total     int
	Pending   int
	Ready     int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Timestamp time.Time
}

func (e DAGProgressEvent) EventType() string { return EventTypeDAGProgress }
func (e DAGProgressEvent) RunID() string     { return e.Run }
func (e DAGProgressEvent) TaskID() string    { return "" }
