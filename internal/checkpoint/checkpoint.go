// Package checkpoint snapshots run progress into the durable store and
// rebuilds runs from it after a crash.
package checkpoint

import (
	"time"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/consensus"
	"github.com/aristath/deepproduct/internal/scheduler"
)

// RunMeta is the coordinator state of a run at checkpoint time.
type RunMeta struct {
	Idea         string            `json:"idea"`
	State        string            `json:"state"`
	Stages       []string          `json:"stages"`
	StageIndex   int               `json:"stage_index"`
	StageOutputs map[string]string `json:"stage_outputs,omitempty"`
	Cause        []string          `json:"cause,omitempty"`
	Escalations  []string          `json:"escalations,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at,omitzero"`
}

// Snapshot is the state handed to Manager.Checkpoint. The caller takes it
// under the run lock from deep copies; the manager never mutates it.
type Snapshot struct {
	// ID is optional. When set it must come from Manager.Reserve.
	ID        string
	RunID     string
	Reason    string
	Run       RunMeta
	Tasks     []*scheduler.Task
	Agents    []agent.Agent
	Decisions []*consensus.DecisionPoint
	History   []consensus.Entry
}

// Checkpoint is one immutable persisted snapshot.
type Checkpoint struct {
	ID        string                     `json:"id"`
	RunID     string                     `json:"run_id"`
	Seq       int                        `json:"seq"`
	CreatedAt time.Time                  `json:"created_at"`
	Reason    string                     `json:"reason"`
	Run       RunMeta                    `json:"run"`
	Tasks     []*scheduler.Task          `json:"tasks"`
	Agents    []agent.Agent              `json:"agents"`
	Decisions []*consensus.DecisionPoint `json:"decisions,omitempty"`
	History   []consensus.Entry          `json:"history,omitempty"`
}

// Decision returns the decision point with the given ID.
func (c *Checkpoint) Decision(id string) (*consensus.DecisionPoint, bool) {
	for _, dp := range c.Decisions {
		if dp.ID == id {
			return dp, true
		}
	}
	return nil, false
}

// Reasons a checkpoint is taken.
const (
	ReasonCompletions = "completions"
	ReasonDecision    = "decision"
	ReasonStage       = "stage"
	ReasonTerminal    = "terminal"
	ReasonRevert      = "revert"
	ReasonInterrupted = "interrupted"
)
