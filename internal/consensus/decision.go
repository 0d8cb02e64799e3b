package consensus

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDecisionUnresolved is returned when a decision point exhausted its
// escalation path: policy, then coordinator arbitration. The run halts.
var ErrDecisionUnresolved = errors.New("decision unresolved")

// Policy selects how contributor outputs are reconciled.
type Policy int

const (
	FirstWins Policy = iota
	Voting
	WeightedScore
	CoordinatorArbitration
)

var policyNames = [...]string{
	FirstWins:              "first_wins",
	Voting:                 "voting",
	WeightedScore:          "weighted_score",
	CoordinatorArbitration: "coordinator_arbitration",
}

func (p Policy) String() string {
	if p >= 0 && int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy accepts the snake_case policy names, case-insensitively.
func ParsePolicy(name string) (Policy, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "_")
	for i, pn := range policyNames {
		if pn == n {
			return Policy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown decision policy: %q", name)
}

// MarshalText encodes the policy by name.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a policy name.
func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// State is the resolution state of a decision point.
type State int

const (
	StateOpen State = iota
	StateResolved
	StateEscalated
	StateUnresolved
)

var stateNames = [...]string{
	StateOpen:       "open",
	StateResolved:   "resolved",
	StateEscalated:  "escalated",
	StateUnresolved: "unresolved",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown decision state: %q", b)
}

// DecisionPoint groups contributor task outputs that must be reconciled into
// one accepted output before dependents of the gate task may proceed.
type DecisionPoint struct {
	ID             string             `json:"id"`
	Stage          string             `json:"stage,omitempty"`
	Contributors   []string           `json:"contributors"`
	Policy         Policy             `json:"policy"`
	Weights        map[string]float64 `json:"weights,omitempty"` // contributor task ID -> weight
	GateTaskID     string             `json:"gate_task_id"`
	Tolerant       bool               `json:"tolerant,omitempty"` // decides without failed contributors
	State          State              `json:"state"`
	ResolvedOutput string             `json:"resolved_output,omitempty"`
	ResolvedBy     string             `json:"resolved_by,omitempty"`
	Reason         string             `json:"reason,omitempty"`
}

// Clone returns a deep copy.
func (dp *DecisionPoint) Clone() *DecisionPoint {
	c := *dp
	c.Contributors = append([]string(nil), dp.Contributors...)
	if dp.Weights != nil {
		c.Weights = make(map[string]float64, len(dp.Weights))
		for k, v := range dp.Weights {
			c.Weights[k] = v
		}
	}
	return &c
}

// Reopen returns the decision point to Open, discarding the current
// resolution. History keeps the record of it.
func (dp *DecisionPoint) Reopen() {
	dp.State = StateOpen
	dp.ResolvedOutput = ""
	dp.ResolvedBy = ""
	dp.Reason = ""
}
