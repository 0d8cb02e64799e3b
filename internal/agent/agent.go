package agent

import (
	"fmt"
	"strings"
)

// Status is the health/availability state of an agent.
type Status int

const (
	StatusIdle     Status = iota // No in-flight tasks
	StatusBusy                   // At least one in-flight task
	StatusDegraded               // Malfunctioning, excluded until reinstated
	StatusOffline                // Not reachable, excluded until reinstated
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusDegraded:
		return "degraded"
	case StatusOffline:
		return "offline"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes the status by name so snapshots stay readable.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus converts a status name back to a Status.
func ParseStatus(name string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "idle":
		return StatusIdle, nil
	case "busy":
		return StatusBusy, nil
	case "degraded":
		return StatusDegraded, nil
	case "offline":
		return StatusOffline, nil
	}
	return 0, fmt.Errorf("unknown agent status: %q", name)
}

// Tier orders otherwise equal candidates: primary agents before the backup pool.
type Tier int

const (
	TierPrimary Tier = iota
	TierBackup
)

func (t Tier) String() string {
	if t == TierBackup {
		return "backup"
	}
	return "primary"
}

// ParseTier converts a tier name to a Tier. Empty means primary.
func ParseTier(name string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "primary":
		return TierPrimary, nil
	case "backup":
		return TierBackup, nil
	}
	return 0, fmt.Errorf("unknown agent tier: %q", name)
}

// Descriptor is the static declaration of an agent, as read from config.
type Descriptor struct {
	ID             string
	Role           string
	Capabilities   []string
	MaxConcurrency int
	Tier           Tier
	Weight         float64
	Provider       string
	Model          string
	SystemPrompt   string
}

// Agent is a registered agent together with its live state.
// Values returned by the Registry are copies; mutating them has no effect.
type Agent struct {
	ID             string   `json:"id"`
	Role           string   `json:"role"`
	Capabilities   []string `json:"capabilities"`
	MaxConcurrency int      `json:"max_concurrency"`
	Tier           Tier     `json:"tier"`
	Weight         float64  `json:"weight"`
	Provider       string   `json:"provider"`
	Model          string   `json:"model,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	Status         Status   `json:"status"`
	CurrentLoad    int      `json:"current_load"`
	Failures       int      `json:"failures"`
	Completed      int      `json:"completed"`

	seq int
}

// HasCapabilities reports whether the agent's capabilities are a superset of
// required.
func (a *Agent) HasCapabilities(required []string) bool {
	for _, r := range required {
		found := false
		for _, c := range a.Capabilities {
			if c == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// available reports whether the agent can take one more task.
func (a *Agent) available() bool {
	if a.Status != StatusIdle && a.Status != StatusBusy {
		return false
	}
	return a.CurrentLoad < a.MaxConcurrency
}

func (a *Agent) clone() Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	return c
}
