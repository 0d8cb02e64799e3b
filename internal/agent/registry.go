package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// StatusChange describes one status transition, reported to the status hook.
type StatusChange struct {
	AgentID string
	From    Status
	To      Status
}

// HealthChecker probes an agent before it is put back into rotation.
type HealthChecker interface {
	CheckHealth(ctx context.Context, a Agent) error
}

// HealthCheckFunc adapts a function to the HealthChecker interface.
type HealthCheckFunc func(ctx context.Context, a Agent) error

// CheckHealth calls f(ctx, a).
func (f HealthCheckFunc) CheckHealth(ctx context.Context, a Agent) error {
	return f(ctx, a)
}

// Registry tracks known agents, their capabilities and live load/health.
//
// Load is only changed through leases (Acquire/Release) and status only
// through MarkStatus and Reinstate. Readers get consistent copies.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	nextSeq int
	hook    func(StatusChange)
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*Agent),
		logger: logger,
	}
}

// SetStatusHook installs a callback invoked after every status change.
// The callback runs outside the registry lock.
func (r *Registry) SetStatusHook(fn func(StatusChange)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

// Register adds an agent. It fails with *DuplicateAgentError when the ID is
// already registered.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("agent ID must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[d.ID]; exists {
		return &DuplicateAgentError{ID: d.ID}
	}

	maxConc := d.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 1
	}
	weight := d.Weight
	if weight <= 0 {
		weight = 1
	}

	r.agents[d.ID] = &Agent{
		ID:             d.ID,
		Role:           d.Role,
		Capabilities:   append([]string(nil), d.Capabilities...),
		MaxConcurrency: maxConc,
		Tier:           d.Tier,
		Weight:         weight,
		Provider:       d.Provider,
		Model:          d.Model,
		SystemPrompt:   d.SystemPrompt,
		Status:         StatusIdle,
		seq:            r.nextSeq,
	}
	r.nextSeq++
	return nil
}

// Deregister removes an agent. Outstanding leases on it become no-ops.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("deregister %s: %w", id, ErrAgentNotFound)
	}
	delete(r.agents, id)
	return nil
}

// Get returns a copy of the agent.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return a.clone(), true
}

// All returns copies of all agents in registration order.
func (r *Registry) All() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// FindEligible returns agents able to take a task requiring the given
// capabilities right now: capabilities are a superset of required, status is
// Idle, or Busy with spare capacity. Agents in exclude are skipped.
//
// Results are ordered by ascending load, then tier (primary first), then
// registration order.
func (r *Registry) FindEligible(required []string, exclude map[string]bool) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Agent
	for id, a := range r.agents {
		if exclude[id] || !a.available() || !a.HasCapabilities(required) {
			continue
		}
		out = append(out, a.clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentLoad != out[j].CurrentLoad {
			return out[i].CurrentLoad < out[j].CurrentLoad
		}
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Capable returns agents whose capabilities match regardless of current load.
// Offline and Degraded agents and those in exclude are skipped: they take no
// work until reinstated.
func (r *Registry) Capable(required []string, exclude map[string]bool) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Agent
	for id, a := range r.agents {
		if exclude[id] || a.Status == StatusOffline || a.Status == StatusDegraded || !a.HasCapabilities(required) {
			continue
		}
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// MarkStatus sets an agent's status.
//
// Degraded and Offline agents can only return to rotation through Reinstate;
// MarkStatus rejects those transitions with ErrHealthCheckRequired. Setting
// Idle or Busy on an available agent normalizes to the status implied by its
// load.
func (r *Registry) MarkStatus(id string, status Status) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("mark status %s: %w", id, ErrAgentNotFound)
	}

	if (a.Status == StatusDegraded || a.Status == StatusOffline) && (status == StatusIdle || status == StatusBusy) {
		r.mu.Unlock()
		return fmt.Errorf("mark %s %s: %w", id, status, ErrHealthCheckRequired)
	}

	if status == StatusIdle || status == StatusBusy {
		status = loadStatus(a.CurrentLoad)
	}
	change, hook := r.setStatusLocked(a, status)
	r.mu.Unlock()

	r.notify(hook, change)
	return nil
}

// Reinstate runs an explicit health check and, on success, returns a degraded
// or offline agent to rotation. Reinstating an available agent is a no-op.
func (r *Registry) Reinstate(ctx context.Context, id string, hc HealthChecker) error {
	a, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("reinstate %s: %w", id, ErrAgentNotFound)
	}
	if a.Status == StatusIdle || a.Status == StatusBusy {
		return nil
	}

	if hc != nil {
		if err := hc.CheckHealth(ctx, a); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrHealthCheckFailed, id, err)
		}
	}

	r.mu.Lock()
	live, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("reinstate %s: %w", id, ErrAgentNotFound)
	}
	change, hook := r.setStatusLocked(live, loadStatus(live.CurrentLoad))
	r.mu.Unlock()

	r.logger.Info("agent reinstated", "agent", id)
	r.notify(hook, change)
	return nil
}

// Acquire reserves one unit of capacity on the agent and returns a lease that
// must be released exactly once when the task reaches a terminal outcome.
func (r *Registry) Acquire(id string) (*Lease, error) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("acquire %s: %w", id, ErrAgentNotFound)
	}
	if !a.available() {
		r.mu.Unlock()
		return nil, fmt.Errorf("acquire %s (%s, load %d/%d): %w", id, a.Status, a.CurrentLoad, a.MaxConcurrency, ErrUnavailable)
	}

	a.CurrentLoad++
	change, hook := r.setStatusLocked(a, StatusBusy)
	r.mu.Unlock()

	r.notify(hook, change)
	return &Lease{registry: r, agentID: id}, nil
}

// release decrements the agent's load. Called only through Lease.Release.
func (r *Registry) release(id string) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if a.CurrentLoad > 0 {
		a.CurrentLoad--
	}
	var change *StatusChange
	var hook func(StatusChange)
	if a.Status == StatusBusy && a.CurrentLoad == 0 {
		change, hook = r.setStatusLocked(a, StatusIdle)
	}
	r.mu.Unlock()

	r.notify(hook, change)
}

// RecordFailure increments the agent's failure counter and returns it.
func (r *Registry) RecordFailure(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return 0
	}
	a.Failures++
	return a.Failures
}

// RecordSuccess increments the agent's completed counter.
func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[id]; ok {
		a.Completed++
	}
}

// Snapshot returns copies of all agents for checkpointing.
func (r *Registry) Snapshot() []Agent {
	return r.All()
}

// Restore merges checkpointed agent state into the registry.
//
// Known agents take the checkpointed status and counters but keep their
// current load: leases from before the checkpoint did not survive. Busy is
// restored as the status implied by the current load. Agents no longer
// registered are skipped; only Register adds agents.
func (r *Registry) Restore(agents []Agent) {
	r.mu.Lock()
	var changes []StatusChange
	var skipped []string
	for _, snap := range agents {
		a, ok := r.agents[snap.ID]
		if !ok {
			skipped = append(skipped, snap.ID)
			continue
		}

		a.Failures = snap.Failures
		a.Completed = snap.Completed
		status := snap.Status
		if status == StatusIdle || status == StatusBusy {
			status = loadStatus(a.CurrentLoad)
		}
		if change, _ := r.setStatusLocked(a, status); change != nil {
			changes = append(changes, *change)
		}
	}
	hook := r.hook
	r.mu.Unlock()

	if len(skipped) > 0 {
		r.logger.Warn("restore skipped unregistered agents", "agents", skipped)
	}
	for i := range changes {
		r.notify(hook, &changes[i])
	}
}

// setStatusLocked must be called with r.mu held.
func (r *Registry) setStatusLocked(a *Agent, status Status) (*StatusChange, func(StatusChange)) {
	if a.Status == status {
		return nil, nil
	}
	change := &StatusChange{AgentID: a.ID, From: a.Status, To: status}
	a.Status = status
	return change, r.hook
}

func (r *Registry) notify(hook func(StatusChange), change *StatusChange) {
	if change == nil {
		return
	}
	if change.To == StatusDegraded || change.To == StatusOffline {
		r.logger.Warn("agent status changed", "agent", change.AgentID, "from", change.From, "to", change.To)
	} else {
		r.logger.Debug("agent status changed", "agent", change.AgentID, "from", change.From, "to", change.To)
	}
	if hook != nil {
		hook(*change)
	}
}

func loadStatus(load int) Status {
	if load > 0 {
		return StatusBusy
	}
	return StatusIdle
}
