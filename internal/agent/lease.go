package agent

import "sync"

// Lease is one unit of reserved capacity on an agent.
//
// Release decrements the agent's load exactly once, however many times and
// from however many goroutines it is called.
type Lease struct {
	registry *Registry
	agentID  string
	once     sync.Once
}

// AgentID returns the leased agent.
func (l *Lease) AgentID() string {
	return l.agentID
}

// Release returns the capacity to the registry. It reports whether this call
// performed the release.
func (l *Lease) Release() bool {
	released := false
	l.once.Do(func() {
		l.registry.release(l.agentID)
		released = true
	})
	return released
}
