package orchestrator

import (
	"time"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/backend"
)

// Outcome is the result of one task attempt, reported by the supervisor to
// the run loop.
type Outcome struct {
	TaskID   string
	AgentID  string
	Attempt  int
	Response backend.Response
	Err      error
	Duration time.Duration
	// BreakerOpen is set when this attempt tripped the agent's breaker.
	BreakerOpen bool

	lease *agent.Lease
}

// completionQueue carries outcomes from attempt goroutines to the run loop,
// which applies them one at a time in receive order.
type completionQueue struct {
	ch   chan Outcome
	done chan struct{}
}

// newCompletionQueue creates a queue. bufferSize should typically be 2x the
// total agent capacity so attempt goroutines rarely block.
func newCompletionQueue(bufferSize int) *completionQueue {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &completionQueue{
		ch:   make(chan Outcome, bufferSize),
		done: make(chan struct{}),
	}
}

// push delivers o to the run loop. It reports false when the loop has
// already stopped; the caller then still owns the outcome's lease.
func (q *completionQueue) push(o Outcome) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.ch <- o:
		return true
	case <-q.done:
		return false
	}
}

// outcomes returns the receive side for the run loop.
func (q *completionQueue) outcomes() <-chan Outcome {
	return q.ch
}

// close tells pending and future pushes that nobody is listening anymore.
// Leases of attempts still in flight are released by the supervisor.
func (q *completionQueue) close() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}
