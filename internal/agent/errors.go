package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentNotFound is returned for operations on an unknown agent ID.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrHealthCheckRequired is returned when MarkStatus would bring a degraded
	// or offline agent back into rotation. Use Registry.Reinstate instead.
	ErrHealthCheckRequired = errors.New("health check required to reinstate agent")

	// ErrHealthCheckFailed is returned by Reinstate when the agent failed its
	// health check and stays out of rotation.
	ErrHealthCheckFailed = errors.New("health check failed")

	// ErrUnavailable is returned by Acquire when the agent cannot take more work.
	ErrUnavailable = errors.New("agent unavailable")
)

// DuplicateAgentError is returned by Register when the ID is already taken.
type DuplicateAgentError struct {
	ID string
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("agent %q already registered", e.ID)
}
