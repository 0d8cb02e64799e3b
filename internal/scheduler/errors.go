package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTaskNotFound is returned for operations on an unknown task ID.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned by AddTask when the ID is already present.
	ErrDuplicateTask = errors.New("task already exists")
)

// CyclicDependencyError is returned when adding a task would close a cycle.
type CyclicDependencyError struct {
	TaskID string
	Path   []string // dependency path from the new task back to itself
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("task %q would create a dependency cycle", e.TaskID)
	}
	return fmt.Sprintf("task %q would create a dependency cycle: %s", e.TaskID, strings.Join(e.Path, " -> "))
}

// InvalidStateTransitionError is returned when a task is asked to move to a
// state its state machine does not allow from the current one.
type InvalidStateTransitionError struct {
	TaskID string
	From   TaskState
	To     TaskState
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("task %q: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}
