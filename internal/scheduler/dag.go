package scheduler

import (
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// DAG represents a directed acyclic graph of tasks for one stage run.
//
// All mutations go through the state machine in task.go; every illegal move
// returns *InvalidStateTransitionError and leaves the graph untouched.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
	nextSeq    int
	now        func() time.Time
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		now:        time.Now,
	}
}

// SetClock replaces the clock used for completion timestamps.
func (d *DAG) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// AddTask adds a copy of task to the DAG in state Pending and promotes it to
// Ready when its dependencies are already satisfied.
//
// Dependencies may reference tasks that are not added yet. AddTask returns
// *CyclicDependencyError if the new task is reachable from its own
// dependencies, which covers self-loops and cycles closed by forward
// references.
func (d *DAG) AddTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("add %q: %w", task.ID, ErrDuplicateTask)
	}

	if path := d.findPathLocked(task.DependsOn, task.ID); path != nil {
		return &CyclicDependencyError{TaskID: task.ID, Path: append([]string{task.ID}, path...)}
	}

	t := cloneTask(task)
	t.State = TaskPending
	t.AssignedAgent = ""
	t.Seq = d.nextSeq
	d.nextSeq++
	d.tasks[t.ID] = t

	for _, depID := range t.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], t.ID)
	}

	d.settleLocked([]string{t.ID})
	return nil
}

// findPathLocked walks DependsOn edges from the given starting tasks and
// returns the path to target, or nil when target is unreachable.
func (d *DAG) findPathLocked(from []string, target string) []string {
	visited := make(map[string]bool)
	var walk func(id string) []string
	walk = func(id string) []string {
		if id == target {
			return []string{id}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		t, ok := d.tasks[id]
		if !ok {
			return nil
		}
		for _, dep := range t.DependsOn {
			if p := walk(dep); p != nil {
				return append([]string{id}, p...)
			}
		}
		return nil
	}

	for _, id := range from {
		if p := walk(id); p != nil {
			return p
		}
	}
	return nil
}

// Validate runs topological sort using gammazero/toposort.
// Returns ordered task IDs or error if cycle detected.
// Also verifies all task IDs in DependsOn exist in the DAG.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, t := range d.orderedLocked() {
		for _, depID := range t.DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", t.ID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for _, t := range d.orderedLocked() {
		if len(t.DependsOn) == 0 {
			// Edge from nil keeps isolated tasks in the result.
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, depID := range t.DependsOn {
			edges = append(edges, toposort.Edge{depID, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("DAG contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for id := range d.tasks {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// ReadyTasks returns a lazy sequence of Ready tasks ordered by priority
// (descending) then insertion order (ascending).
//
// The order is fixed when iteration starts. Each task is re-checked before it
// is yielded, so tasks that stopped being Ready meanwhile are skipped. The
// sequence can be ranged over any number of times; each range starts afresh.
func (d *DAG) ReadyTasks() iter.Seq[*Task] {
	return func(yield func(*Task) bool) {
		d.mu.RLock()
		var ready []*Task
		for _, t := range d.tasks {
			if t.State == TaskReady {
				ready = append(ready, t)
			}
		}
		slices.SortFunc(ready, func(a, b *Task) int {
			if a.Priority != b.Priority {
				return b.Priority - a.Priority
			}
			return a.Seq - b.Seq
		})
		ids := make([]string, len(ready))
		for i, t := range ready {
			ids[i] = t.ID
		}
		d.mu.RUnlock()

		for _, id := range ids {
			d.mu.RLock()
			t, ok := d.tasks[id]
			var c *Task
			if ok && t.State == TaskReady {
				c = cloneTask(t)
			}
			d.mu.RUnlock()

			if c == nil {
				continue
			}
			if !yield(c) {
				return
			}
		}
	}
}

// Assign moves a Ready task to Assigned on the given agent.
func (d *DAG) Assign(taskID, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.transitionLocked(taskID, TaskAssigned)
	if err != nil {
		return err
	}
	t.AssignedAgent = agentID
	t.ReadyCycles = 0
	return nil
}

// Reassign moves a Running task back to Assigned on a different agent after a
// failed attempt.
func (d *DAG) Reassign(taskID, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("reassign %q: %w", taskID, ErrTaskNotFound)
	}
	if t.State != TaskRunning {
		return &InvalidStateTransitionError{TaskID: taskID, From: t.State, To: TaskAssigned}
	}
	t.State = TaskAssigned
	t.AssignedAgent = agentID
	return nil
}

// MarkRunning moves an Assigned task to Running and starts a new attempt.
func (d *DAG) MarkRunning(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.transitionLocked(taskID, TaskRunning)
	if err != nil {
		return err
	}
	t.AttemptCount++
	if t.AssignedAgent != "" && !slices.Contains(t.TriedAgents, t.AssignedAgent) {
		t.TriedAgents = append(t.TriedAgents, t.AssignedAgent)
	}
	return nil
}

// MarkCompleted stores the result of a Running task and promotes dependents
// whose dependencies are now all satisfied.
func (d *DAG) MarkCompleted(taskID string, result string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.transitionLocked(taskID, TaskCompleted)
	if err != nil {
		return err
	}
	t.Result = result
	t.LastError = ""
	t.CompletedAt = d.now()

	d.settleLocked(d.dependents[taskID])
	return nil
}

// MarkFailed fails a Running task and cascades to its dependents: non-tolerant
// dependents are cancelled, tolerant ones run once every dependency settles.
func (d *DAG) MarkFailed(taskID string, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.transitionLocked(taskID, TaskFailed)
	if err != nil {
		return err
	}
	if cause != nil {
		t.LastError = cause.Error()
	}

	d.settleLocked(d.dependents[taskID])
	return nil
}

// Requeue returns an Assigned or Running task to Ready, keeping its attempt
// count and tried agents.
func (d *DAG) Requeue(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.transitionLocked(taskID, TaskReady)
	if err != nil {
		return err
	}
	t.AssignedAgent = ""
	return nil
}

// Cancel cancels a non-terminal task and cascades like a failure.
func (d *DAG) Cancel(taskID string, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.cancelLocked(taskID, reason)
}

func (d *DAG) cancelLocked(taskID, reason string) error {
	t, err := d.transitionLocked(taskID, TaskCancelled)
	if err != nil {
		return err
	}
	if reason != "" {
		t.LastError = reason
	}
	d.settleLocked(d.dependents[taskID])
	return nil
}

// Escalate re-targets a Ready decision gate at an agent: the gate becomes a
// work task requiring the given capabilities with the given payload. It gets
// exactly one attempt.
func (d *DAG) Escalate(taskID string, required []string, payload string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("escalate %q: %w", taskID, ErrTaskNotFound)
	}
	if t.State != TaskReady {
		return &InvalidStateTransitionError{TaskID: taskID, From: t.State, To: TaskAssigned}
	}
	t.Kind = KindWork
	t.Escalated = true
	t.RequiredCapabilities = append([]string(nil), required...)
	t.Payload = payload
	t.Template = ""
	t.MaxAttempts = 1
	t.TriedAgents = nil
	return nil
}

// IncrementReadyCycles records one dispatch cycle in which a Ready task found
// no eligible agent and returns the new count.
func (d *DAG) IncrementReadyCycles(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[taskID]
	if !ok || t.State != TaskReady {
		return 0
	}
	t.ReadyCycles++
	return t.ReadyCycles
}

// transitionLocked applies one state machine step.
func (d *DAG) transitionLocked(taskID string, to TaskState) (*Task, error) {
	t, ok := d.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	if !CanTransition(t.State, to) {
		return nil, &InvalidStateTransitionError{TaskID: taskID, From: t.State, To: to}
	}
	t.State = to
	return t, nil
}

// settleLocked re-evaluates Pending tasks after one of their dependencies
// changed. Cancellation cascades through a worklist rather than recursion.
func (d *DAG) settleLocked(ids []string) {
	queue := append([]string(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		t, ok := d.tasks[id]
		if !ok || t.State != TaskPending {
			continue
		}

		allCompleted, allTerminal := true, true
		var blocked string
		for _, depID := range t.DependsOn {
			dep, ok := d.tasks[depID]
			if !ok {
				allCompleted, allTerminal = false, false
				continue
			}
			switch dep.State {
			case TaskCompleted:
			case TaskFailed, TaskCancelled:
				allCompleted = false
				if blocked == "" {
					blocked = fmt.Sprintf("dependency %q %s", depID, dep.State)
				}
			default:
				allCompleted, allTerminal = false, false
			}
		}

		switch {
		case allCompleted:
			d.promoteLocked(t)
		case blocked != "" && !t.Tolerant:
			t.State = TaskCancelled
			t.LastError = blocked
			queue = append(queue, d.dependents[id]...)
		case blocked != "" && allTerminal:
			d.promoteLocked(t)
		}
	}
}

// promoteLocked moves a Pending task to Ready and fills its inputs from the
// completed dependencies.
func (d *DAG) promoteLocked(t *Task) {
	t.State = TaskReady
	t.ReadyCycles = 0
	if len(t.DependsOn) == 0 {
		return
	}
	t.Inputs = make(map[string]string, len(t.DependsOn))
	for _, depID := range t.DependsOn {
		if dep, ok := d.tasks[depID]; ok && dep.State == TaskCompleted {
			t.Inputs[depID] = dep.Result
		}
	}
}

// Get returns task by ID.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks in insertion order.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ordered := d.orderedLocked()
	tasks := make([]*Task, len(ordered))
	for i, t := range ordered {
		tasks[i] = cloneTask(t)
	}
	return tasks
}

// Len returns the number of tasks.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tasks)
}

// Counts returns the number of tasks in each state.
func (d *DAG) Counts() map[TaskState]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[TaskState]int)
	for _, t := range d.tasks {
		counts[t.State]++
	}
	return counts
}

// Quiescent reports whether no task is Ready, Assigned or Running.
func (d *DAG) Quiescent() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, t := range d.tasks {
		switch t.State {
		case TaskReady, TaskAssigned, TaskRunning:
			return false
		}
	}
	return true
}

// Dependents returns the IDs of tasks that directly depend on taskID.
func (d *DAG) Dependents(taskID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.dependents[taskID]...)
}

// Sinks returns the IDs of tasks no other task depends on, in insertion order.
func (d *DAG) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	for _, t := range d.orderedLocked() {
		if len(d.dependents[t.ID]) == 0 {
			out = append(out, t.ID)
		}
	}
	return out
}

// Snapshot returns a deep copy of every task, in insertion order.
func (d *DAG) Snapshot() []*Task {
	return d.Tasks()
}

// RestoreDAG rebuilds a DAG from a snapshot. In-flight work (Assigned or
// Running) is reset to Ready with its attempt count preserved, so it runs
// again rather than being assumed complete.
func RestoreDAG(tasks []*Task) (*DAG, error) {
	d := NewDAG()
	sorted := make([]*Task, len(tasks))
	copy(sorted, tasks)
	slices.SortStableFunc(sorted, func(a, b *Task) int { return a.Seq - b.Seq })

	for _, src := range sorted {
		if _, exists := d.tasks[src.ID]; exists {
			return nil, fmt.Errorf("restore %q: %w", src.ID, ErrDuplicateTask)
		}
		t := cloneTask(src)
		if t.State == TaskAssigned || t.State == TaskRunning {
			t.State = TaskReady
			t.AssignedAgent = ""
		}
		t.Seq = d.nextSeq
		d.nextSeq++
		d.tasks[t.ID] = t
		for _, depID := range t.DependsOn {
			d.dependents[depID] = append(d.dependents[depID], t.ID)
		}
	}

	if _, err := d.Validate(); err != nil {
		return nil, fmt.Errorf("restored DAG is invalid: %w", err)
	}

	var pending []string
	for _, t := range d.orderedLocked() {
		if t.State == TaskPending {
			pending = append(pending, t.ID)
		}
	}
	d.settleLocked(pending)
	return d, nil
}

func (d *DAG) orderedLocked() []*Task {
	out := make([]*Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *Task) int { return a.Seq - b.Seq })
	return out
}
