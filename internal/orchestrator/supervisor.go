package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/backend"
	"github.com/aristath/deepproduct/internal/events"
	"github.com/aristath/deepproduct/internal/scheduler"
)

// attempt is one in-flight task invocation.
type attempt struct {
	taskID  string
	agentID string
	number  int
	started time.Time
	cancel  context.CancelFunc
	lease   *agent.Lease
}

// supervisor starts task attempts for one run. Start, finish and abandon
// are called from the run loop only; attempt goroutines communicate through
// the completion queue.
type supervisor struct {
	run      *run
	queue    *completionQueue
	inflight map[string]*attempt // task ID -> current attempt
	logger   *slog.Logger
}

func newSupervisor(r *run, queue *completionQueue) *supervisor {
	return &supervisor{
		run:      r,
		queue:    queue,
		inflight: make(map[string]*attempt),
		logger:   r.logger,
	}
}

// Start implements scheduler.Starter: the Assigned task becomes Running and
// its invocation runs in its own goroutine under a per-attempt deadline.
func (s *supervisor) Start(ctx context.Context, task *scheduler.Task, lease *agent.Lease) error {
	r := s.run
	e := r.engine
	dag := r.currentDAG()

	e.publish(events.TopicTask, events.TaskAssignedEvent{
		Run:       r.id,
		ID:        task.ID,
		Stage:     task.Stage,
		AgentID:   lease.AgentID(),
		Attempt:   task.AttemptCount + 1,
		Timestamp: e.now(),
	})
	if err := dag.MarkRunning(task.ID); err != nil {
		lease.Release()
		return err
	}
	running, _ := dag.Get(task.ID)

	a, ok := e.registry.Get(lease.AgentID())
	if !ok {
		lease.Release()
		return fmt.Errorf("start %q: agent %s: %w", task.ID, lease.AgentID(), agent.ErrAgentNotFound)
	}
	b, err := e.backendFor(a)
	if err != nil {
		lease.Release()
		return fmt.Errorf("start %q: %w", task.ID, err)
	}

	timeout := e.taskTimeout(running.Timeout, a)
	actx, cancel := context.WithTimeout(r.attemptCtx, timeout)
	at := &attempt{
		taskID:  task.ID,
		agentID: a.ID,
		number:  running.AttemptCount,
		started: e.now(),
		cancel:  cancel,
		lease:   lease,
	}
	s.inflight[task.ID] = at

	e.publish(events.TopicTask, events.TaskStartedEvent{
		Run:       r.id,
		ID:        task.ID,
		Name:      running.Name,
		Stage:     running.Stage,
		AgentID:   a.ID,
		Attempt:   at.number,
		Timestamp: at.started,
	})
	s.logger.Debug("attempt started", "task", task.ID, "agent", a.ID, "attempt", at.number, "timeout", timeout)

	req, err := r.buildRequest(running, a)
	if err != nil {
		// A prompt that cannot be rendered is a content failure.
		go s.report(at, backend.Response{}, backend.NewError(backend.KindInvalidResponse, err), false)
		return nil
	}

	go s.execute(actx, at, b, req, e.breakers.get(a.ID))
	return nil
}

// execute invokes the backend and reports the outcome. A backend that
// ignores its context cannot hold the attempt past its deadline.
func (s *supervisor) execute(ctx context.Context, at *attempt, b backend.Backend, req backend.Request, cb *gobreaker.CircuitBreaker) {
	type result struct {
		resp backend.Response
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := invokeWithRetry(ctx, b, req, cb, s.run.engine.cfg.Policy.Retry)
		resCh <- result{resp: resp, err: err}
	}()

	var res result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err == nil && strings.TrimSpace(res.resp.Content) == "" {
		res.err = backend.NewError(backend.KindInvalidResponse, errors.New("empty response"))
	}
	if errors.Is(res.err, context.DeadlineExceeded) {
		res.err = backend.NewError(backend.KindTimeout, res.err)
	}
	s.report(at, res.resp, res.err, cb.State() == gobreaker.StateOpen)
}

func (s *supervisor) report(at *attempt, resp backend.Response, err error, breakerOpen bool) {
	defer at.cancel()
	o := Outcome{
		TaskID:      at.taskID,
		AgentID:     at.agentID,
		Attempt:     at.number,
		Response:    resp,
		Err:         err,
		Duration:    s.run.engine.now().Sub(at.started),
		BreakerOpen: breakerOpen,
		lease:       at.lease,
	}
	if !s.queue.push(o) {
		at.lease.Release()
	}
}

// finish releases the lease of an outcome and reports whether the outcome
// belongs to the task's current attempt. Stale outcomes only give their
// lease back.
func (s *supervisor) finish(o Outcome) bool {
	if o.lease != nil {
		o.lease.Release()
	}
	at, ok := s.inflight[o.TaskID]
	if !ok || at.agentID != o.AgentID || at.number != o.Attempt {
		return false
	}
	delete(s.inflight, o.TaskID)
	return true
}

// active returns the number of attempts in flight.
func (s *supervisor) active() int {
	return len(s.inflight)
}

// cancelAll cancels every in-flight attempt without waiting.
func (s *supervisor) cancelAll() {
	for _, at := range s.inflight {
		at.cancel()
	}
}

// abandon gives up on every in-flight attempt: contexts are cancelled and
// leases released. It returns the task IDs that were in flight.
func (s *supervisor) abandon() []string {
	ids := make([]string, 0, len(s.inflight))
	for id, at := range s.inflight {
		at.cancel()
		at.lease.Release()
		ids = append(ids, id)
	}
	clear(s.inflight)
	return ids
}
