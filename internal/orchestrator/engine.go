// Package orchestrator drives product ideas through the configured stage
// pipeline: it seeds each stage's task graph, dispatches tasks to agents,
// reconciles decision points and checkpoints progress so runs survive a
// crash.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/backend"
	"github.com/aristath/deepproduct/internal/checkpoint"
	"github.com/aristath/deepproduct/internal/config"
	"github.com/aristath/deepproduct/internal/consensus"
	"github.com/aristath/deepproduct/internal/events"
	"github.com/aristath/deepproduct/internal/memory"
	"github.com/aristath/deepproduct/internal/persistence"
)

// healthPrompt is sent to an agent's backend before it is reinstated.
const healthPrompt = "Reply with OK."

// Options configures an Engine.
type Options struct {
	Config *config.Config
	Store  persistence.Store
	Bus    *events.EventBus // optional
	Logger *slog.Logger
	// Backends replaces the configured providers, keyed by provider name.
	// Providers missing from the map are built from their configuration.
	Backends       map[string]backend.Backend
	ProcessManager *backend.ProcessManager
	// HealthChecker probes agents on Reinstate. The default sends a short
	// prompt to the agent's backend.
	HealthChecker agent.HealthChecker
	Clock         func() time.Time
}

// Engine owns the agent pool and runs any number of runs against it.
type Engine struct {
	cfg         *config.Config
	store       persistence.Store
	bus         *events.EventBus
	logger      *slog.Logger
	registry    *agent.Registry
	checkpoints *checkpoint.Manager
	backends    map[string]backend.Backend
	procs       *backend.ProcessManager
	breakers    *breakerSet
	health      agent.HealthChecker
	now         func() time.Time

	baseCtx context.Context
	cancel  context.CancelCauseFunc

	mu     sync.Mutex
	runs   map[string]*run // active runs
	closed bool
	wg     sync.WaitGroup
}

// New validates the configuration, registers the agent pool and prepares
// one backend per provider.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.New("engine requires a config")
	}
	if opts.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	procs := opts.ProcessManager
	if procs == nil {
		procs = backend.NewProcessManager()
	}

	e := &Engine{
		cfg:      opts.Config,
		store:    opts.Store,
		bus:      opts.Bus,
		logger:   logger,
		registry: agent.NewRegistry(logger),
		backends: make(map[string]backend.Backend),
		procs:    procs,
		breakers: newBreakerSet(opts.Config.Policy.Breaker, logger),
		health:   opts.HealthChecker,
		now:      now,
		runs:     make(map[string]*run),
	}
	if e.health == nil {
		e.health = agent.HealthCheckFunc(e.checkHealth)
	}

	for name, b := range opts.Backends {
		e.backends[strings.ToLower(name)] = b
	}
	for name, p := range opts.Config.Providers {
		key := strings.ToLower(name)
		if _, ok := e.backends[key]; ok {
			continue
		}
		b, err := backend.New(p.BackendConfig(), procs)
		if err != nil {
			e.closeBackends()
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		e.backends[key] = b
	}

	for _, ac := range opts.Config.Agents {
		d, err := ac.Descriptor()
		if err != nil {
			e.closeBackends()
			return nil, fmt.Errorf("agent %s: %w", ac.ID, err)
		}
		if err := e.registry.Register(d); err != nil {
			e.closeBackends()
			return nil, err
		}
	}
	e.registry.SetStatusHook(func(c agent.StatusChange) {
		e.publish(events.TopicAgent, events.AgentStatusEvent{
			AgentID:   c.AgentID,
			From:      c.From.String(),
			To:        c.To.String(),
			Timestamp: e.now(),
		})
	})

	e.checkpoints = checkpoint.NewManager(opts.Store, checkpoint.Config{
		Retain: opts.Config.Policy.CheckpointRetain,
		Logger: logger,
		OnSaved: func(cp *checkpoint.Checkpoint, err error) {
			e.publish(events.TopicCheckpoint, events.CheckpointSavedEvent{
				Run:          cp.RunID,
				CheckpointID: cp.ID,
				Reason:       cp.Reason,
				Err:          err,
				Timestamp:    e.now(),
			})
		},
	})

	e.baseCtx, e.cancel = context.WithCancelCause(context.Background())
	return e, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Bus returns the event bus, or nil.
func (e *Engine) Bus() *events.EventBus {
	return e.bus
}

// Submit starts a run for idea and returns its ID without waiting.
func (e *Engine) Submit(ctx context.Context, idea string) (string, error) {
	r, err := e.submit(ctx, idea)
	if err != nil {
		return "", err
	}
	return r.id, nil
}

// Execute runs idea to a terminal state. Failed and aborted runs return the
// snapshot together with a *RunError. Cancelling ctx interrupts the run
// without finishing it; it can be resumed later.
func (e *Engine) Execute(ctx context.Context, idea string) (*RunSnapshot, error) {
	r, err := e.submit(ctx, idea)
	if err != nil {
		return nil, err
	}
	return e.await(ctx, r, true)
}

func (e *Engine) submit(ctx context.Context, idea string) (*run, error) {
	idea = strings.TrimSpace(idea)
	if idea == "" {
		return nil, errors.New("idea must not be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	r := newRun(e, uuid.NewString(), idea)
	r.startedAt = e.now()
	e.launch(r, false)
	return r, nil
}

// Wait blocks until the run finishes and returns its final snapshot. Runs
// that are not active are read from their newest checkpoint.
func (e *Engine) Wait(ctx context.Context, runID string) (*RunSnapshot, error) {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if ok {
		return e.await(ctx, r, false)
	}

	snap, err := e.Snapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	return snap, runErr(snap)
}

// await waits for r. When interrupt is set, cancelling ctx interrupts the
// run as well.
func (e *Engine) await(ctx context.Context, r *run, interrupt bool) (*RunSnapshot, error) {
	if interrupt {
		stop := context.AfterFunc(ctx, func() { r.cancel(context.Cause(ctx)) })
		defer stop()
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		if !interrupt {
			return nil, ctx.Err()
		}
		<-r.done
		snap, err := r.snapshot(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		return snap, ctx.Err()
	}

	snap, err := r.snapshot(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	return snap, runErr(snap)
}

func runErr(snap *RunSnapshot) error {
	switch snap.State {
	case RunFailed, RunAborted:
		return &RunError{RunID: snap.ID, State: snap.State, Cause: snap.Cause}
	}
	return nil
}

// Resume continues an interrupted run from its newest checkpoint. Tasks that
// were in flight run again with their attempt counts kept.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if _, ok := e.runs[runID]; ok {
		return fmt.Errorf("resume %s: %w", runID, ErrRunActive)
	}

	cp, err := e.checkpoints.Latest(ctx, runID)
	if err != nil {
		return e.lookupErr(runID, err)
	}
	state, err := ParseRunState(cp.Run.State)
	if err != nil {
		return fmt.Errorf("resume %s: %w", runID, err)
	}
	if state.Terminal() {
		return fmt.Errorf("resume %s (%s): %w", runID, state, ErrRunFinished)
	}

	rec, err := checkpoint.Restore(cp, e.registry)
	if err != nil {
		return err
	}
	r := newRun(e, runID, cp.Run.Idea)
	if err := r.restore(cp, rec.DAG, consensus.RestoreHistory(cp.History)); err != nil {
		return fmt.Errorf("resume %s: %w", runID, err)
	}
	r.logger.Info("run resumed", "checkpoint", cp.ID, "stage", r.stageName())
	e.launch(r, true)
	return nil
}

// Revert rolls a finished or interrupted run back to the decision recorded
// in history entry seq and runs it again from there. The decision is
// re-opened and settled by the coordinator; every task downstream of it
// runs again. History keeps both the original resolution and the revert.
func (e *Engine) Revert(ctx context.Context, runID string, seq int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if _, ok := e.runs[runID]; ok {
		return fmt.Errorf("revert %s: %w", runID, ErrRunActive)
	}

	latest, err := e.checkpoints.Latest(ctx, runID)
	if err != nil {
		return e.lookupErr(runID, err)
	}
	history := consensus.RestoreHistory(latest.History)
	entry, ok := history.Get(seq)
	if !ok || entry.Kind != consensus.EntryResolved || entry.CheckpointID == "" {
		return fmt.Errorf("revert %s entry %d: %w", runID, seq, ErrNotRevertible)
	}

	cp, err := e.checkpoints.Load(ctx, runID, entry.CheckpointID)
	if err != nil {
		return fmt.Errorf("revert %s entry %d: %w", runID, seq, err)
	}
	dag, decisions, err := reopenDecision(cp, entry.DecisionID)
	if err != nil {
		return fmt.Errorf("revert %s entry %d: %w", runID, seq, err)
	}

	restored := *cp
	restored.Decisions = decisions
	restored.Run.State = RunRunning.String()
	restored.Run.Cause = nil
	restored.Run.FinishedAt = time.Time{}
	r := newRun(e, runID, cp.Run.Idea)
	if err := r.restore(&restored, dag, history); err != nil {
		return fmt.Errorf("revert %s: %w", runID, err)
	}

	reverted := r.history.Append(consensus.Entry{
		DecisionID:   entry.DecisionID,
		Stage:        entry.Stage,
		Kind:         consensus.EntryReverted,
		Policy:       entry.Policy,
		CheckpointID: entry.CheckpointID,
		RevertOf:     entry.Seq,
		Reason:       "reverted by operator",
		At:           e.now(),
	})
	r.publishDecision(events.EventTypeDecisionReverted, reverted, entry.DecisionID)
	r.logger.Info("decision reverted", "decision", entry.DecisionID, "entry", seq, "checkpoint", entry.CheckpointID)
	r.checkpoint(ctx, checkpoint.ReasonRevert)
	e.launch(r, true)
	return nil
}

// launch registers r as active and starts its loop. Callers hold e.mu.
func (e *Engine) launch(r *run, resumed bool) {
	e.runs[r.id] = r
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.execute(resumed)

		e.mu.Lock()
		delete(e.runs, r.id)
		e.mu.Unlock()
		close(r.done)
	}()
}

// Abort stops an active run: dispatch stops, in-flight attempts are
// cancelled and the run ends Aborted.
func (e *Engine) Abort(runID string) error {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		cp, err := e.checkpoints.Latest(e.baseCtx, runID)
		if err != nil {
			return fmt.Errorf("abort %s: %w", runID, e.lookupErr(runID, err))
		}
		if state, _ := ParseRunState(cp.Run.State); state.Terminal() {
			return fmt.Errorf("abort %s: %w", runID, ErrRunFinished)
		}
		return fmt.Errorf("abort %s: not active: %w", runID, ErrRunNotFound)
	}
	r.requestAbort()
	return nil
}

// Snapshot returns the operator view of a run. Active runs are read live,
// others from their newest checkpoint.
func (e *Engine) Snapshot(ctx context.Context, runID string) (*RunSnapshot, error) {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if ok {
		return r.snapshot(ctx)
	}

	cp, err := e.checkpoints.Latest(ctx, runID)
	if err != nil {
		return nil, e.lookupErr(runID, err)
	}
	ids, err := e.checkpoints.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	return snapshotFromCheckpoint(cp, ids), nil
}

// Runs lists every known run, newest first.
func (e *Engine) Runs(ctx context.Context) ([]RunSummary, error) {
	keys, err := e.store.List(ctx, persistence.RunPrefix())
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	byID := make(map[string]RunSummary, len(keys))
	for _, key := range keys {
		data, err := e.store.Get(ctx, key)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		var s RunSummary
		if err := json.Unmarshal(data, &s); err != nil {
			e.logger.Warn("skipping unreadable run index entry", "key", key, "error", err)
			continue
		}
		byID[s.ID] = s
	}

	e.mu.Lock()
	for id, r := range e.runs {
		byID[id] = r.summary()
	}
	e.mu.Unlock()

	out := make([]RunSummary, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b RunSummary) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Agents returns the agent pool with live load and status.
func (e *Engine) Agents() []agent.Agent {
	return e.registry.All()
}

// Reinstate health-checks a degraded or offline agent and returns it to
// rotation. Its circuit breaker starts afresh.
func (e *Engine) Reinstate(ctx context.Context, agentID string) error {
	if err := e.registry.Reinstate(ctx, agentID, e.health); err != nil {
		return err
	}
	e.breakers.reset(agentID)
	return nil
}

// Memory returns the shared memory of a run.
func (e *Engine) Memory(runID string) *memory.Manager {
	return memory.NewManager(e.store, runID, e.logger)
}

// Close interrupts active runs, waits for their loops to stop and flushes
// pending checkpoints. Interrupted runs can be resumed by a new engine.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel(ErrEngineClosed)

	stopped := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(stopped)
	}()

	var errs []error
	select {
	case <-stopped:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for runs: %w", ctx.Err()))
	}

	if err := e.checkpoints.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.procs.KillAll(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, e.closeBackends())
	return errors.Join(errs...)
}

func (e *Engine) closeBackends() error {
	var errs []error
	for name, b := range e.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close provider %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) backendFor(a agent.Agent) (backend.Backend, error) {
	b, ok := e.backends[strings.ToLower(a.Provider)]
	if !ok {
		return nil, fmt.Errorf("agent %s: no backend for provider %q", a.ID, a.Provider)
	}
	return b, nil
}

// taskTimeout picks the attempt budget: the task's own, then the provider's,
// then the policy default.
func (e *Engine) taskTimeout(timeout time.Duration, a agent.Agent) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if p, ok := e.cfg.Provider(a.Provider); ok && p.Timeout > 0 {
		return p.Timeout
	}
	if e.cfg.Policy.TaskTimeout > 0 {
		return e.cfg.Policy.TaskTimeout
	}
	return 5 * time.Minute
}

func (e *Engine) checkHealth(ctx context.Context, a agent.Agent) error {
	b, err := e.backendFor(a)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.taskTimeout(0, a))
	defer cancel()

	resp, err := b.Invoke(ctx, backend.Request{
		Profile: profileOf(a),
		TaskID:  "health-check",
		Prompt:  healthPrompt,
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return backend.NewError(backend.KindInvalidResponse, errors.New("empty response"))
	}
	return nil
}

// lookupErr maps a missing checkpoint to ErrRunNotFound.
func (e *Engine) lookupErr(runID string, err error) error {
	if errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return err
}

func (e *Engine) publish(topic string, ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(topic, ev)
	}
}

func profileOf(a agent.Agent) backend.Profile {
	return backend.Profile{
		AgentID:      a.ID,
		Role:         a.Role,
		Capabilities: append([]string(nil), a.Capabilities...),
		Model:        a.Model,
		SystemPrompt: a.SystemPrompt,
	}
}
