package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/consensus"
	"github.com/aristath/deepproduct/internal/persistence"
	"github.com/aristath/deepproduct/internal/scheduler"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, persistence.Store) {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	m := NewManager(store, cfg)
	t.Cleanup(func() {
		m.Close(context.Background())
		store.Close()
	})
	return m, store
}

func snapshot(runID string, tasks ...*scheduler.Task) Snapshot {
	return Snapshot{
		RunID:  runID,
		Reason: ReasonCompletions,
		Run:    RunMeta{Idea: "idea", State: "running", Stages: []string{"ideation"}},
		Tasks:  tasks,
	}
}

func TestCheckpoint_WriteAndLoad(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})

	snap := snapshot("run-1", &scheduler.Task{ID: "A", State: scheduler.TaskCompleted, Result: "a"})
	snap.Agents = []agent.Agent{{ID: "pm", Status: agent.StatusDegraded, Failures: 2}}
	snap.Decisions = []*consensus.DecisionPoint{{ID: "d1", Policy: consensus.Voting, State: consensus.StateResolved}}
	snap.History = []consensus.Entry{{Seq: 1, DecisionID: "d1", Kind: consensus.EntryResolved}}

	id, err := m.Checkpoint(ctx, snap)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if id != "00000001" {
		t.Errorf("first checkpoint id = %q", id)
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	cp, err := m.Load(ctx, "run-1", id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Seq != 1 || cp.Run.Idea != "idea" || cp.Reason != ReasonCompletions {
		t.Errorf("checkpoint = %+v", cp)
	}
	if len(cp.Tasks) != 1 || cp.Tasks[0].State != scheduler.TaskCompleted || cp.Tasks[0].Result != "a" {
		t.Errorf("tasks = %+v", cp.Tasks)
	}
	if cp.Agents[0].Status != agent.StatusDegraded || cp.Agents[0].Failures != 2 {
		t.Errorf("agents = %+v", cp.Agents)
	}
	if dp, ok := cp.Decision("d1"); !ok || dp.State != consensus.StateResolved {
		t.Errorf("decision d1 = %+v, %v", dp, ok)
	}
	if len(cp.History) != 1 || cp.History[0].Kind != consensus.EntryResolved {
		t.Errorf("history = %+v", cp.History)
	}

	if _, err := m.Load(ctx, "run-1", "00000099"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(missing) = %v, want ErrNotFound", err)
	}
}

func TestCheckpoint_SnapshotIsFrozen(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})

	task := &scheduler.Task{ID: "A", State: scheduler.TaskRunning}
	id, _ := m.Checkpoint(ctx, snapshot("run-1", task))
	task.State = scheduler.TaskFailed
	m.Flush(ctx)

	cp, _ := m.Load(ctx, "run-1", id)
	if cp.Tasks[0].State != scheduler.TaskRunning {
		t.Errorf("stored state = %s, want running", cp.Tasks[0].State)
	}
}

func TestCheckpoint_SequenceAndLatest(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, Config{})

	if _, err := m.Latest(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest(empty) = %v, want ErrNotFound", err)
	}

	reserved, _ := m.Reserve(ctx, "run-1")
	for i := 0; i < 3; i++ {
		m.Checkpoint(ctx, snapshot("run-1"))
	}
	snap := snapshot("run-1")
	snap.ID = reserved
	snap.Reason = ReasonDecision
	m.Checkpoint(ctx, snap)
	m.Checkpoint(ctx, snapshot("run-2"))
	m.Flush(ctx)

	ids, _ := m.List(ctx, "run-1")
	if fmt.Sprint(ids) != "[00000001 00000002 00000003 00000004]" {
		t.Errorf("List = %v", ids)
	}
	latest, err := m.Latest(ctx, "run-1")
	if err != nil || latest.ID != "00000004" {
		t.Errorf("Latest = %+v, %v", latest, err)
	}
	first, _ := m.Load(ctx, "run-1", reserved)
	if first.Reason != ReasonDecision {
		t.Errorf("reserved checkpoint reason = %q", first.Reason)
	}

	// A new manager over the same store continues the sequence.
	resumed := NewManager(store, Config{})
	defer resumed.Close(ctx)
	next, _ := resumed.Reserve(ctx, "run-1")
	if next != "00000005" {
		t.Errorf("resumed Reserve = %q, want 00000005", next)
	}
}

func TestCheckpoint_Retention(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{Retain: 2})

	for i := 0; i < 5; i++ {
		if _, err := m.Checkpoint(ctx, snapshot("run-1")); err != nil {
			t.Fatal(err)
		}
	}
	m.Flush(ctx)

	ids, _ := m.List(ctx, "run-1")
	if fmt.Sprint(ids) != "[00000004 00000005]" {
		t.Errorf("retained = %v", ids)
	}
}

func TestCheckpoint_OnSaved(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var saved []string
	m, _ := newTestManager(t, Config{OnSaved: func(cp *Checkpoint, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			saved = append(saved, cp.ID)
		}
	}})

	m.Checkpoint(ctx, snapshot("run-1"))
	m.Checkpoint(ctx, snapshot("run-1"))
	m.Flush(ctx)

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(saved) != "[00000001 00000002]" {
		t.Errorf("OnSaved calls = %v", saved)
	}
}

func TestCheckpoint_Validation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})

	if _, err := m.Checkpoint(ctx, Snapshot{}); err == nil {
		t.Error("Checkpoint without run id succeeded")
	}
	snap := snapshot("run-1")
	snap.ID = "latest"
	if _, err := m.Checkpoint(ctx, snap); err == nil {
		t.Error("Checkpoint with non-numeric id succeeded")
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	store, _ := persistence.NewMemoryStore(ctx)
	defer store.Close()
	m := NewManager(store, Config{})

	id, _ := m.Checkpoint(ctx, snapshot("run-1"))
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := m.Load(ctx, "run-1", id); err != nil {
		t.Errorf("queued write lost on Close: %v", err)
	}
	if _, err := m.Checkpoint(ctx, snapshot("run-1")); !errors.Is(err, ErrClosed) {
		t.Errorf("Checkpoint after Close = %v, want ErrClosed", err)
	}
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})

	// A run crashed while B was running and C waited on B.
	dag := scheduler.NewDAG()
	dag.AddTask(&scheduler.Task{ID: "A"})
	dag.AddTask(&scheduler.Task{ID: "B", DependsOn: []string{"A"}})
	dag.AddTask(&scheduler.Task{ID: "C", DependsOn: []string{"B"}})
	dag.Assign("A", "pm")
	dag.MarkRunning("A")
	dag.MarkCompleted("A", "a")
	dag.Assign("B", "pm")
	dag.MarkRunning("B")

	snap := snapshot("run-1", dag.Snapshot()...)
	snap.Agents = []agent.Agent{
		{ID: "pm", Capabilities: []string{"pm"}, MaxConcurrency: 1, Status: agent.StatusBusy, CurrentLoad: 1, Failures: 1},
		{ID: "qa", Capabilities: []string{"qa"}, MaxConcurrency: 1, Status: agent.StatusOffline},
	}
	m.Checkpoint(ctx, snap)
	m.Flush(ctx)

	registry := agent.NewRegistry(nil)
	registry.Register(agent.Descriptor{ID: "pm", Capabilities: []string{"pm"}})

	rec, err := m.Recover(ctx, "run-1", registry)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	b, _ := rec.DAG.Get("B")
	if b.State != scheduler.TaskReady || b.AttemptCount != 1 {
		t.Errorf("B recovered as %s with %d attempts", b.State, b.AttemptCount)
	}
	if c, _ := rec.DAG.Get("C"); c.State != scheduler.TaskPending {
		t.Errorf("C recovered as %s", c.State)
	}

	pm, _ := registry.Get("pm")
	if pm.CurrentLoad != 0 || pm.Status != agent.StatusIdle || pm.Failures != 1 {
		t.Errorf("pm restored as %+v", pm)
	}
	if _, ok := registry.Get("qa"); ok {
		t.Error("unregistered agent qa was restored")
	}

	if _, err := m.Recover(ctx, "unknown", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Recover(unknown) = %v, want ErrNotFound", err)
	}
}

func TestCheckpoint_ContextCancelledWhileQueueFull(t *testing.T) {
	store, _ := persistence.NewMemoryStore(context.Background())
	defer store.Close()
	blocked := make(chan struct{})
	m := NewManager(store, Config{QueueSize: 1, OnSaved: func(*Checkpoint, error) { <-blocked }})
	defer func() {
		close(blocked)
		m.Close(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		_, err = m.Checkpoint(ctx, snapshot("run-1"))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Checkpoint on full queue = %v, want deadline exceeded", err)
	}
}
