package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestRegistry(t *testing.T, ds ...Descriptor) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			t.Fatalf("Register(%s) failed: %v", d.ID, err)
		}
	}
	return r
}

func ids(agents []Agent) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRegister_Duplicate(t *testing.T) {
	r := newTestRegistry(t, Descriptor{ID: "a1"})

	err := r.Register(Descriptor{ID: "a1"})
	var dup *DuplicateAgentError
	if !errors.As(err, &dup) {
		t.Fatalf("Expected *DuplicateAgentError, got %v", err)
	}
	if dup.ID != "a1" {
		t.Errorf("DuplicateAgentError.ID = %q", dup.ID)
	}
}

func TestRegister_Defaults(t *testing.T) {
	r := newTestRegistry(t, Descriptor{ID: "a1"})
	a, _ := r.Get("a1")
	if a.MaxConcurrency != 1 || a.Weight != 1 || a.Status != StatusIdle {
		t.Errorf("Unexpected defaults: %+v", a)
	}
}

func TestFindEligible(t *testing.T) {
	tests := []struct {
		name     string
		agents   []Descriptor
		setup    func(t *testing.T, r *Registry)
		required []string
		exclude  map[string]bool
		want     []string
	}{
		{
			name: "capability superset",
			agents: []Descriptor{
				{ID: "ui", Capabilities: []string{"ui"}},
				{ID: "uiux", Capabilities: []string{"ui", "ux"}},
				{ID: "market", Capabilities: []string{"market"}},
			},
			required: []string{"ui"},
			want:     []string{"ui", "uiux"},
		},
		{
			name: "load then tier then registration",
			agents: []Descriptor{
				{ID: "backup", Capabilities: []string{"x"}, Tier: TierBackup},
				{ID: "busy", Capabilities: []string{"x"}, MaxConcurrency: 2},
				{ID: "primary", Capabilities: []string{"x"}},
			},
			setup: func(t *testing.T, r *Registry) {
				if _, err := r.Acquire("busy"); err != nil {
					t.Fatal(err)
				}
			},
			required: []string{"x"},
			want:     []string{"primary", "backup", "busy"},
		},
		{
			name: "full busy agent excluded",
			agents: []Descriptor{
				{ID: "a1", Capabilities: []string{"x"}},
				{ID: "a2", Capabilities: []string{"x"}},
			},
			setup: func(t *testing.T, r *Registry) {
				if _, err := r.Acquire("a1"); err != nil {
					t.Fatal(err)
				}
			},
			required: []string{"x"},
			want:     []string{"a2"},
		},
		{
			name: "degraded and offline excluded",
			agents: []Descriptor{
				{ID: "a1", Capabilities: []string{"x"}},
				{ID: "a2", Capabilities: []string{"x"}},
				{ID: "a3", Capabilities: []string{"x"}},
			},
			setup: func(t *testing.T, r *Registry) {
				r.MarkStatus("a1", StatusDegraded)
				r.MarkStatus("a2", StatusOffline)
			},
			required: []string{"x"},
			want:     []string{"a3"},
		},
		{
			name: "exclude set",
			agents: []Descriptor{
				{ID: "a1", Capabilities: []string{"x"}},
				{ID: "a2", Capabilities: []string{"x"}},
			},
			required: []string{"x"},
			exclude:  map[string]bool{"a1": true},
			want:     []string{"a2"},
		},
		{
			name:     "no requirements matches everyone",
			agents:   []Descriptor{{ID: "a1"}, {ID: "a2", Capabilities: []string{"y"}}},
			required: nil,
			want:     []string{"a1", "a2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, tt.agents...)
			if tt.setup != nil {
				tt.setup(t, r)
			}
			got := ids(r.FindEligible(tt.required, tt.exclude))
			if !equalIDs(got, tt.want) {
				t.Errorf("FindEligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarkStatus_RequiresHealthCheck(t *testing.T) {
	r := newTestRegistry(t, Descriptor{ID: "a1"})

	for _, from := range []Status{StatusOffline, StatusDegraded} {
		if err := r.MarkStatus("a1", from); err != nil {
			t.Fatalf("MarkStatus(%s) failed: %v", from, err)
		}
		if err := r.MarkStatus("a1", StatusIdle); !errors.Is(err, ErrHealthCheckRequired) {
			t.Errorf("%s -> idle: expected ErrHealthCheckRequired, got %v", from, err)
		}
	}

	// Offline -> Degraded is allowed, it keeps the agent out of rotation.
	if err := r.MarkStatus("a1", StatusOffline); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkStatus("a1", StatusDegraded); err != nil {
		t.Errorf("offline -> degraded: %v", err)
	}
}

func TestMarkStatus_UnknownAgent(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.MarkStatus("ghost", StatusOffline); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestReinstate(t *testing.T) {
	r := newTestRegistry(t, Descriptor{ID: "a1"})
	r.MarkStatus("a1", StatusOffline)

	failing := HealthCheckFunc(func(ctx context.Context, a Agent) error {
		return errors.New("unreachable")
	})
	if err := r.Reinstate(context.Background(), "a1", failing); err == nil {
		t.Fatal("Expected failed health check to keep agent offline")
	}
	if a, _ := r.Get("a1"); a.Status != StatusOffline {
		t.Errorf("Status = %s, want offline", a.Status)
	}

	var checked int
	ok := HealthCheckFunc(func(ctx context.Context, a Agent) error {
		checked++
		return nil
	})
	if err := r.Reinstate(context.Background(), "a1", ok); err != nil {
		t.Fatalf("Reinstate failed: %v", err)
	}
	if a, _ := r.Get("a1"); a.Status != StatusIdle {
		t.Errorf("Status = %s, want idle", a.Status)
	}
	if checked != 1 {
		t.Errorf("Health checker called %d times, want 1", checked)
	}
}

func TestAcquireRelease(t *testing.T) {
	r := newTestRegistry(t, Descriptor{ID: "a1", MaxConcurrency: 2})

	l1, err := r.Acquire("a1")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := r.Get("a1")
	if a.Status != StatusBusy || a.CurrentLoad != 1 {
		t.Fatalf("After first acquire: %s load %d", a.Status, a.CurrentLoad)
	}

	l2, err := r.Acquire("a1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Acquire("a1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable at capacity, got %v", err)
	}

	l1.Release()
	l2.Release()
	a, _ = r.Get("a1")
	if a.Status != StatusIdle || a.CurrentLoad != 0 {
		t.Errorf("After release: %s load %d", a.Status, a.CurrentLoad)
	}
}

func TestLease_ReleaseExactlyOnce(t *testing.T) {
	r := newTestRegistry(t, Descriptor{ID: "a1", MaxConcurrency: 3})

	// A second lease keeps load at 1 so a double decrement would show.
	if _, err := r.Acquire("a1"); err != nil {
		t.Fatal(err)
	}
	lease, err := r.Acquire("a1")
	if err != nil {
		t.Fatal(err)
	}

	// Completion, timeout and cancellation racing on the same lease.
	var wg sync.WaitGroup
	var released atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lease.Release() {
				released.Add(1)
			}
		}()
	}
	wg.Wait()

	if released.Load() != 1 {
		t.Errorf("Release performed %d times, want 1", released.Load())
	}
	if a, _ := r.Get("a1"); a.CurrentLoad != 1 {
		t.Errorf("CurrentLoad = %d, want 1", a.CurrentLoad)
	}
}

func TestRelease_KeepsDegradedStatus(t *testing.T) {
	r := newTestRegistry(t, Descriptor{ID: "a1"})
	lease, _ := r.Acquire("a1")
	r.MarkStatus("a1", StatusDegraded)
	lease.Release()

	a, _ := r.Get("a1")
	if a.Status != StatusDegraded || a.CurrentLoad != 0 {
		t.Errorf("After release: %s load %d", a.Status, a.CurrentLoad)
	}
}

func TestCapable(t *testing.T) {
	r := newTestRegistry(t,
		Descriptor{ID: "a1", Capabilities: []string{"x"}},
		Descriptor{ID: "a2", Capabilities: []string{"x"}},
		Descriptor{ID: "a3", Capabilities: []string{"x"}},
	)
	r.Acquire("a1")
	r.MarkStatus("a2", StatusDegraded)
	r.MarkStatus("a3", StatusOffline)

	got := ids(r.Capable([]string{"x"}, nil))
	if !equalIDs(got, []string{"a1"}) {
		t.Errorf("Capable() = %v, want only the busy agent", got)
	}
}

func TestStatusHook(t *testing.T) {
	r := newTestRegistry(t, Descriptor{ID: "a1"})

	var changes []StatusChange
	r.SetStatusHook(func(c StatusChange) { changes = append(changes, c) })

	lease, _ := r.Acquire("a1")
	lease.Release()
	r.MarkStatus("a1", StatusDegraded)

	want := []Status{StatusBusy, StatusIdle, StatusDegraded}
	if len(changes) != len(want) {
		t.Fatalf("Got %d changes, want %d: %+v", len(changes), len(want), changes)
	}
	for i, s := range want {
		if changes[i].To != s {
			t.Errorf("change[%d].To = %s, want %s", i, changes[i].To, s)
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	r := newTestRegistry(t,
		Descriptor{ID: "a1", Capabilities: []string{"x"}},
		Descriptor{ID: "a2", Capabilities: []string{"x"}},
	)
	r.Acquire("a1")
	r.RecordFailure("a2")
	r.MarkStatus("a2", StatusDegraded)

	snap := r.Snapshot()

	fresh := newTestRegistry(t,
		Descriptor{ID: "a1", Capabilities: []string{"x"}},
		Descriptor{ID: "a2", Capabilities: []string{"x"}},
	)
	fresh.Restore(snap)

	a1, _ := fresh.Get("a1")
	if a1.Status != StatusIdle || a1.CurrentLoad != 0 {
		t.Errorf("a1 restored as %s load %d, want idle load 0", a1.Status, a1.CurrentLoad)
	}
	a2, _ := fresh.Get("a2")
	if a2.Status != StatusDegraded || a2.Failures != 1 {
		t.Errorf("a2 restored as %s failures %d", a2.Status, a2.Failures)
	}
}

// TestRestore_SkipsUnregisteredAgents verifies a checkpoint cannot bring back
// an agent that is no longer configured.
func TestRestore_SkipsUnregisteredAgents(t *testing.T) {
	old := newTestRegistry(t,
		Descriptor{ID: "a1", Capabilities: []string{"x"}},
		Descriptor{ID: "gone", Capabilities: []string{"x"}},
	)
	old.RecordFailure("a1")
	snap := old.Snapshot()

	fresh := newTestRegistry(t, Descriptor{ID: "a1", Capabilities: []string{"x"}})
	fresh.Restore(snap)

	if got := ids(fresh.All()); !equalIDs(got, []string{"a1"}) {
		t.Errorf("All() = %v, want [a1]", got)
	}
	if a1, _ := fresh.Get("a1"); a1.Failures != 1 {
		t.Errorf("a1 failures = %d, want 1", a1.Failures)
	}
	if _, ok := fresh.Get("gone"); ok {
		t.Error("unregistered agent was restored")
	}
}

func TestDeregister(t *testing.T) {
	r := newTestRegistry(t, Descriptor{ID: "a1"})
	lease, _ := r.Acquire("a1")

	if err := r.Deregister("a1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get("a1"); ok {
		t.Error("Agent still present after Deregister")
	}
	lease.Release()

	if err := r.Deregister("a1"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestStatusText(t *testing.T) {
	for _, s := range []Status{StatusIdle, StatusBusy, StatusDegraded, StatusOffline} {
		b, _ := s.MarshalText()
		var got Status
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Errorf("round trip %s -> %s (%v)", s, got, err)
		}
	}
}
