package consensus

import (
	"strings"
	"testing"
	"time"
)

func contributions(outputs ...string) []Contribution {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Contribution, len(outputs))
	for i, o := range outputs {
		out[i] = Contribution{
			TaskID:      string(rune('a' + i)),
			Output:      o,
			CompletedAt: base.Add(time.Duration(i) * time.Second),
			Seq:         i,
		}
	}
	return out
}

func TestResolve_Voting(t *testing.T) {
	tests := []struct {
		name     string
		outputs  []string
		resolved bool
		want     string
	}{
		{"majority", []string{"A", "A", "B"}, true, "A"},
		{"no majority", []string{"A", "B", "C"}, false, ""},
		{"even split", []string{"A", "A", "B", "B"}, false, ""},
		{"unanimous", []string{"A", "A", "A"}, true, "A"},
		{"normalized equality", []string{"Ship it", "  ship   IT\n", "hold"}, true, "Ship it"},
		{"single contributor", []string{"only"}, true, "only"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Resolve(&DecisionPoint{Policy: Voting}, contributions(tt.outputs...))
			if out.Resolved != tt.resolved {
				t.Fatalf("Resolved = %v, want %v (reason %q)", out.Resolved, tt.resolved, out.Reason)
			}
			if out.Output != tt.want {
				t.Errorf("Output = %q, want %q", out.Output, tt.want)
			}
			if !out.Resolved && out.Reason == "" {
				t.Error("Unresolved outcome must carry a reason")
			}
		})
	}
}

func TestResolve_FirstWins(t *testing.T) {
	cs := contributions("late", "early", "tie")
	cs[0].CompletedAt = cs[0].CompletedAt.Add(time.Hour)
	cs[2].CompletedAt = cs[1].CompletedAt

	out := Resolve(&DecisionPoint{Policy: FirstWins}, cs)
	if !out.Resolved || out.Output != "early" {
		t.Errorf("Outcome = %+v, want early (earliest, then insertion order)", out)
	}
}

func TestResolve_WeightedScore(t *testing.T) {
	tests := []struct {
		name     string
		weights  map[string]float64
		agentW   []float64
		outputs  []string
		resolved bool
		want     string
	}{
		{
			name:     "decision weights",
			weights:  map[string]float64{"a": 3, "b": 1, "c": 1},
			outputs:  []string{"A", "B", "B"},
			resolved: true,
			want:     "A",
		},
		{
			name:     "agent weights when unconfigured",
			agentW:   []float64{1, 2.5, 1},
			outputs:  []string{"A", "B", "A"},
			resolved: true,
			want:     "B",
		},
		{
			name:     "default weight is one",
			outputs:  []string{"A", "B", "B"},
			resolved: true,
			want:     "B",
		},
		{
			name:    "tie escalates",
			weights: map[string]float64{"a": 2, "b": 1, "c": 1},
			outputs: []string{"A", "B", "B"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := contributions(tt.outputs...)
			for i, w := range tt.agentW {
				cs[i].AgentWeight = w
			}
			out := Resolve(&DecisionPoint{Policy: WeightedScore, Weights: tt.weights}, cs)
			if out.Resolved != tt.resolved {
				t.Fatalf("Resolved = %v, want %v (reason %q)", out.Resolved, tt.resolved, out.Reason)
			}
			if out.Output != tt.want {
				t.Errorf("Output = %q, want %q", out.Output, tt.want)
			}
		})
	}
}

// TestResolve_CountsMissingContributors verifies majorities are taken over
// every declared contributor when some of them did not complete.
func TestResolve_CountsMissingContributors(t *testing.T) {
	tests := []struct {
		name     string
		dp       DecisionPoint
		outputs  []string
		resolved bool
		want     string
	}{
		{
			name:    "one vote of three",
			dp:      DecisionPoint{Policy: Voting, Contributors: []string{"a", "b", "c"}},
			outputs: []string{"A"},
		},
		{
			name:     "two votes of three",
			dp:       DecisionPoint{Policy: Voting, Contributors: []string{"a", "b", "c"}},
			outputs:  []string{"A", "A"},
			resolved: true,
			want:     "A",
		},
		{
			name:    "two split votes of four",
			dp:      DecisionPoint{Policy: Voting, Contributors: []string{"a", "b", "c", "d"}},
			outputs: []string{"A", "A"},
		},
		{
			name:    "weighted lead within missing weight",
			dp:      DecisionPoint{Policy: WeightedScore, Contributors: []string{"a", "b", "c"}, Weights: map[string]float64{"a": 2, "b": 1, "c": 1}},
			outputs: []string{"A", "B"},
		},
		{
			name:     "weighted lead beyond missing weight",
			dp:       DecisionPoint{Policy: WeightedScore, Contributors: []string{"a", "b", "c"}, Weights: map[string]float64{"a": 5, "b": 1, "c": 1}},
			outputs:  []string{"A", "B"},
			resolved: true,
			want:     "A",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Resolve(&tt.dp, contributions(tt.outputs...))
			if out.Resolved != tt.resolved {
				t.Fatalf("Resolved = %v, want %v (reason %q)", out.Resolved, tt.resolved, out.Reason)
			}
			if out.Output != tt.want {
				t.Errorf("Output = %q, want %q", out.Output, tt.want)
			}
		})
	}
}

func TestResolve_CoordinatorArbitrationAlwaysEscalates(t *testing.T) {
	out := Resolve(&DecisionPoint{Policy: CoordinatorArbitration}, contributions("A", "A", "A"))
	if out.Resolved {
		t.Errorf("Outcome = %+v, want unresolved", out)
	}
}

func TestResolve_NoContributions(t *testing.T) {
	if out := Resolve(&DecisionPoint{Policy: FirstWins}, nil); out.Resolved {
		t.Error("Expected unresolved outcome without contributions")
	}
}

func TestParsePolicy(t *testing.T) {
	for _, name := range []string{"first_wins", "Voting", "weighted-score", "COORDINATOR_ARBITRATION"} {
		if _, err := ParsePolicy(name); err != nil {
			t.Errorf("ParsePolicy(%q): %v", name, err)
		}
	}
	if _, err := ParsePolicy("coin_flip"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestHistory_AppendOnly(t *testing.T) {
	h := NewHistory()
	first := h.Append(Entry{DecisionID: "d1", Kind: EntryEscalated, Contributors: []string{"a", "b"}})
	second := h.Append(Entry{DecisionID: "d1", Kind: EntryResolved, Output: "A"})
	h.Append(Entry{DecisionID: "d2", Kind: EntryResolved})

	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("Seqs = %d, %d", first.Seq, second.Seq)
	}
	if first.At.IsZero() {
		t.Error("Append must timestamp entries")
	}

	// Copies handed out cannot change the log.
	entries := h.Entries()
	entries[0].Output = "tampered"
	entries[0].Contributors[0] = "tampered"
	got, _ := h.Get(1)
	if got.Output != "" || got.Contributors[0] != "a" {
		t.Errorf("History mutated through a copy: %+v", got)
	}

	if n := len(h.ForDecision("d1")); n != 2 {
		t.Errorf("ForDecision(d1) = %d entries, want 2", n)
	}
	if _, ok := h.Get(4); ok {
		t.Error("Get(4) on a 3-entry history")
	}

	restored := RestoreHistory(h.Entries())
	if next := restored.Append(Entry{Kind: EntryReverted}); next.Seq != 4 {
		t.Errorf("Seq after restore = %d, want 4", next.Seq)
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  Hello\t  World \n"); got != "hello world" {
		t.Errorf("Normalize() = %q", got)
	}
	if !strings.EqualFold(Normalize("A"), "a") {
		t.Error("Normalize must case-fold")
	}
}
