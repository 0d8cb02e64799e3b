package consensus

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Contribution is one completed contributor output.
type Contribution struct {
	TaskID      string
	AgentID     string
	Output      string
	CompletedAt time.Time
	Seq         int     // task insertion order, the final tie-break
	AgentWeight float64 // 0 means unset
}

// Outcome is the result of an automatic resolution attempt.
type Outcome struct {
	Resolved bool
	Output   string
	Winners  []string // contributor task IDs backing the output
	Reason   string   // why the policy could not decide
}

// Resolve applies the decision point's policy to the contributions.
// An unresolved outcome means the decision must be escalated. Majorities are
// counted over every declared contributor, so contributors that did not
// complete still count against each candidate output.
func Resolve(dp *DecisionPoint, contributions []Contribution) Outcome {
	if len(contributions) == 0 {
		return Outcome{Reason: "no completed contributions"}
	}

	ordered := slices.Clone(contributions)
	slices.SortStableFunc(ordered, func(a, b Contribution) int { return a.Seq - b.Seq })

	switch dp.Policy {
	case FirstWins:
		return firstWins(ordered)
	case Voting:
		return vote(ordered, max(len(dp.Contributors), len(ordered)))
	case WeightedScore:
		return weighted(ordered, dp.Weights, missingWeight(dp, ordered))
	case CoordinatorArbitration:
		return Outcome{Reason: "policy requires coordinator arbitration"}
	default:
		return Outcome{Reason: fmt.Sprintf("unknown policy %s", dp.Policy)}
	}
}

// Normalize maps outputs that differ only in surrounding or repeated
// whitespace or letter case to the same key.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func firstWins(ordered []Contribution) Outcome {
	best := ordered[0]
	for _, c := range ordered[1:] {
		if c.CompletedAt.Before(best.CompletedAt) {
			best = c
		}
	}
	return Outcome{Resolved: true, Output: best.Output, Winners: []string{best.TaskID}}
}

type group struct {
	output  string // first original output of the group
	members []string
	score   float64
}

// groupBy buckets contributions by normalized output, keeping first-seen order.
func groupBy(ordered []Contribution, score func(Contribution) float64) []*group {
	index := make(map[string]*group)
	var groups []*group
	for _, c := range ordered {
		key := Normalize(c.Output)
		g, ok := index[key]
		if !ok {
			g = &group{output: c.Output}
			index[key] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, c.TaskID)
		g.score += score(c)
	}
	return groups
}

func vote(ordered []Contribution, voters int) Outcome {
	groups := groupBy(ordered, func(Contribution) float64 { return 1 })
	for _, g := range groups {
		if len(g.members)*2 > voters {
			return Outcome{Resolved: true, Output: g.output, Winners: g.members}
		}
	}
	if voters > len(ordered) {
		return Outcome{Reason: fmt.Sprintf("no strict majority of %d contributors among %d completed outputs", voters, len(ordered))}
	}
	return Outcome{Reason: fmt.Sprintf("no strict majority among %d outputs in %d groups", len(ordered), len(groups))}
}

func weight(c Contribution, weights map[string]float64) float64 {
	if w, ok := weights[c.TaskID]; ok {
		return w
	}
	if c.AgentWeight > 0 {
		return c.AgentWeight
	}
	return 1
}

// missingWeight sums the configured weights of contributors without a
// completed output. Their agents are unknown, so they default to 1.
func missingWeight(dp *DecisionPoint, ordered []Contribution) float64 {
	completed := make(map[string]bool, len(ordered))
	for _, c := range ordered {
		completed[c.TaskID] = true
	}
	var sum float64
	for _, id := range dp.Contributors {
		if completed[id] {
			continue
		}
		if w, ok := dp.Weights[id]; ok {
			sum += w
		} else {
			sum += 1
		}
	}
	return sum
}

// weighted picks the group with the highest cumulative weight. The lead must
// exceed what the missing contributors could have added to the runner-up.
func weighted(ordered []Contribution, weights map[string]float64, missing float64) Outcome {
	groups := groupBy(ordered, func(c Contribution) float64 { return weight(c, weights) })

	var best, second *group
	for _, g := range groups {
		switch {
		case best == nil || g.score > best.score:
			best, second = g, best
		case second == nil || g.score > second.score:
			second = g
		}
	}
	runnerUp := 0.0
	if second != nil {
		runnerUp = second.score
	}
	if second != nil && best.score == second.score {
		return Outcome{Reason: fmt.Sprintf("weighted score tie at %.3g", best.score)}
	}
	if missing > 0 && best.score <= runnerUp+missing {
		return Outcome{Reason: fmt.Sprintf("weighted score %.3g does not exceed %.3g with missing contributors", best.score, runnerUp+missing)}
	}
	return Outcome{Resolved: true, Output: best.output, Winners: best.members}
}
