package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/aristath/deepproduct/internal/orchestrator"
)

// printStatus prints a status line with color
func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

func stateColor(state orchestrator.RunState) color.Attribute {
	switch state {
	case orchestrator.RunCompleted:
		return color.FgGreen
	case orchestrator.RunRunning:
		return color.FgYellow
	default:
		return color.FgRed
	}
}

func stateSymbol(state orchestrator.RunState) string {
	switch state {
	case orchestrator.RunCompleted:
		return "✓"
	case orchestrator.RunRunning:
		return "●"
	default:
		return "✗"
	}
}

func taskSymbol(state string) (string, color.Attribute) {
	switch state {
	case "completed":
		return "✓", color.FgGreen
	case "running":
		return "●", color.FgYellow
	case "failed":
		return "✗", color.FgRed
	case "cancelled":
		return "-", color.FgHiBlack
	default:
		return "○", color.FgHiBlack
	}
}

// printSnapshot renders a run for the terminal. verbose adds tasks,
// decisions and history.
func printSnapshot(w io.Writer, snap *orchestrator.RunSnapshot, verbose bool) {
	bold := color.New(color.Bold)
	state := snap.State.String()
	if !snap.State.Terminal() && !snap.Active {
		state = "interrupted"
	}
	printStatus(w, stateSymbol(snap.State), fmt.Sprintf("Run %s: %s", bold.Sprint(snap.ID), state), stateColor(snap.State))
	fmt.Fprintf(w, "  Idea:    %s\n", snap.Idea)
	if snap.Stage != "" {
		fmt.Fprintf(w, "  Stage:   %s (%d/%d)\n", snap.Stage, snap.StageIndex+1, len(snap.Stages))
	}
	fmt.Fprintf(w, "  Started: %s\n", snap.StartedAt.Format(time.RFC3339))
	if !snap.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  Took:    %v\n", snap.FinishedAt.Sub(snap.StartedAt).Round(time.Millisecond))
	}
	for _, cause := range snap.Cause {
		printStatus(w, "  !", cause, color.FgRed)
	}
	for _, esc := range snap.Escalations {
		printStatus(w, "  ⚠", esc, color.FgYellow)
	}

	if !verbose {
		return
	}

	if len(snap.Tasks) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold.Sprint("Tasks"))
		for _, t := range snap.Tasks {
			symbol, attr := taskSymbol(t.State)
			line := fmt.Sprintf("%-24s %-10s attempts=%d", t.ID, t.State, t.Attempts)
			if t.Agent != "" {
				line += " agent=" + t.Agent
			}
			if t.LastError != "" {
				line += " error=" + t.LastError
			}
			printStatus(w, "  "+symbol, line, attr)
		}
	}

	if len(snap.History) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold.Sprint("Decisions"))
		for _, h := range snap.History {
			fmt.Fprintf(w, "  #%-3d %-10s %-20s %s\n", h.Seq, h.Kind, h.DecisionID, h.Resolver)
		}
	}

	if len(snap.Stages) > 0 && len(snap.StageOutputs) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold.Sprint("Stage outputs"))
		for _, name := range snap.Stages {
			out, ok := snap.StageOutputs[name]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "  %s: %s\n", name, firstLine(out, 100))
		}
	}
}

// printRuns renders the run index.
func printRuns(w io.Writer, runs []orchestrator.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs yet. Run 'deepproduct run <idea>' to start.")
		return
	}
	for _, r := range runs {
		printStatus(w, stateSymbol(r.State),
			fmt.Sprintf("%s  %-9s %s  %s", r.ID, r.State, r.StartedAt.Format("2006-01-02 15:04"), firstLine(r.Idea, 60)),
			stateColor(r.State))
	}
}

func firstLine(s string, limit int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > limit {
		s = s[:limit-3] + "..."
	}
	return s
}
