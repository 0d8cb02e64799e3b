package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/deepproduct/internal/events"
)

// RunPaneModel is the run timeline: stages, decisions, checkpoints and the
// final outcome, newest last.
type RunPaneModel struct {
	lines    []string
	state    string
	stage    string
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewRunPaneModel creates a new run pane model.
func NewRunPaneModel() RunPaneModel {
	return RunPaneModel{
		state:    "pending",
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the run pane.
func (m RunPaneModel) Update(msg tea.Msg) (RunPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}
		return m, cmd

	case events.RunStartedEvent:
		m.state = "running"
		if msg.Resumed {
			m.add(msg.Timestamp, "run resumed")
		} else {
			m.add(msg.Timestamp, fmt.Sprintf("run started: %s", msg.Idea))
		}

	case events.StageStartedEvent:
		m.stage = msg.Stage
		m.add(msg.Timestamp, fmt.Sprintf("stage %d/%d %s started", msg.Index+1, msg.Total, msg.Stage))

	case events.StageCompletedEvent:
		m.add(msg.Timestamp, fmt.Sprintf("stage %s completed in %v", msg.Stage, msg.Duration.Round(time.Millisecond)))

	case events.DecisionEvent:
		m.add(msg.Timestamp, decisionLine(msg))

	case events.CheckpointSavedEvent:
		if msg.Err != nil {
			m.add(msg.Timestamp, StyleError.Render(fmt.Sprintf("checkpoint (%s) failed: %v", msg.Reason, msg.Err)))
		} else {
			m.add(msg.Timestamp, StyleStatusPending.Render(fmt.Sprintf("checkpoint %s (%s)", msg.CheckpointID, msg.Reason)))
		}

	case events.CapacityExhaustedEvent:
		m.add(msg.Timestamp, StyleStatusDegraded.Render(fmt.Sprintf("task %s waiting for %s after %d cycles",
			msg.ID, strings.Join(msg.Required, ","), msg.Cycles)))

	case events.RunFinishedEvent:
		m.state = msg.State
		line := fmt.Sprintf("run %s after %v", msg.State, msg.Duration.Round(time.Millisecond))
		if len(msg.Cause) > 0 {
			line += ": " + strings.Join(msg.Cause, "; ")
		}
		if msg.State == "completed" {
			line = StyleSuccess.Render(line)
		} else {
			line = StyleError.Render(line)
		}
		m.add(msg.Timestamp, line)
	}

	return m, nil
}

func decisionLine(e events.DecisionEvent) string {
	switch e.Type {
	case events.EventTypeDecisionResolved:
		return StyleStatusComplete.Render(fmt.Sprintf("decision %s resolved by %s", e.DecisionID, e.Resolver))
	case events.EventTypeDecisionEscalated:
		return StyleStatusDegraded.Render(fmt.Sprintf("decision %s escalated: %s", e.DecisionID, e.Reason))
	case events.EventTypeDecisionReverted:
		return StyleStatusDegraded.Render(fmt.Sprintf("decision %s reverted", e.DecisionID))
	default:
		return StyleStatusFailed.Render(fmt.Sprintf("decision %s unresolved: %s", e.DecisionID, e.Reason))
	}
}

func (m *RunPaneModel) add(ts time.Time, line string) {
	if ts.IsZero() {
		ts = time.Now()
	}
	m.lines = append(m.lines, fmt.Sprintf("%s  %s", ts.Format("15:04:05"), line))
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// State returns the last known run state.
func (m RunPaneModel) State() string {
	return m.state
}

// View renders the run pane.
func (m RunPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	label := fmt.Sprintf("Run [%s]", m.state)
	if m.stage != "" {
		label = fmt.Sprintf("Run [%s] stage %s", m.state, m.stage)
	}
	title := StyleTitle.Render(label)
	content := lipgloss.JoinVertical(lipgloss.Left, title, m.viewport.View())

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// SetSize updates the pane dimensions.
func (m *RunPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-3, 3)
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// SetFocused updates the focus state.
func (m *RunPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
