package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/deepproduct/internal/events"
)

// DAGPaneModel shows the task counts of the current stage.
type DAGPaneModel struct {
	stage     string
	total     int
	pending   int
	ready     int
	running   int
	completed int
	failed    int
	cancelled int
	width     int
	height    int
	focused   bool
}

// NewDAGPaneModel creates a new DAG pane model.
func NewDAGPaneModel() DAGPaneModel {
	return DAGPaneModel{}
}

// Update handles messages for the DAG pane.
func (m DAGPaneModel) Update(msg tea.Msg) (DAGPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.DAGProgressEvent:
		m.stage = msg.Stage
		m.total = msg.Total
		m.pending = msg.Pending
		m.ready = msg.Ready
		m.running = msg.Running
		m.completed = msg.Completed
		m.failed = msg.Failed
		m.cancelled = msg.Cancelled
	}

	return m, nil
}

// View renders the DAG pane.
func (m DAGPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	label := "Stage Progress"
	if m.stage != "" {
		label = fmt.Sprintf("Stage Progress: %s", m.stage)
	}
	title := StyleTitle.Render(label)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("Total:     %d\n", m.total))
	b.WriteString(fmt.Sprintf("Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", m.completed))))
	b.WriteString(fmt.Sprintf("Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", m.running))))
	b.WriteString(fmt.Sprintf("Ready:     %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", m.ready))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", m.pending))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", m.failed))))
	b.WriteString(fmt.Sprintf("Cancelled: %s\n", StyleStatusCancelled.Render(fmt.Sprintf("%d", m.cancelled))))

	b.WriteString("\n")

	if m.total > 0 {
		b.WriteString(m.progressBar(min(m.width-14, 40)))
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// progressBar renders settled work first, then running, then waiting tasks.
func (m DAGPaneModel) progressBar(barWidth int) string {
	barWidth = max(barWidth, 10)
	completedWidth := (m.completed * barWidth) / m.total
	failedWidth := (m.failed * barWidth) / m.total
	cancelledWidth := (m.cancelled * barWidth) / m.total
	runningWidth := (m.running * barWidth) / m.total
	waitingWidth := barWidth - completedWidth - failedWidth - cancelledWidth - runningWidth

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
	bar += StyleStatusCancelled.Render(strings.Repeat("x", max(0, cancelledWidth)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, waitingWidth)))

	return fmt.Sprintf("[%s]  %d/%d", bar, m.completed, m.total)
}

// SetSize updates the pane dimensions.
func (m *DAGPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *DAGPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
