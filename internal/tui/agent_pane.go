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

// Task display states.
const (
	TaskAssigned  = "assigned"
	TaskRunning   = "running"
	TaskRetrying  = "retrying"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// TaskState is what the monitor knows about one task of the run.
type TaskState struct {
	TaskID    string
	Name      string
	Stage     string
	AgentID   string
	Attempt   int
	Status    string
	Log       []string
	Result    string
	StartTime time.Time
	Duration  time.Duration
}

// AgentPaneModel lists the tasks of the run with the agents working them,
// and shows the attempt log of the selected task in a viewport.
type AgentPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // first-seen order for display
	agents      map[string]string     // agentID -> status
	agentOrder  []string
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewAgentPaneModel creates a new agent pane model.
func NewAgentPaneModel() AgentPaneModel {
	vp := viewport.New(0, 0)
	return AgentPaneModel{
		tasks:    make(map[string]*TaskState),
		agents:   make(map[string]string),
		viewport: vp,
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskAssignedEvent:
		t := m.task(msg.ID)
		t.Stage = msg.Stage
		t.AgentID = msg.AgentID
		t.Attempt = msg.Attempt
		t.Status = TaskAssigned
		t.Log = append(t.Log, fmt.Sprintf("attempt %d assigned to %s", msg.Attempt, msg.AgentID))
		return m, m.refresh(msg.ID)

	case events.TaskStartedEvent:
		t := m.task(msg.ID)
		t.Name = msg.Name
		t.Stage = msg.Stage
		t.AgentID = msg.AgentID
		t.Attempt = msg.Attempt
		t.Status = TaskRunning
		t.StartTime = msg.Timestamp
		t.Log = append(t.Log, fmt.Sprintf("attempt %d started on %s", msg.Attempt, msg.AgentID))
		return m, m.refresh(msg.ID)

	case events.TaskCompletedEvent:
		t := m.task(msg.ID)
		t.Status = TaskCompleted
		t.Result = msg.Result
		t.Duration = msg.Duration
		t.Log = append(t.Log, fmt.Sprintf("[Completed in %v]", msg.Duration.Round(time.Millisecond)))
		return m, m.refresh(msg.ID)

	case events.TaskFailedEvent:
		t := m.task(msg.ID)
		t.Duration = msg.Duration
		t.Status = TaskRetrying
		if msg.Final {
			t.Status = TaskFailed
		}
		t.Log = append(t.Log, fmt.Sprintf("[attempt %d failed (%s): %v]", msg.Attempt, msg.Kind, msg.Err))
		return m, m.refresh(msg.ID)

	case events.TaskCancelledEvent:
		t := m.task(msg.ID)
		t.Status = TaskCancelled
		t.Log = append(t.Log, fmt.Sprintf("[Cancelled: %s]", msg.Reason))
		return m, m.refresh(msg.ID)

	case events.AgentStatusEvent:
		if _, exists := m.agents[msg.AgentID]; !exists {
			m.agentOrder = append(m.agentOrder, msg.AgentID)
		}
		m.agents[msg.AgentID] = msg.To

	case tickMsg:
		// Only update if this tick matches the current tag (debouncing)
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// task returns the state of a task, registering it on first sight.
func (m *AgentPaneModel) task(id string) *TaskState {
	t, exists := m.tasks[id]
	if !exists {
		t = &TaskState{TaskID: id, Name: id, Status: TaskAssigned}
		m.tasks[id] = t
		m.taskOrder = append(m.taskOrder, id)
		if len(m.taskOrder) == 1 {
			m.selectedIdx = 0
		}
	}
	return t
}

// refresh schedules a debounced viewport update when the changed task is the
// selected one.
func (m *AgentPaneModel) refresh(taskID string) tea.Cmd {
	if m.getSelectedTaskID() != taskID {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4 // account for borders and padding

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// renderTaskList renders the task list column followed by the agent roster.
func (m AgentPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
		b.WriteString("\n")
	}
	for i, taskID := range m.taskOrder {
		t := m.tasks[taskID]
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), truncate(t.TaskID, width-4))
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(m.agentOrder) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleTitle.Render("Agents"))
		b.WriteString("\n")
		for _, id := range m.agentOrder {
			b.WriteString(fmt.Sprintf("%s %s\n", AgentIcon(m.agents[id]), truncate(id, width-4)))
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled task status indicator.
func StatusIcon(status string) string {
	switch status {
	case TaskRunning:
		return StyleStatusRunning.Render("●")
	case TaskRetrying:
		return StyleStatusDegraded.Render("↻")
	case TaskCompleted:
		return StyleStatusComplete.Render("✓")
	case TaskFailed:
		return StyleStatusFailed.Render("✗")
	case TaskCancelled:
		return StyleStatusCancelled.Render("-")
	default:
		return StyleStatusPending.Render("○")
	}
}

// AgentIcon returns a styled agent status indicator.
func AgentIcon(status string) string {
	switch status {
	case "busy":
		return StyleStatusRunning.Render("●")
	case "degraded":
		return StyleStatusDegraded.Render("!")
	case "offline":
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

func truncate(s string, width int) string {
	if width < 4 || len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}

// getSelectedTaskID returns the ID of the currently selected task.
func (m AgentPaneModel) getSelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// Selected returns the state of the selected task, or nil.
func (m AgentPaneModel) Selected() *TaskState {
	return m.tasks[m.getSelectedTaskID()]
}

// updateViewportContent shows the selected task's details and attempt log.
func (m *AgentPaneModel) updateViewportContent() {
	t := m.Selected()
	if t == nil {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", StyleTitle.Render(t.Name), StatusIcon(t.Status))
	fmt.Fprintf(&b, "stage: %s  agent: %s  attempt: %d\n\n", t.Stage, t.AgentID, t.Attempt)
	b.WriteString(strings.Join(t.Log, "\n"))
	if t.Result != "" {
		b.WriteString("\n\n")
		b.WriteString(t.Result)
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

// resizeViewport resizes the viewport based on pane dimensions.
func (m *AgentPaneModel) resizeViewport() {
	listWidth := 25
	viewportWidth := m.width - listWidth - 4
	viewportHeight := m.height - 4 // account for borders

	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}

	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
	m.updateViewportContent()
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
