// Package tui is the terminal monitor of a run: tasks and agents on the
// left, the run timeline and stage progress on the right.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/deepproduct/internal/config"
	"github.com/aristath/deepproduct/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneRun
	PaneDAG
)

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	runID        string
	agentPane    AgentPaneModel
	runPane      RunPaneModel
	dagPane      DAGPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// New creates a monitor for one run. An empty runID shows every run on the
// bus. cfg backs the policy editor and may be nil, which disables it.
func New(eventBus *events.EventBus, runID string, cfg *config.Config, globalPath, projectPath string) Model {
	return Model{
		runID:        runID,
		agentPane:    NewAgentPaneModel(),
		runPane:      NewRunPaneModel(),
		dagPane:      NewDAGPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PaneTasks,
		eventSub:     eventBus.SubscribeAll(256),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// RunState returns the last run state the monitor saw.
func (m Model) RunState() string {
	return m.runPane.State()
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// The policy editor is modal and takes every key.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 2) % 3 // +2 is equivalent to -1 mod 3
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneRun
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneDAG
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneTasks:
				m.agentPane, cmd = m.agentPane.Update(msg)
			case PaneRun:
				m.runPane, cmd = m.runPane.Update(msg)
			case PaneDAG:
				m.dagPane, cmd = m.dagPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case tickMsg:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.Event:
		if m.runID == "" || msg.RunID() == "" || msg.RunID() == m.runID {
			cmds = append(cmds, m.route(msg))
		}
		cmds = append(cmds, waitForEvent(m.eventSub))

	default:
		// Cursor blinks and other component messages belong to the editor.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// route forwards a bus event to the panes that display it.
func (m *Model) route(ev events.Event) tea.Cmd {
	var cmd tea.Cmd
	switch ev.(type) {
	case events.TaskAssignedEvent, events.TaskStartedEvent, events.TaskCompletedEvent,
		events.TaskFailedEvent, events.TaskCancelledEvent, events.AgentStatusEvent:
		m.agentPane, cmd = m.agentPane.Update(ev)

	case events.DAGProgressEvent:
		m.dagPane, cmd = m.dagPane.Update(ev)

	case events.RunStartedEvent, events.RunFinishedEvent, events.StageStartedEvent,
		events.StageCompletedEvent, events.DecisionEvent, events.CheckpointSavedEvent,
		events.CapacityExhaustedEvent:
		m.runPane, cmd = m.runPane.Update(ev)
	}
	return cmd
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showSettings {
		return m.settingsPane.View()
	}

	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.runPane.View(), m.dagPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.agentPane.View(), rightPane)

	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
// The task pane takes 35% of the width; the run timeline takes 60% of the
// right column's height.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 35) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // reserve 1 line for help bar
	rightTopHeight := (availableHeight * 60) / 100
	rightBottomHeight := availableHeight - rightTopHeight

	m.agentPane.SetSize(leftWidth, availableHeight)
	m.runPane.SetSize(rightWidth, rightTopHeight)
	m.dagPane.SetSize(rightWidth, rightBottomHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.agentPane.SetFocused(m.focusedPane == PaneTasks)
	m.runPane.SetFocused(m.focusedPane == PaneRun)
	m.dagPane.SetFocused(m.focusedPane == PaneDAG)
}
