package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/deepproduct/internal/config"
)

// policyFields holds the form bindings. The pane is copied on every update,
// so the bindings live behind a pointer the form writes through.
type policyFields struct {
	saveTarget       string
	maxAttempts      string
	taskTimeout      string
	runTimeout       string
	checkpointEvery  string
	dispatchInterval string
}

// SettingsPaneModel edits the engine policy and saves it to the global or
// project config file. Changes apply to runs started afterwards.
type SettingsPaneModel struct {
	form        *huh.Form
	fields      *policyFields
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
		fields:      &policyFields{},
	}
	m.resetFields()
	m.buildForm()
	return m
}

// resetFields loads the current policy into the form bindings.
func (m *SettingsPaneModel) resetFields() {
	p := config.DefaultPolicy()
	if m.config != nil {
		p = m.config.Policy
	}
	*m.fields = policyFields{
		saveTarget:       "global",
		maxAttempts:      strconv.Itoa(p.MaxAttempts),
		taskTimeout:      p.TaskTimeout.String(),
		runTimeout:       p.RunTimeout.String(),
		checkpointEvery:  strconv.Itoa(p.CheckpointEvery),
		dispatchInterval: p.DispatchInterval.String(),
	}
}

// buildForm constructs the Huh form over the current bindings.
func (m *SettingsPaneModel) buildForm() {
	f := m.fields
	cfg := m.config

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption(fmt.Sprintf("Global (%s)", m.globalPath), "global"),
					huh.NewOption(fmt.Sprintf("Project (%s)", m.projectPath), "project"),
				).
				Value(&f.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxAttempts").
				Title("Max Attempts").
				Value(&f.maxAttempts).
				Validate(checkField(cfg, setInt(func(p *config.PolicyConfig) *int { return &p.MaxAttempts }))),

			huh.NewInput().
				Key("taskTimeout").
				Title("Task Timeout").
				Value(&f.taskTimeout).
				Placeholder("10m").
				Validate(checkField(cfg, setDuration(func(p *config.PolicyConfig) *time.Duration { return &p.TaskTimeout }))),

			huh.NewInput().
				Key("runTimeout").
				Title("Run Timeout").
				Description("0 disables the run budget").
				Value(&f.runTimeout).
				Validate(checkField(cfg, setDuration(func(p *config.PolicyConfig) *time.Duration { return &p.RunTimeout }))),
		).Title("Retries and Budgets"),

		huh.NewGroup(
			huh.NewInput().
				Key("checkpointEvery").
				Title("Checkpoint Every").
				Description("Task completions between checkpoints").
				Value(&f.checkpointEvery).
				Validate(checkField(cfg, setInt(func(p *config.PolicyConfig) *int { return &p.CheckpointEvery }))),

			huh.NewInput().
				Key("dispatchInterval").
				Title("Dispatch Interval").
				Value(&f.dispatchInterval).
				Placeholder("500ms").
				Validate(checkField(cfg, setDuration(func(p *config.PolicyConfig) *time.Duration { return &p.DispatchInterval }))),
		).Title("Scheduling"),
	)
	if m.width > 0 {
		m.form.WithWidth(max(m.width-8, 20)).WithHeight(max(m.height-8, 10))
	}
}

// fieldSetter parses one field into a policy.
type fieldSetter func(p *config.PolicyConfig, value string) error

func setInt(field func(*config.PolicyConfig) *int) fieldSetter {
	return func(p *config.PolicyConfig, value string) error {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("not a whole number: %q", value)
		}
		*field(p) = n
		return nil
	}
}

func setDuration(field func(*config.PolicyConfig) *time.Duration) fieldSetter {
	return func(p *config.PolicyConfig, value string) error {
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("not a duration: %q", value)
		}
		*field(p) = d
		return nil
	}
}

// checkField validates one input: the value must parse and the configuration
// with only that field changed must pass config.Validate.
func checkField(cfg *config.Config, set fieldSetter) func(string) error {
	return func(value string) error {
		p := config.DefaultPolicy()
		if cfg != nil {
			p = cfg.Policy
		}
		if err := set(&p, value); err != nil {
			return err
		}
		if cfg == nil {
			return nil
		}
		return validatePolicy(cfg, p)
	}
}

// validatePolicy runs config.Validate on a copy of cfg carrying p.
func validatePolicy(cfg *config.Config, p config.PolicyConfig) error {
	next := *cfg
	next.Policy = p
	return next.Validate()
}

// policy reads every binding into a copy of the current policy.
func (m *SettingsPaneModel) policy() (config.PolicyConfig, error) {
	p := m.config.Policy
	f := m.fields
	fields := []struct {
		title string
		value string
		set   fieldSetter
	}{
		{"Max Attempts", f.maxAttempts, setInt(func(p *config.PolicyConfig) *int { return &p.MaxAttempts })},
		{"Task Timeout", f.taskTimeout, setDuration(func(p *config.PolicyConfig) *time.Duration { return &p.TaskTimeout })},
		{"Run Timeout", f.runTimeout, setDuration(func(p *config.PolicyConfig) *time.Duration { return &p.RunTimeout })},
		{"Checkpoint Every", f.checkpointEvery, setInt(func(p *config.PolicyConfig) *int { return &p.CheckpointEvery })},
		{"Dispatch Interval", f.dispatchInterval, setDuration(func(p *config.PolicyConfig) *time.Duration { return &p.DispatchInterval })},
	}
	for _, fd := range fields {
		if err := fd.set(&p, fd.value); err != nil {
			return p, fmt.Errorf("%s: %w", fd.title, err)
		}
	}
	return p, nil
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if msg, ok := msg.(tea.KeyMsg); ok && msg.String() == KeyEsc {
		// Cancel without saving
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		m.save()
		if m.err != nil {
			// Keep the entered values so they can be corrected.
			m.buildForm()
			return m, m.form.Init()
		}
	case huh.StateAborted:
		m.visible = false
		m.saved = false
	}
	return m, cmd
}

// save validates the bindings, writes them to the selected file and closes
// the pane on success.
func (m *SettingsPaneModel) save() {
	m.saved = false
	if m.config == nil {
		m.err = errors.New("no configuration loaded")
		return
	}
	policy, err := m.policy()
	if err != nil {
		m.err = err
		return
	}
	if err := validatePolicy(m.config, policy); err != nil {
		m.err = err
		return
	}

	var path string
	switch m.fields.saveTarget {
	case "global":
		path = m.globalPath
	case "project":
		path = m.projectPath
	default:
		m.err = fmt.Errorf("unknown save target %q", m.fields.saveTarget)
		return
	}
	if path == "" {
		m.err = fmt.Errorf("no %s config path", m.fields.saveTarget)
		return
	}

	next := *m.config
	next.Policy = policy
	if err := config.Save(&next, path); err != nil {
		m.err = err
		return
	}

	m.config.Policy = policy
	m.saved = true
	m.err = nil
	m.visible = false
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	content := m.form.View()
	if m.err != nil {
		content = lipgloss.JoinVertical(lipgloss.Left,
			StyleError.Render(fmt.Sprintf("✗ Error saving: %v", m.err)),
			"",
			content,
		)
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(max(m.width-4, 20)).
		Height(max(m.height-5, 5))

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Policy")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content), SettingsHelpView())
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(max(w-8, 20)).WithHeight(max(h-8, 10))
	}
}

// SetVisible shows or hides the settings pane. Showing it reloads the form
// from the current policy.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.err = nil
	if v {
		m.saved = false
		m.resetFields()
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last edit was written to disk.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
