package tui

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mpataki/rig/internal/models"
	"github.com/mpataki/rig/internal/scheduler"
	"github.com/mpataki/rig/internal/storage"
)

// Agents is the scheduler view the dashboard reads and triggers runs on.
type Agents interface {
	List(now time.Time) []scheduler.AgentStatus
	RunNow(ctx context.Context, id string) (*models.RunReport, error)
}

type Runs interface {
	ListRuns(agentID string, limit int) ([]*models.RunRecord, error)
	GetRun(id string) (*models.RunReport, error)
	DeleteRun(id string) error
}

type View int

const (
	ViewAgents View = iota
	ViewRuns
	ViewRunDetail
)

const runLimit = 50

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Enter   key.Binding
	Switch  key.Binding
	Run     key.Binding
	Delete  key.Binding
	Refresh key.Binding
	Back    key.Binding
	Quit    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Enter, k.Switch, k.Run, k.Delete, k.Refresh, k.Back, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down, k.Enter}, {k.Switch, k.Run, k.Delete, k.Refresh}, {k.Back, k.Quit}}
}

var keys = keyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Enter:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "open")),
	Switch:  key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "agents/runs")),
	Run:     key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "run now")),
	Delete:  key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "delete run")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Back:    key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

type App struct {
	agents Agents
	runs   Runs
	now    func() time.Time

	view        View
	agentList   []scheduler.AgentStatus
	agentIdx    int
	runList     []*models.RunRecord
	runIdx      int
	runFilter   string
	selectedRun *models.RunReport
	running     map[string]bool
	status      string

	help   help.Model
	width  int
	height int
	err    error
}

func NewApp(agents Agents, runs Runs) *App {
	return &App{
		agents:  agents,
		runs:    runs,
		now:     time.Now,
		view:    ViewAgents,
		running: make(map[string]bool),
		help:    help.New(),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadAgents, a.loadRuns(), a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		return a, nil

	case agentsLoadedMsg:
		a.agentList = msg.agents
		a.agentIdx = clamp(a.agentIdx, len(a.agentList))
		return a, nil

	case runsLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.runList = msg.runs
			a.runIdx = clamp(a.runIdx, len(a.runList))
		}
		return a, nil

	case tickMsg:
		// Next-run countdowns move even when nothing else changes.
		if a.view == ViewRunDetail {
			return a, a.tickCmd()
		}
		return a, tea.Batch(a.loadAgents, a.tickCmd())

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.report
			a.view = ViewRunDetail
		}
		return a, nil

	case runFinishedMsg:
		delete(a.running, msg.agentID)
		switch {
		case msg.report != nil:
			a.status = fmt.Sprintf("%s finished: %s", msg.agentID, msg.report.Outcome)
		case msg.err != nil:
			a.status = fmt.Sprintf("%s: %v", msg.agentID, msg.err)
		}
		return a, tea.Batch(a.loadAgents, a.loadRuns())

	case runDeletedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.status = "deleted run " + shortID(msg.runID)
		}
		return a, a.loadRuns()
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, keys.Quit) {
		if msg.String() == "q" && a.view == ViewRunDetail {
			a.back()
			return a, nil
		}
		return a, tea.Quit
	}

	switch a.view {
	case ViewAgents:
		return a.handleAgentsKey(msg)
	case ViewRuns:
		return a.handleRunsKey(msg)
	case ViewRunDetail:
		if key.Matches(msg, keys.Back) {
			a.back()
		}
	}
	return a, nil
}

func (a *App) back() {
	a.view = ViewRuns
	a.selectedRun = nil
}

func (a *App) handleAgentsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Up):
		if a.agentIdx > 0 {
			a.agentIdx--
		}
	case key.Matches(msg, keys.Down):
		if a.agentIdx < len(a.agentList)-1 {
			a.agentIdx++
		}
	case key.Matches(msg, keys.Switch):
		a.view = ViewRuns
		a.runFilter = ""
		return a, a.loadRuns()
	case key.Matches(msg, keys.Enter):
		if agent, ok := a.currentAgent(); ok {
			a.view = ViewRuns
			a.runFilter = agent.ID
			a.runIdx = 0
			return a, a.loadRuns()
		}
	case key.Matches(msg, keys.Run):
		if agent, ok := a.currentAgent(); ok && !a.running[agent.ID] {
			a.running[agent.ID] = true
			a.status = "running " + agent.ID + "..."
			return a, a.runAgent(agent.ID)
		}
	case key.Matches(msg, keys.Refresh):
		return a, tea.Batch(a.loadAgents, a.loadRuns())
	}
	return a, nil
}

func (a *App) handleRunsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Up):
		if a.runIdx > 0 {
			a.runIdx--
		}
	case key.Matches(msg, keys.Down):
		if a.runIdx < len(a.runList)-1 {
			a.runIdx++
		}
	case key.Matches(msg, keys.Switch), key.Matches(msg, keys.Back):
		a.view = ViewAgents
	case key.Matches(msg, keys.Enter):
		if run, ok := a.currentRun(); ok {
			return a, a.loadRunDetail(run.RunID)
		}
	case key.Matches(msg, keys.Delete):
		if run, ok := a.currentRun(); ok {
			return a, a.deleteRun(run.RunID)
		}
	case key.Matches(msg, keys.Refresh):
		return a, a.loadRuns()
	}
	return a, nil
}

func (a *App) currentAgent() (scheduler.AgentStatus, bool) {
	if a.agentIdx < len(a.agentList) {
		return a.agentList[a.agentIdx], true
	}
	return scheduler.AgentStatus{}, false
}

func (a *App) currentRun() (*models.RunRecord, bool) {
	if a.runIdx < len(a.runList) {
		return a.runList[a.runIdx], true
	}
	return nil, false
}

func (a *App) View() string {
	var s string
	switch a.view {
	case ViewAgents:
		s = a.viewAgents()
	case ViewRuns:
		s = a.viewRuns()
	case ViewRunDetail:
		s = a.viewRunDetail()
	}

	if a.err != nil {
		s += "\n" + statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	} else if a.status != "" {
		s += "\n" + dimStyle.Render(a.status) + "\n"
	}
	return s + "\n" + a.help.View(keys)
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPartial  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

func (a *App) viewAgents() string {
	s := titleStyle.Render("Rig") + "  " + dimStyle.Render("agents") + "\n\n"

	if len(a.agentList) == 0 {
		return s + "No agents configured.\n"
	}

	for i, agent := range a.agentList {
		line := a.formatAgentLine(agent)
		switch {
		case i == a.agentIdx:
			line = selectedStyle.Render("▶ " + line)
		case !agent.Enabled:
			line = "  " + dimStyle.Render(line)
		default:
			line = "  " + line
		}
		s += line + "\n"
	}
	return s
}

func (a *App) formatAgentLine(agent scheduler.AgentStatus) string {
	state := "enabled"
	switch {
	case agent.Running || a.running[agent.ID]:
		state = statusRunning.Render("● running")
	case !agent.Enabled:
		state = "disabled"
	}

	schedule := agent.Schedule
	if schedule == "" {
		schedule = "manual"
	}

	next := "-"
	if agent.NextRunAt != nil {
		next = storage.FormatTimeAgo(*agent.NextRunAt)
	}
	last := "never"
	if agent.LastRunAt != nil {
		last = storage.FormatTimeAgo(*agent.LastRunAt) + " " + formatOutcome(agent.LastOutcome)
	}

	return fmt.Sprintf("%-20s %-10s %-15s next %-12s last %s",
		truncate(agent.ID, 20), state, schedule, next, last)
}

func (a *App) viewRuns() string {
	title := "runs"
	if a.runFilter != "" {
		title = "runs of " + a.runFilter
	}
	s := titleStyle.Render("Rig") + "  " + dimStyle.Render(title) + "\n\n"

	if len(a.runList) == 0 {
		return s + "No runs yet.\n"
	}

	for i, run := range a.runList {
		line := fmt.Sprintf("%-8s %-20s %-16s %-8s %-9s %s",
			shortID(run.RunID),
			truncate(run.AgentID, 20),
			formatOutcome(run.Outcome),
			storage.FormatTimeAgo(run.StartedAt),
			formatDuration(run.Duration()),
			truncate(run.FailedStep, 20))

		if i == a.runIdx {
			line = selectedStyle.Render("▶ " + line)
		} else if run.Outcome == models.OutcomeSuccess {
			line = "  " + dimStyle.Render(line)
		} else {
			line = "  " + line
		}
		s += line + "\n"
	}
	return s
}

func (a *App) viewRunDetail() string {
	run := a.selectedRun
	if run == nil {
		return "No run selected\n"
	}

	header := fmt.Sprintf("Run %s: %s", shortID(run.RunID), run.AgentID)
	s := titleStyle.Render(header) + "  " + formatOutcome(run.Outcome) + "\n\n"

	s += labelStyle.Render("Trigger:  ") + string(run.Trigger) + "\n"
	s += labelStyle.Render("Started:  ") + run.StartedAt.Local().Format("2006-01-02 15:04:05") + "\n"
	s += labelStyle.Render("Duration: ") + formatDuration(run.Duration()) + "\n"
	if run.Error != "" {
		s += labelStyle.Render("Error:    ") + statusFailed.Render(run.Error) + "\n"
	}

	s += "\nSteps\n"
	s += "─────\n"
	if len(run.Steps) == 0 {
		s += "(no steps executed)\n"
	}
	for i, step := range run.Steps {
		mark := statusComplete.Render("✓")
		if step.Outcome == models.StepFailure {
			mark = statusFailed.Render("✗")
		}
		line := fmt.Sprintf("%d. %-22s %s  %6s", i+1, step.Step, mark,
			formatDuration(step.FinishedAt.Sub(step.StartedAt)))
		if step.Error != "" {
			line += "  " + statusFailed.Render(truncate(step.Error, 60))
		}
		s += "  " + line + "\n"
	}

	if len(run.Context) > 0 {
		s += "\n" + labelStyle.Render("Context keys: ") + strings.Join(slices.Sorted(maps.Keys(run.Context)), ", ") + "\n"
	}
	return s
}

func formatOutcome(o models.Outcome) string {
	switch o {
	case models.OutcomeSuccess:
		return statusComplete.Render("✓ success")
	case models.OutcomePartialFailure:
		return statusPartial.Render("⚠ partial_failure")
	case models.OutcomeFatal:
		return statusFailed.Render("✗ fatal")
	default:
		return string(o)
	}
}

// Messages

type agentsLoadedMsg struct {
	agents []scheduler.AgentStatus
}

type runsLoadedMsg struct {
	runs []*models.RunRecord
	err  error
}

type runDetailMsg struct {
	report *models.RunReport
	err    error
}

type runFinishedMsg struct {
	agentID string
	report  *models.RunReport
	err     error
}

type runDeletedMsg struct {
	runID string
	err   error
}

// Commands

func (a *App) loadAgents() tea.Msg {
	return agentsLoadedMsg{agents: a.agents.List(a.now())}
}

func (a *App) loadRuns() tea.Cmd {
	filter := a.runFilter
	return func() tea.Msg {
		runs, err := a.runs.ListRuns(filter, runLimit)
		return runsLoadedMsg{runs: runs, err: err}
	}
}

func (a *App) loadRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		report, err := a.runs.GetRun(id)
		return runDetailMsg{report: report, err: err}
	}
}

func (a *App) runAgent(id string) tea.Cmd {
	return func() tea.Msg {
		report, err := a.agents.RunNow(context.Background(), id)
		return runFinishedMsg{agentID: id, report: report, err: err}
	}
}

func (a *App) deleteRun(id string) tea.Cmd {
	return func() tea.Msg {
		return runDeletedMsg{runID: id, err: a.runs.DeleteRun(id)}
	}
}

func clamp(idx, n int) int {
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
