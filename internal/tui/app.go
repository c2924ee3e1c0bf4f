// Package tui provides the interactive terminal dashboard for Conductor.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/usage"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// DefaultRefreshInterval is how often the dashboard polls the daemon.
const DefaultRefreshInterval = 2 * time.Second

// App is the dashboard model for one project.
type App struct {
	client    *Client
	projectID string
	interval  time.Duration

	project      *models.Project
	sessions     []models.Session
	sessionIdx   int
	tasks        []models.Task
	taskIdx      int
	events       []models.TaskEvent
	eventsTaskID string
	snapshot     *usage.Snapshot
	stats        *scheduler.Stats
	daemonOnline bool

	focus   pane
	bar     progress.Model
	input   cmdBar
	message string
	width   int
	height  int
}

// New creates a dashboard for projectID against the daemon at apiAddr.
func New(apiAddr, projectID string) *App {
	return NewApp(NewClient(apiAddr), projectID, DefaultRefreshInterval)
}

// NewApp creates a dashboard using client. A zero interval disables
// periodic refresh.
func NewApp(client *Client, projectID string, interval time.Duration) *App {
	return &App{
		client:    client,
		projectID: projectID,
		interval:  interval,
		bar:       newUsageBar(),
		input:     newCmdBar(),
		width:     100,
		height:    30,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.fetchProject(), a.refresh(), a.tickCmd())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.input.active() {
			return a, a.handleInputKey(msg)
		}
		return a, a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height

	case projectLoadedMsg:
		a.project = msg.project

	case sessionsLoadedMsg:
		a.sessions = msg.sessions
		a.sessionIdx = clamp(a.sessionIdx, len(a.sessions))
		if s := a.selectedSession(); s != nil {
			return a, a.fetchTasks(s.ID)
		}
		a.tasks = nil
		a.events = nil

	case tasksLoadedMsg:
		s := a.selectedSession()
		if s == nil || s.ID != msg.sessionID {
			return a, nil
		}
		a.tasks = msg.tasks
		a.taskIdx = clamp(a.taskIdx, len(a.tasks))
		if t := a.selectedTask(); t != nil {
			return a, a.fetchEvents(t.ID)
		}
		a.events = nil

	case eventsLoadedMsg:
		if t := a.selectedTask(); t != nil && t.ID == msg.taskID {
			a.events = msg.events
			a.eventsTaskID = msg.taskID
		}

	case usageLoadedMsg:
		a.snapshot = msg.snapshot

	case statsLoadedMsg:
		a.stats = msg.stats

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case actionDoneMsg:
		a.message = msg.message
		return a, a.refresh()

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c", "q":
		return tea.Quit

	case "tab":
		if a.focus == paneSessions {
			a.focus = paneTasks
		} else {
			a.focus = paneSessions
		}

	case "up", "k":
		return a.moveCursor(-1)

	case "down", "j":
		return a.moveCursor(1)

	case "r":
		a.message = ""
		return a.refresh()

	case "u":
		return a.refreshUsage()

	case "s":
		if s := a.selectedSession(); s != nil {
			return a.startSession(s.ID)
		}

	case "x":
		if s := a.selectedSession(); s != nil {
			return a.stopSession(s.ID)
		}

	case "a":
		if id := a.runningTaskID(); id != "" {
			return a.abortTask(id)
		}
		a.message = "No running task in this session"

	case "n":
		if s := a.selectedSession(); s != nil {
			a.input.open(inputAddTask, s.ID)
		}

	case "i":
		id := a.runningTaskID()
		if id != "" && a.isAwaiting(id) {
			a.input.open(inputRespond, id)
		} else {
			a.message = "No task is awaiting input"
		}
	}
	return nil
}

func (a *App) handleInputKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit
	case "esc":
		a.input.close()
		return nil
	case "enter":
		text, mode, target := a.input.submit()
		if text == "" {
			return nil
		}
		switch mode {
		case inputAddTask:
			return a.createTask(target, text)
		case inputRespond:
			return a.respond(target, text)
		}
		return nil
	}
	return a.input.update(msg)
}

func (a *App) moveCursor(delta int) tea.Cmd {
	if a.focus == paneSessions {
		next := clamp(a.sessionIdx+delta, len(a.sessions))
		if next == a.sessionIdx {
			return nil
		}
		a.sessionIdx = next
		a.taskIdx = 0
		a.tasks = nil
		a.events = nil
		return a.fetchTasks(a.sessions[next].ID)
	}

	next := clamp(a.taskIdx+delta, len(a.tasks))
	if next == a.taskIdx {
		return nil
	}
	a.taskIdx = next
	a.events = nil
	return a.fetchEvents(a.tasks[next].ID)
}

func (a *App) selectedSession() *models.Session {
	if a.sessionIdx < 0 || a.sessionIdx >= len(a.sessions) {
		return nil
	}
	return &a.sessions[a.sessionIdx]
}

func (a *App) selectedTask() *models.Task {
	if a.taskIdx < 0 || a.taskIdx >= len(a.tasks) {
		return nil
	}
	return &a.tasks[a.taskIdx]
}

// runningTaskID returns the running task of the selected session.
func (a *App) runningTaskID() string {
	s := a.selectedSession()
	if s == nil {
		return ""
	}
	if a.stats != nil {
		if id, ok := a.stats.RunningTasks[s.ID]; ok {
			return id
		}
	}
	for _, t := range a.tasks {
		if t.Status == models.TaskStatusRunning {
			return t.ID
		}
	}
	return ""
}

func (a *App) isAwaiting(taskID string) bool {
	if a.stats == nil {
		return false
	}
	for _, id := range a.stats.AwaitingInput {
		if id == taskID {
			return true
		}
	}
	return false
}

// --- Commands ---

func (a *App) refresh() tea.Cmd {
	return tea.Batch(a.checkDaemon(), a.fetchSessions(), a.fetchUsage(), a.fetchStats())
}

func (a *App) tickCmd() tea.Cmd {
	if a.interval <= 0 {
		return nil
	}
	return tea.Tick(a.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, _ := a.client.CheckHealth()
		return daemonStatusMsg{online: ok}
	}
}

func (a *App) fetchProject() tea.Cmd {
	id := a.projectID
	return func() tea.Msg {
		p, err := a.client.GetProject(id)
		if err != nil {
			return errMsg{err}
		}
		return projectLoadedMsg{p}
	}
}

func (a *App) fetchSessions() tea.Cmd {
	id := a.projectID
	return func() tea.Msg {
		sessions, err := a.client.ListSessions(id)
		if err != nil {
			return errMsg{err}
		}
		return sessionsLoadedMsg{sessions}
	}
}

func (a *App) fetchTasks(sessionID string) tea.Cmd {
	return func() tea.Msg {
		tasks, err := a.client.ListSessionTasks(sessionID)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{sessionID: sessionID, tasks: tasks}
	}
}

func (a *App) fetchEvents(taskID string) tea.Cmd {
	return func() tea.Msg {
		evs, err := a.client.ListTaskEvents(taskID)
		if err != nil {
			return errMsg{err}
		}
		return eventsLoadedMsg{taskID: taskID, events: evs}
	}
}

func (a *App) fetchUsage() tea.Cmd {
	return func() tea.Msg {
		snap, err := a.client.Usage()
		if err != nil {
			// Usage tracking may be disabled on the daemon.
			return usageLoadedMsg{}
		}
		return usageLoadedMsg{snap}
	}
}

func (a *App) fetchStats() tea.Cmd {
	return func() tea.Msg {
		st, err := a.client.SchedulerStats()
		if err != nil {
			return errMsg{err}
		}
		return statsLoadedMsg{st}
	}
}

func (a *App) refreshUsage() tea.Cmd {
	return func() tea.Msg {
		snap, err := a.client.RefreshUsage()
		if err != nil {
			return errMsg{err}
		}
		return usageLoadedMsg{snap}
	}
}

func (a *App) startSession(id string) tea.Cmd {
	return func() tea.Msg {
		s, err := a.client.StartSession(id)
		if err != nil {
			return errMsg{err}
		}
		return actionDoneMsg{fmt.Sprintf("✓ Started %s", s.Name)}
	}
}

func (a *App) stopSession(id string) tea.Cmd {
	return func() tea.Msg {
		s, err := a.client.StopSession(id)
		if err != nil {
			return errMsg{err}
		}
		return actionDoneMsg{fmt.Sprintf("✓ Stopped %s", s.Name)}
	}
}

func (a *App) abortTask(id string) tea.Cmd {
	return func() tea.Msg {
		if err := a.client.AbortTask(id); err != nil {
			return errMsg{err}
		}
		return actionDoneMsg{"✓ Aborted task " + shortID(id)}
	}
}

func (a *App) createTask(sessionID, prompt string) tea.Cmd {
	return func() tea.Msg {
		t, err := a.client.CreateSessionTask(sessionID, prompt)
		if err != nil {
			return errMsg{err}
		}
		return actionDoneMsg{"✓ Added task " + shortID(t.ID)}
	}
}

func (a *App) respond(taskID, text string) tea.Cmd {
	return func() tea.Msg {
		if err := a.client.RespondToTask(taskID, text); err != nil {
			return errMsg{err}
		}
		return actionDoneMsg{"✓ Response sent to " + shortID(taskID)}
	}
}

// --- View ---

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	name := a.projectID
	if a.project != nil {
		name = a.project.Name
	}
	header := titleStyle.Render("Conductor") + "  " + lipgloss.NewStyle().Bold(true).Render(name) + "  " + daemon
	if a.stats != nil {
		header += helpStyle.Render(fmt.Sprintf("  %d running", len(a.stats.RunningTasks)))
	}
	b.WriteString(header + "\n")

	leftWidth := a.width / 3
	if leftWidth < 24 {
		leftWidth = 24
	}
	rightWidth := a.width - leftWidth - 4
	if rightWidth < 30 {
		rightWidth = 30
	}
	listHeight := a.height / 3
	if listHeight < 6 {
		listHeight = 6
	}

	top := lipgloss.JoinHorizontal(lipgloss.Top,
		renderSessions(a.sessions, a.sessionIdx, a.focus == paneSessions, leftWidth, listHeight),
		renderTasks(a.tasks, a.taskIdx, a.focus == paneTasks, rightWidth, listHeight),
	)
	b.WriteString(top + "\n")

	task := a.selectedTask()
	var events []models.TaskEvent
	if task != nil && task.ID == a.eventsTaskID {
		events = a.events
	}
	awaiting := task != nil && a.isAwaiting(task.ID)
	b.WriteString(renderTaskDetail(task, events, awaiting, a.width-2) + "\n")
	b.WriteString(renderUsage(a.bar, a.snapshot, a.width-2) + "\n")

	if a.message != "" {
		style := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") || strings.HasPrefix(a.message, "No ") {
			style = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(style.Render(a.message) + "\n")
	}

	if a.input.active() {
		b.WriteString(a.input.view(a.width-2) + "\n")
	}

	status := " ↑↓:nav | Tab:pane | s:start | x:stop | a:abort | n:add | i:respond | r:refresh | u:usage | q:quit"
	if a.input.active() {
		status = " Enter:submit | Esc:cancel"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))
	return b.String()
}

func clamp(i, n int) int {
	if n == 0 || i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
