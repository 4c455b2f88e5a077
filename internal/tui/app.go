// Package tui provides the interactive terminal dashboard for alice.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/alicehq/alice/internal/models"
	"github.com/alicehq/alice/internal/queue"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)

	statusActive    = lipgloss.NewStyle().Foreground(cyanColor)
	statusCompleted = lipgloss.NewStyle().Foreground(successColor)
	statusFailed    = lipgloss.NewStyle().Foreground(errorColor)
	statusWaiting   = lipgloss.NewStyle().Foreground(warningColor)
	statusMuted     = lipgloss.NewStyle().Foreground(mutedColor)
)

// App is the main dashboard model.
type App struct {
	client *Client

	mode        string // "sessions", "tasks", "detail"
	sessions    []models.Session
	tasks       []models.Task
	selectedIdx int
	currentTask *models.Task

	input    textinput.Model
	viewport viewport.Model
	width    int
	height   int

	queueStatus  queue.Status
	daemonOnline bool
	searchQuery  string
	message      string
	loading      bool
}

// New creates the dashboard against the given API address.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type: add <prompt> | queue <id> | cancel <id> | start | stop | search <text>"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 80

	return &App{
		client:   NewClient(apiAddr),
		input:    ti,
		viewport: viewport.New(80, 20),
		mode:     "sessions",
		loading:  true,
	}
}

// Run starts the dashboard.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// --- Messages ---

type sessionsLoadedMsg struct{ sessions []models.Session }
type tasksLoadedMsg struct{ tasks []models.Task }
type taskDetailMsg struct{ task *models.Task }
type queueStatusMsg struct {
	status queue.Status
	online bool
}
type commandResultMsg struct{ message string }
type errMsg struct{ err error }
type tickMsg time.Time

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchSessions(),
		a.fetchQueueStatus(),
		a.tickCmd(),
	)
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.mode == "detail" {
				a.mode = "tasks"
				a.currentTask = nil
				return a, a.fetchTasks()
			}
			a.searchQuery = ""
			return a, a.refreshCmd()

		case "up", "ctrl+p":
			if a.selectedIdx > 0 {
				a.selectedIdx--
			}

		case "down", "ctrl+n":
			if a.selectedIdx < a.rowCount()-1 {
				a.selectedIdx++
			}

		case "tab":
			if a.mode == "sessions" {
				a.mode = "tasks"
				a.selectedIdx = 0
				return a, a.fetchTasks()
			}
			a.mode = "sessions"
			a.selectedIdx = 0
			return a, a.fetchSessions()

		case "enter":
			cmd := strings.TrimSpace(a.input.Value())
			if cmd != "" {
				a.input.SetValue("")
				return a, a.executeCommand(cmd)
			}
			if a.mode == "tasks" && a.selectedIdx < len(a.tasks) {
				task := a.tasks[a.selectedIdx]
				a.mode = "detail"
				return a, a.fetchTaskDetail(task.ID)
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = msg.Height - 10

	case sessionsLoadedMsg:
		a.loading = false
		a.sessions = msg.sessions
		a.clampSelection()

	case tasksLoadedMsg:
		a.loading = false
		a.tasks = msg.tasks
		a.clampSelection()

	case taskDetailMsg:
		a.currentTask = msg.task

	case queueStatusMsg:
		a.queueStatus = msg.status
		a.daemonOnline = msg.online

	case commandResultMsg:
		a.message = msg.message
		return a, a.refreshCmd()

	case errMsg:
		a.message = "Error: " + msg.err.Error()

	case tickMsg:
		cmds = append(cmds, a.fetchQueueStatus(), a.refreshCmd(), a.tickCmd())
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	return a, tea.Batch(cmds...)
}

func (a *App) rowCount() int {
	if a.mode == "tasks" {
		return len(a.tasks)
	}
	return len(a.sessions)
}

func (a *App) clampSelection() {
	if n := a.rowCount(); a.selectedIdx >= n {
		a.selectedIdx = max(0, n-1)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// --- Commands ---

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) refreshCmd() tea.Cmd {
	if a.mode == "sessions" {
		return a.fetchSessions()
	}
	if a.mode == "detail" && a.currentTask != nil {
		return a.fetchTaskDetail(a.currentTask.ID)
	}
	return a.fetchTasks()
}

func (a *App) fetchSessions() tea.Cmd {
	query := a.searchQuery
	return func() tea.Msg {
		sessions, err := a.client.ListSessions(query, 50)
		if err != nil {
			return errMsg{err}
		}
		return sessionsLoadedMsg{sessions}
	}
}

func (a *App) fetchTasks() tea.Cmd {
	return func() tea.Msg {
		tasks, err := a.client.ListTasks("")
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (a *App) fetchTaskDetail(id string) tea.Cmd {
	return func() tea.Msg {
		task, err := a.client.GetTask(id)
		if err != nil {
			return errMsg{err}
		}
		return taskDetailMsg{task}
	}
}

func (a *App) fetchQueueStatus() tea.Cmd {
	return func() tea.Msg {
		st, err := a.client.QueueStatus()
		return queueStatusMsg{status: st, online: err == nil}
	}
}

func (a *App) executeCommand(raw string) tea.Cmd {
	verb, rest, _ := strings.Cut(raw, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "add":
		return func() tea.Msg {
			task, err := a.client.CreateTask(&models.Task{Prompt: rest})
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✅ Added task %s", shortID(task.ID))}
		}
	case "queue":
		id := a.resolveTaskID(rest)
		return func() tea.Msg {
			if err := a.client.QueueTask(id); err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✅ Queued %s", shortID(id))}
		}
	case "cancel":
		id := a.resolveTaskID(rest)
		return func() tea.Msg {
			if err := a.client.CancelTask(id); err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("⚠️ Cancelled %s", shortID(id))}
		}
	case "start":
		return func() tea.Msg {
			if err := a.client.StartQueue(); err != nil {
				return errMsg{err}
			}
			return commandResultMsg{"✅ Queue started"}
		}
	case "stop":
		return func() tea.Msg {
			if err := a.client.StopQueue(); err != nil {
				return errMsg{err}
			}
			return commandResultMsg{"⚠️ Queue stopped"}
		}
	case "search":
		a.searchQuery = rest
		a.mode = "sessions"
		a.selectedIdx = 0
		return a.fetchSessions()
	default:
		return func() tea.Msg {
			return errMsg{fmt.Errorf("unknown command %q", verb)}
		}
	}
}

// resolveTaskID expands an id prefix against the loaded task list.
func (a *App) resolveTaskID(prefix string) string {
	for _, t := range a.tasks {
		if strings.HasPrefix(t.ID, prefix) {
			return t.ID
		}
	}
	return prefix
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- View ---

// View implements tea.Model.
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	queueLabel := statusMuted.Render("queue idle")
	if a.queueStatus.Running {
		queueLabel = statusActive.Render("queue running")
	}

	header := titleStyle.Render("ALICE") + "  " + daemonStatus + "  " + queueLabel
	if a.searchQuery != "" {
		header += "  " + statusWaiting.Render(fmt.Sprintf("search: %q", a.searchQuery))
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	contentHeight := a.height - 8
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case "sessions":
		b.WriteString(a.renderSessions(contentHeight))
	case "tasks":
		b.WriteString(a.renderTasks(contentHeight))
	case "detail":
		b.WriteString(a.renderTaskDetail(contentHeight))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	b.WriteString("\n")

	var status string
	switch a.mode {
	case "sessions":
		status = fmt.Sprintf(" Sessions: %d | ↑↓:nav | Tab:tasks | Esc:clear search | Ctrl+C:quit", len(a.sessions))
	case "tasks":
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:detail | Tab:sessions | Ctrl+C:quit", len(a.tasks))
	default:
		status = " Esc:back | Ctrl+C:quit"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(status))

	return b.String()
}

func (a *App) renderSessions(height int) string {
	if a.loading {
		return "\n  Loading sessions...\n"
	}
	if len(a.sessions) == 0 {
		return "\n  " + statusMuted.Render("No sessions yet.") + "\n"
	}

	var b strings.Builder
	for i, sess := range a.sessions {
		if i >= height {
			break
		}
		label := sess.Label
		if label == "" {
			label = sess.FirstPrompt
		}
		if label == "" {
			label = sess.ID
		}
		line := fmt.Sprintf("%-8s %-10s %-20s %s",
			sess.Provider, renderSessionStatus(sess.Status), truncateCell(sess.ProjectName, 20), truncateCell(label, 50))
		if i == a.selectedIdx {
			b.WriteString(selectedStyle.Render(line) + "\n")
		} else {
			b.WriteString(rowStyle.Render(line) + "\n")
		}
	}
	return b.String()
}

func (a *App) renderTasks(height int) string {
	if a.loading {
		return "\n  Loading tasks...\n"
	}
	if len(a.tasks) == 0 {
		return "\n  " + statusMuted.Render("No tasks. Use: add <prompt>") + "\n"
	}

	var b strings.Builder
	for i, task := range a.tasks {
		if i >= height {
			break
		}
		line := fmt.Sprintf("%-8s %-12s %s",
			shortID(task.ID), renderTaskStatus(task.Status), truncateCell(task.Prompt, 60))
		if i == a.selectedIdx {
			b.WriteString(selectedStyle.Render(line) + "\n")
		} else {
			b.WriteString(rowStyle.Render(line) + "\n")
		}
	}
	return b.String()
}

func (a *App) renderTaskDetail(height int) string {
	if a.currentTask == nil {
		return "\n  Loading task...\n"
	}
	t := a.currentTask

	var b strings.Builder
	b.WriteString(fmt.Sprintf("\n  Task %s  %s\n", shortID(t.ID), renderTaskStatus(t.Status)))
	b.WriteString(fmt.Sprintf("  Prompt:  %s\n", t.Prompt))
	if t.ProjectPath != "" {
		b.WriteString(fmt.Sprintf("  Project: %s\n", t.ProjectPath))
	}
	if t.SessionID != "" {
		b.WriteString(fmt.Sprintf("  Session: %s\n", t.SessionID))
	}
	if t.ExitCode != nil {
		b.WriteString(fmt.Sprintf("  Exit:    %d\n", *t.ExitCode))
	}
	if t.CostUSD > 0 {
		b.WriteString(fmt.Sprintf("  Cost:    $%.4f (%d tokens)\n", t.CostUSD, t.Tokens.Total()))
	}
	if t.ErrorMessage != "" {
		b.WriteString("  " + statusFailed.Render("Error: "+t.ErrorMessage) + "\n")
	}
	if t.Output != "" {
		b.WriteString("\n  Output:\n")
		lines := strings.Split(strings.TrimRight(t.Output, "\n"), "\n")
		if len(lines) > height-10 && height > 10 {
			lines = lines[len(lines)-(height-10):]
		}
		for _, line := range lines {
			b.WriteString("    " + line + "\n")
		}
	}
	return b.String()
}

func renderSessionStatus(s models.SessionStatus) string {
	switch s {
	case models.SessionActive:
		return statusActive.Render("● active")
	case models.SessionCompleted:
		return statusCompleted.Render("● done")
	case models.SessionError:
		return statusFailed.Render("● error")
	case models.SessionNeedsInput:
		return statusWaiting.Render("● waiting")
	default:
		return statusMuted.Render("● idle")
	}
}

func renderTaskStatus(s models.TaskStatus) string {
	switch s {
	case models.TaskRunning:
		return statusActive.Render("● running")
	case models.TaskCompleted:
		return statusCompleted.Render("● completed")
	case models.TaskFailed:
		return statusFailed.Render("● failed")
	case models.TaskQueued:
		return statusWaiting.Render("● queued")
	case models.TaskSkipped:
		return statusMuted.Render("● skipped")
	default:
		return statusMuted.Render("● backlog")
	}
}

func truncateCell(s string, width int) string {
	if len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	return s[:width-3] + "..."
}
