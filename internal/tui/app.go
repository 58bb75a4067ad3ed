// Package tui provides the interactive job monitor for Tessera.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/tessera/internal/controlplane"
	"github.com/fentz26/tessera/internal/models"
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

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	jobItemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	statusQueued    = lipgloss.NewStyle().Foreground(warningColor)
	statusRunning   = lipgloss.NewStyle().Foreground(cyanColor)
	statusSucceeded = lipgloss.NewStyle().Foreground(successColor)
	statusFailed    = lipgloss.NewStyle().Foreground(errorColor)
	statusKilled    = lipgloss.NewStyle().Foreground(mutedColor)
)

const (
	modeList      = "list"
	modeDetail    = "detail"
	modeTenancies = "tenancies"

	listPageSize    = 200
	refreshInterval = 2 * time.Second
)

var filters = []models.JobState{"", models.JobStateQueued, models.JobStateRunning,
	models.JobStateSucceeded, models.JobStateFailed, models.JobStateKilled}
var filterNames = []string{"ALL", "QUEUED", "RUNNING", "SUCCEEDED", "FAILED", "KILLED"}

// App is the main TUI application model.
type App struct {
	client       *Client
	jobs         []models.Job
	total        int
	selectedIdx  int
	input        textinput.Model
	viewport     viewport.Model
	width        int
	height       int
	mode         string
	detailID     string
	detail       *JobDetail
	tenancies    []models.TenancyStats
	message      string
	filterIdx    int
	loading      bool
	daemonOnline bool
	suggestions  *Suggestions
}

// New creates a new TUI application acting as user.
func New(apiAddr, user string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type / for commands: /submit <cmd> [args] | /kill | /filter <state> | /tenancies"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr, user),
		input:       ti,
		viewport:    viewport.New(80, 20),
		mode:        modeList,
		suggestions: NewSuggestions(),
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
	return tea.Batch(
		textinput.Blink,
		a.fetchJobs(),
		a.fetchTenancies(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.suggestions.IsVisible() || a.input.Value() != "" {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, nil
			}
			if a.mode != modeList {
				a.mode = modeList
				a.detail = nil
				a.detailID = ""
				return a, a.fetchJobs()
			}

		case "up":
			switch {
			case a.suggestions.IsVisible():
				a.suggestions.Prev()
			case a.mode == modeList && a.selectedIdx > 0:
				a.selectedIdx--
			case a.mode == modeDetail:
				a.viewport.LineUp(1)
			}
			return a, nil

		case "down":
			switch {
			case a.suggestions.IsVisible():
				a.suggestions.Next()
			case a.mode == modeList && a.selectedIdx < len(a.jobs)-1:
				a.selectedIdx++
			case a.mode == modeDetail:
				a.viewport.LineDown(1)
			}
			return a, nil

		case "pgup":
			if a.mode == modeDetail {
				a.viewport.HalfViewUp()
			}
			return a, nil

		case "pgdown":
			if a.mode == modeDetail {
				a.viewport.HalfViewDown()
			}
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			if a.mode == modeList {
				a.filterIdx = (a.filterIdx + 1) % len(filters)
				return a, a.fetchJobs()
			}
			return a, nil

		case "enter":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			line := strings.TrimSpace(a.input.Value())
			if line != "" {
				a.input.SetValue("")
				return a, a.executeCommand(line)
			}
			if a.mode == modeList && len(a.jobs) > 0 {
				return a, a.openDetail(a.jobs[a.selectedIdx].ID)
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = a.contentHeight()

	case jobsLoadedMsg:
		a.loading = false
		a.daemonOnline = true
		a.jobs = msg.jobs
		a.total = msg.total
		if a.selectedIdx >= len(a.jobs) {
			a.selectedIdx = max(0, len(a.jobs)-1)
		}

	case jobDetailLoadedMsg:
		if a.mode == modeDetail && msg.detail.Job.ID == a.detailID {
			a.detail = msg.detail
			a.viewport.SetContent(renderJobDetail(a.detail))
		}

	case tenanciesLoadedMsg:
		a.tenancies = msg.stats

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())
	if strings.HasPrefix(a.input.Value(), "@") {
		a.suggestions.SetReferences(a.jobIDs(), a.tenancyNames())
	}

	return a, tea.Batch(cmds...)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	user := a.client.User()
	if user == "" {
		user = "anonymous"
	}

	header := titleStyle.Render("Tessera Scheduler")
	header += "  " + daemonStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d tenancies]", len(a.tenancies)))
	header += "  " + lipgloss.NewStyle().Foreground(mutedColor).Render("as "+user)

	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	contentHeight := a.contentHeight()
	switch a.mode {
	case modeList:
		filterLabel := fmt.Sprintf(" Filter: [%s]  %d of %d jobs", filterNames[a.filterIdx], len(a.jobs), a.total)
		b.WriteString(lipgloss.NewStyle().Foreground(mutedColor).Render(filterLabel) + "\n")
		b.WriteString(a.renderJobList(contentHeight - 1))
	case modeDetail:
		if a.detail == nil {
			b.WriteString(renderJobDetail(nil))
		} else {
			b.WriteString(a.viewport.View())
		}
	case modeTenancies:
		b.WriteString(renderTenancies(a.tenancies))
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

	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Jobs: %d | ↑↓:nav | Enter:detail | Tab:filter | /:commands | Ctrl+C:quit", a.total)
	case modeDetail:
		status = " ↑↓ PgUp PgDn:scroll | /kill | Esc:back | Ctrl+C:quit"
	case modeTenancies:
		status = fmt.Sprintf(" Tenancies: %d | Esc:back | Ctrl+C:quit", len(a.tenancies))
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) contentHeight() int {
	h := a.height - 8
	if h < 5 {
		h = 5
	}
	return h
}

func (a *App) renderJobList(height int) string {
	if a.loading && len(a.jobs) == 0 {
		return "\n  Loading jobs...\n"
	}
	if len(a.jobs) == 0 {
		return "\n  No jobs found. Type: /submit <command> [args] to run one.\n"
	}

	var lines []string
	for i, job := range a.jobs {
		text := fmt.Sprintf("%-9s %-10s %-24s %s", shortID(job.ID), job.Tenancy, truncate(job.Name, 24), job.ExecuteUser)
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render(fmt.Sprintf("▶ %s  %s", statusIcon(job.State), text)))
		} else {
			lines = append(lines, jobItemStyle.Render(fmt.Sprintf("  %s  %s", formatStatus(job.State), text)))
		}
	}

	if len(lines) > height {
		start := a.selectedIdx - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}

	return strings.Join(lines, "\n")
}

func renderTenancies(stats []models.TenancyStats) string {
	var b strings.Builder

	b.WriteString("\n  Tenancy groups\n")
	b.WriteString("  " + strings.Repeat("─", 60) + "\n")

	if len(stats) == 0 {
		b.WriteString("  " + helpStyle.Render("No active tenancies") + "\n")
		return b.String()
	}

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(cyanColor)
	b.WriteString(fmt.Sprintf("  %s  %s  %s  %s\n",
		headerStyle.Render(fmt.Sprintf("%-12s", "TENANCY")),
		headerStyle.Render(fmt.Sprintf("%-24s", "RUNNING")),
		headerStyle.Render(fmt.Sprintf("%-24s", "QUEUED")),
		headerStyle.Render("LAST ACTIVE"),
	))
	for _, s := range stats {
		b.WriteString(fmt.Sprintf("  %-12s  %s  %s  %s\n",
			truncate(s.Tenancy, 12),
			gauge(s.Running, s.MaxRunning, 10),
			gauge(s.Queued, s.MaxCapacity, 10),
			formatTime(&s.LastActive),
		))
	}
	return b.String()
}

// gauge renders n out of limit as a fixed width bar followed by the counts.
func gauge(n, limit, width int) string {
	filled := 0
	if limit > 0 {
		filled = n * width / limit
		if n > 0 && filled == 0 {
			filled = 1
		}
		if filled > width {
			filled = width
		}
	}
	style := statusSucceeded
	switch {
	case limit > 0 && n >= limit:
		style = statusFailed
	case limit > 0 && n*4 >= limit*3:
		style = statusQueued
	}
	bar := style.Render(strings.Repeat("█", filled)) + helpStyle.Render(strings.Repeat("░", width-filled))
	return bar + fmt.Sprintf(" %-12s", fmt.Sprintf("%d/%d", n, limit))
}

func formatStatus(state models.JobState) string {
	label := statusIcon(state) + " " + strings.ToUpper(string(state))
	switch state {
	case models.JobStateSubmitted, models.JobStateQueued:
		return statusQueued.Render(label)
	case models.JobStateRunning:
		return statusRunning.Render(label)
	case models.JobStateSucceeded:
		return statusSucceeded.Render(label)
	case models.JobStateFailed:
		return statusFailed.Render(label)
	case models.JobStateKilled:
		return statusKilled.Render(label)
	default:
		return string(state)
	}
}

func statusIcon(state models.JobState) string {
	switch state {
	case models.JobStateSubmitted, models.JobStateQueued:
		return "○"
	case models.JobStateRunning:
		return "◑"
	case models.JobStateSucceeded:
		return "●"
	case models.JobStateFailed:
		return "✗"
	case models.JobStateKilled:
		return "⊘"
	default:
		return "?"
	}
}

func (a *App) acceptSuggestion() {
	if selected := a.suggestions.Selected(); selected != nil {
		a.input.SetValue(selected.Text + " ")
		a.input.CursorEnd()
		a.suggestions.Update("")
	}
}

func (a *App) jobIDs() []string {
	ids := make([]string, 0, len(a.jobs))
	for _, j := range a.jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func (a *App) tenancyNames() []string {
	names := make([]string, 0, len(a.tenancies))
	for _, t := range a.tenancies {
		names = append(names, t.Tenancy)
	}
	return names
}

// selectedJobID is the job a command without an explicit id applies to.
func (a *App) selectedJobID() string {
	switch {
	case a.mode == modeDetail:
		return a.detailID
	case a.mode == modeList && len(a.jobs) > 0:
		return a.jobs[a.selectedIdx].ID
	}
	return ""
}

func (a *App) openDetail(id string) tea.Cmd {
	a.mode = modeDetail
	a.detailID = id
	a.detail = nil
	a.viewport.GotoTop()
	return a.fetchDetail(id)
}

func (a *App) refresh() tea.Cmd {
	switch a.mode {
	case modeDetail:
		return tea.Batch(a.fetchDetail(a.detailID), a.fetchTenancies())
	case modeTenancies:
		return a.fetchTenancies()
	default:
		return tea.Batch(a.fetchJobs(), a.fetchTenancies())
	}
}

func (a *App) fetchJobs() tea.Cmd {
	a.loading = true
	filter := filters[a.filterIdx]
	return func() tea.Msg {
		jobs, total, err := a.client.ListJobs(filter, listPageSize)
		if err != nil {
			return errMsg{err}
		}
		return jobsLoadedMsg{jobs: jobs, total: total}
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	return func() tea.Msg {
		job, err := a.client.GetJob(id)
		if err != nil {
			return errMsg{err}
		}
		runs, _ := a.client.GetTasks(id)
		detail := &JobDetail{Job: job, Runs: runs}
		if page, err := a.client.GetLogs(id, detailLogRows); err == nil {
			detail.Logs = page.Logs
		}
		return jobDetailLoadedMsg{detail}
	}
}

func (a *App) fetchTenancies() tea.Cmd {
	return func() tea.Msg {
		stats, err := a.client.Tenancies()
		if err != nil {
			return errMsg{err}
		}
		return tenanciesLoadedMsg{stats}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		return daemonStatusMsg{online: err == nil && ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// executeCommand runs one command line. View changes happen here; API calls
// run in the returned command.
func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "q", "quit", "exit":
		return tea.Quit

	case "refresh", "r":
		a.message = ""
		return tea.Batch(a.refresh(), a.checkDaemon())

	case "jobs", "list":
		a.mode = modeList
		return a.fetchJobs()

	case "tenancies", "t":
		a.mode = modeTenancies
		return a.fetchTenancies()

	case "filter":
		want := "all"
		if len(args) > 0 {
			want = strings.ToLower(args[0])
		}
		for i, f := range filters {
			if want == strings.ToLower(filterNames[i]) || (f != "" && want == string(f)) {
				a.filterIdx = i
				a.mode = modeList
				return a.fetchJobs()
			}
		}
		a.message = "Error: unknown state " + want
		return nil

	case "show":
		if len(args) < 1 {
			a.message = "Usage: /show <job-id>"
			return nil
		}
		return a.openDetail(strings.TrimPrefix(args[0], "@"))

	case "kill":
		id := a.selectedJobID()
		if len(args) > 0 {
			id = strings.TrimPrefix(args[0], "@")
		}
		if id == "" {
			a.message = "No job selected"
			return nil
		}
		return func() tea.Msg {
			if err := a.client.KillJob(id); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Kill requested for %s", shortID(id))}
		}

	case "submit", "run":
		if len(args) < 1 {
			a.message = "Usage: /submit <command> [args...]"
			return nil
		}
		req := controlplane.SubmitRequest{Command: args[0], Args: args[1:]}
		return func() tea.Msg {
			id, err := a.client.SubmitJob(req)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Submitted job %s", shortID(id))}
		}

	default:
		a.message = fmt.Sprintf("Unknown: %s (try: /submit, /kill, /filter, /tenancies, /refresh)", cmd)
		return nil
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
