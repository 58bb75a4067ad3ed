package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// detailLogRows is how many trailing log lines the detail view fetches.
const detailLogRows = 200

// renderJobDetail renders the job fields, its runs and the log tail.
func renderJobDetail(d *JobDetail) string {
	if d == nil || d.Job == nil {
		return "\n  Loading job details...\n"
	}
	j := d.Job

	var b strings.Builder
	b.WriteString(headerStyle.Render(j.Name))
	b.WriteString("\n")
	b.WriteString(renderField("ID", j.ID))
	b.WriteString(renderField("Status", formatStatus(j.State)))
	b.WriteString(renderField("Progress", fmt.Sprintf("%.0f%%", j.Progress*100)))
	b.WriteString(renderField("Tenancy", j.Tenancy))
	b.WriteString(renderField("Users", fmt.Sprintf("%s (created by %s)", j.ExecuteUser, j.CreateUser)))
	b.WriteString(renderField("Command", strings.TrimSpace(j.Command+" "+strings.Join(j.Args, " "))))
	b.WriteString(renderField("Submitted", formatTime(&j.SubmittedAt)))
	if j.StartedAt != nil {
		b.WriteString(renderField("Started", formatTime(j.StartedAt)))
	}
	if j.FinishedAt != nil {
		b.WriteString(renderField("Finished", formatTime(j.FinishedAt)))
	}
	if j.Error != "" {
		b.WriteString(renderField("Error", statusFailed.Render(j.Error)))
	}

	if len(d.Runs) > 0 {
		b.WriteString(sectionStyle.Render("Runs"))
		b.WriteString("\n")
		for _, run := range d.Runs {
			exitStr := fmt.Sprintf("%d", run.ExitCode)
			if run.ExitCode == 0 {
				exitStr = statusSucceeded.Render(exitStr)
			} else {
				exitStr = statusFailed.Render(exitStr)
			}
			b.WriteString(fmt.Sprintf("  %s on %s (exit: %s) %s\n",
				formatStatus(run.State), run.ExecutorID, exitStr, formatTime(&run.StartedAt)))
		}
	}

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Log (last %d lines)", len(d.Logs))))
	b.WriteString("\n")
	if len(d.Logs) == 0 {
		b.WriteString(helpStyle.Render("  no output yet"))
		b.WriteString("\n")
	}
	for _, line := range d.Logs {
		b.WriteString("  " + truncate(line, 200) + "\n")
	}
	return b.String()
}

func renderField(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), valueStyle.Render(value))
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
