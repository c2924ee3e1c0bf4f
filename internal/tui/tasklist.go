package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/conductor/internal/models"
)

var (
	statusPending   = lipgloss.NewStyle().Foreground(warningColor)
	statusRunning   = lipgloss.NewStyle().Foreground(cyanColor)
	statusCompleted = lipgloss.NewStyle().Foreground(successColor)
	statusFailed    = lipgloss.NewStyle().Foreground(errorColor)
	statusMuted     = lipgloss.NewStyle().Foreground(mutedColor)
)

func formatTaskStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPending:
		return statusPending.Render("○ pending")
	case models.TaskStatusRunning:
		return statusRunning.Render("◑ running")
	case models.TaskStatusCompleted:
		return statusCompleted.Render("● done")
	case models.TaskStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.TaskStatusAborted:
		return statusMuted.Render("■ aborted")
	default:
		return string(status)
	}
}

func formatSessionStatus(s models.Session) string {
	var label string
	switch s.Status {
	case models.SessionStatusRunning:
		label = statusRunning.Render("◑ running")
	case models.SessionStatusQueued:
		label = statusPending.Render("◔ queued")
	case models.SessionStatusCompleted:
		label = statusCompleted.Render("● completed")
	default:
		label = statusMuted.Render("○ idle")
	}
	if s.IsActive {
		label += " " + statusCompleted.Render("▶")
	}
	return label
}

// renderSessions draws the session list with the cursor on selected.
func renderSessions(sessions []models.Session, selected int, focused bool, width, height int) string {
	var b strings.Builder
	b.WriteString(paneTitle("Sessions", focused) + "\n")
	if len(sessions) == 0 {
		b.WriteString(helpStyle.Render("  no sessions") + "\n")
		return panelStyle.Width(width).Render(b.String())
	}

	names := make(map[string]string, len(sessions))
	for _, s := range sessions {
		names[s.ID] = s.Name
	}

	lines := make([]string, 0, len(sessions))
	for i, s := range sessions {
		text := fmt.Sprintf("%s  %s", truncate(s.Name, width-16), formatSessionStatus(s))
		if next, ok := names[s.NextSessionID]; ok {
			text += statusMuted.Render(" → " + truncate(next, 12))
		}
		lines = append(lines, cursorLine(text, i == selected, focused))
	}
	b.WriteString(strings.Join(window(lines, selected, height-2), "\n"))
	return panelStyle.Width(width).Render(b.String())
}

// renderTasks draws a session's tasks grouped by location.
func renderTasks(tasks []models.Task, selected int, focused bool, width, height int) string {
	var b strings.Builder
	b.WriteString(paneTitle("Tasks", focused) + "\n")
	if len(tasks) == 0 {
		b.WriteString(helpStyle.Render("  no tasks, press n to add one") + "\n")
		return panelStyle.Width(width).Render(b.String())
	}

	lines := make([]string, 0, len(tasks))
	for i, t := range tasks {
		prompt := truncate(firstLine(t.Prompt), width-24)
		loc := statusMuted.Render(fmt.Sprintf("%-5s", t.Location))
		text := fmt.Sprintf("%s %s  %s", loc, formatTaskStatus(t.Status), prompt)
		lines = append(lines, cursorLine(text, i == selected, focused))
	}
	b.WriteString(strings.Join(window(lines, selected, height-2), "\n"))
	return panelStyle.Width(width).Render(b.String())
}

func paneTitle(title string, focused bool) string {
	if focused {
		return titleStyle.Render(title)
	}
	return statusMuted.Bold(true).Padding(0, 1).Render(title)
}

func cursorLine(text string, selected, focused bool) string {
	if !selected {
		return "  " + text
	}
	if focused {
		return selectedStyle.Render("▶") + " " + text
	}
	return "› " + text
}

// window returns at most height lines keeping index visible.
func window(lines []string, index, height int) []string {
	if height <= 0 || len(lines) <= height {
		return lines
	}
	start := index - height + 1
	if start < 0 {
		start = 0
	}
	end := start + height
	if end > len(lines) {
		end = len(lines)
		start = end - height
	}
	return lines[start:end]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if n < 4 {
		n = 4
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
