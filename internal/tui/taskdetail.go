package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/conductor/internal/models"
)

var (
	eventTypeStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	eventTimeStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	awaitingStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)
)

// maxDetailEvents is how many trailing events the detail pane shows.
const maxDetailEvents = 8

// renderTaskDetail draws the tail of a task's event log.
func renderTaskDetail(task *models.Task, events []models.TaskEvent, awaiting bool, width int) string {
	var b strings.Builder
	b.WriteString(paneTitle("Output", false) + "\n")
	if task == nil {
		b.WriteString(helpStyle.Render("  select a task") + "\n")
		return panelStyle.Width(width).Render(b.String())
	}

	if awaiting {
		b.WriteString(awaitingStyle.Render("  awaiting input, press i to respond") + "\n")
	}
	if len(events) == 0 {
		b.WriteString(helpStyle.Render("  no output yet") + "\n")
		return panelStyle.Width(width).Render(b.String())
	}

	start := len(events) - maxDetailEvents
	if start < 0 {
		start = 0
	}
	for _, ev := range events[start:] {
		line := fmt.Sprintf("  %s %s %s",
			eventTimeStyle.Render(ev.Timestamp.Local().Format("15:04:05")),
			eventTypeStyle.Render(ev.Type),
			truncate(summarizeEvent(ev), width-24))
		b.WriteString(line + "\n")
	}
	return panelStyle.Width(width).Render(strings.TrimRight(b.String(), "\n"))
}

// summarizeEvent extracts a one-line human readable text from an event payload.
func summarizeEvent(ev models.TaskEvent) string {
	var body map[string]any
	if err := json.Unmarshal(ev.Payload, &body); err != nil {
		return firstLine(string(ev.Payload))
	}

	for _, key := range []string{"text", "message", "result"} {
		if s, ok := body[key].(string); ok && s != "" {
			return firstLine(s)
		}
	}

	// Assistant records nest their text in message.content[].
	if msg, ok := body["message"].(map[string]any); ok {
		if content, ok := msg["content"].([]any); ok {
			for _, c := range content {
				part, ok := c.(map[string]any)
				if !ok {
					continue
				}
				if s, ok := part["text"].(string); ok && s != "" {
					return firstLine(s)
				}
				if name, ok := part["name"].(string); ok && name != "" {
					return "tool: " + name
				}
			}
		}
	}

	if sub, ok := body["subtype"].(string); ok && sub != "" {
		return sub
	}
	return ""
}
