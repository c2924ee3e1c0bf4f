package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)
)

// inputMode is what the command bar's text is submitted as.
type inputMode int

const (
	inputNone inputMode = iota
	inputAddTask
	inputRespond
)

// cmdBar collects a line of text for adding a task or answering an agent.
type cmdBar struct {
	input  textinput.Model
	mode   inputMode
	target string // session or task ID
}

func newCmdBar() cmdBar {
	ti := textinput.New()
	ti.CharLimit = 4096
	ti.Width = 80
	return cmdBar{input: ti}
}

func (c *cmdBar) active() bool {
	return c.mode != inputNone
}

// open focuses the bar for mode, submitting against target.
func (c *cmdBar) open(mode inputMode, target string) {
	c.mode = mode
	c.target = target
	c.input.SetValue("")
	switch mode {
	case inputAddTask:
		c.input.Placeholder = "prompt for the new task"
	case inputRespond:
		c.input.Placeholder = "response to the agent"
	}
	c.input.Focus()
}

func (c *cmdBar) close() {
	c.mode = inputNone
	c.target = ""
	c.input.Blur()
	c.input.SetValue("")
}

// submit returns the trimmed text, mode and target, then closes the bar.
func (c *cmdBar) submit() (string, inputMode, string) {
	text := strings.TrimSpace(c.input.Value())
	mode, target := c.mode, c.target
	c.close()
	return text, mode, target
}

func (c *cmdBar) update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	c.input, cmd = c.input.Update(msg)
	return cmd
}

func (c *cmdBar) view(width int) string {
	label := "add task"
	if c.mode == inputRespond {
		label = "respond"
	}
	if width > 4 {
		c.input.Width = width - len(label) - 8
	}
	return cmdBarStyle.Render(promptStyle.Render(label+": ") + c.input.View())
}
