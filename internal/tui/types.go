package tui

import (
	"time"

	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/usage"
)

// pane identifies which list has keyboard focus.
type pane int

const (
	paneSessions pane = iota
	paneTasks
)

type projectLoadedMsg struct {
	project *models.Project
}

type sessionsLoadedMsg struct {
	sessions []models.Session
}

type tasksLoadedMsg struct {
	sessionID string
	tasks     []models.Task
}

type eventsLoadedMsg struct {
	taskID string
	events []models.TaskEvent
}

type usageLoadedMsg struct {
	snapshot *usage.Snapshot
}

type statsLoadedMsg struct {
	stats *scheduler.Stats
}

type daemonStatusMsg struct {
	online bool
}

type actionDoneMsg struct {
	message string
}

type tickMsg time.Time

type errMsg struct {
	err error
}
