// Package models defines the core domain types for Conductor.
package models

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusIdle      SessionStatus = "idle"
	SessionStatusQueued    SessionStatus = "queued"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
)

// TaskStatus represents the execution state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusAborted   TaskStatus = "aborted"
)

// IsTerminal reports whether the status is a finished state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusAborted
}

// TaskLocation is the holding area of a task, independent of its status.
type TaskLocation string

const (
	LocationBacklog TaskLocation = "backlog"
	LocationQueue   TaskLocation = "queue"
	LocationTodo    TaskLocation = "todo"
	LocationDone    TaskLocation = "done"
)

// Valid reports whether l is a known location.
func (l TaskLocation) Valid() bool {
	switch l {
	case LocationBacklog, LocationQueue, LocationTodo, LocationDone:
		return true
	}
	return false
}

// SessionScoped reports whether the location is owned by a session
// (todo/done) rather than by the project (backlog/queue).
func (l TaskLocation) SessionScoped() bool {
	return l == LocationTodo || l == LocationDone
}

// Project groups sessions and tasks that share a working directory.
type Project struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	RootDir            string    `json:"root_dir"`
	DefaultModel       string    `json:"default_model"`
	PermissionMode     string    `json:"permission_mode"`
	AutoContinue       bool      `json:"auto_continue"`
	MaxTasksPerSession int       `json:"max_tasks_per_session"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Session is an ordered, resumable unit of work bound to one agent conversation.
type Session struct {
	ID             string        `json:"id"`
	ProjectID      string        `json:"project_id"`
	Name           string        `json:"name"`
	Model          string        `json:"model,omitempty"`
	Status         SessionStatus `json:"status"`
	SessionOrder   int           `json:"session_order"`
	ConversationID string        `json:"conversation_id,omitempty"`
	NextSessionID  string        `json:"next_session_id,omitempty"`
	IsActive       bool          `json:"is_active"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Task is one prompt to be executed by the external agent.
type Task struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	SessionID   string       `json:"session_id,omitempty"`
	Prompt      string       `json:"prompt"`
	Status      TaskStatus   `json:"status"`
	Location    TaskLocation `json:"location"`
	TaskOrder   int          `json:"task_order"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// TaskEvent is an append-only record emitted while a task runs.
type TaskEvent struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderItem is one entry of a bulk reorder request.
type OrderItem struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// AuditEntry is a decision record for a state-mutating action.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
