// Package controlplane provides the HTTP API and service layer for Conductor.
package controlplane

import (
	"context"
	"fmt"
	"strings"

	"github.com/fentz26/conductor/internal/agents"
	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/usage"
)

// UsageReporter serves usage snapshots. *usage.Poller implements it.
type UsageReporter interface {
	Snapshot() usage.Snapshot
	PollOnce(ctx context.Context) error
}

// AgentProber reports the agent status. *agents.Detector implements it.
type AgentProber interface {
	Detect(ctx context.Context) agents.Status
}

// Service provides the control plane business logic.
type Service struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	usage     UsageReporter
	agents    AgentProber
	audit     *audit.Writer
	bus       *events.Bus
}

// NewService creates a new control plane service. usage, agents and bus
// may be nil.
func NewService(s *store.Store, sch *scheduler.Scheduler, u UsageReporter, a AgentProber, w *audit.Writer, bus *events.Bus) *Service {
	return &Service{
		store:     s,
		scheduler: sch,
		usage:     u,
		agents:    a,
		audit:     w,
		bus:       bus,
	}
}

func (s *Service) publish(t events.Type, data any) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}

// --- Project Operations ---

// CreateProject creates a project.
func (s *Service) CreateProject(in store.ProjectInput) (*models.Project, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	p, err := s.store.CreateProject(in)
	if err != nil {
		return nil, err
	}
	s.audit.Record("project.create", in, "success", "", p.ID)
	return p, nil
}

// GetProject retrieves a project by ID.
func (s *Service) GetProject(id string) (*models.Project, error) {
	p, err := s.store.GetProject(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// ListProjects returns all projects.
func (s *Service) ListProjects() ([]models.Project, error) {
	return s.store.ListProjects()
}

// UpdateProject applies a settings patch.
func (s *Service) UpdateProject(id string, patch store.ProjectPatch) (*models.Project, error) {
	if patch.MaxTasksPerSession != nil && *patch.MaxTasksPerSession < 0 {
		return nil, fmt.Errorf("%w: max_tasks_per_session must not be negative", ErrInvalidRequest)
	}
	p, err := s.store.UpdateProject(id, patch)
	if err != nil {
		return nil, err
	}
	s.audit.Record("project.update", patch, "success", "", id)
	return p, nil
}

// DeleteProject removes a project and everything in it.
func (s *Service) DeleteProject(id string) error {
	if err := s.store.DeleteProject(id); err != nil {
		return err
	}
	s.audit.Record("project.delete", map[string]string{"project_id": id}, "success", "", "")
	return nil
}

// --- Session Operations ---

// CreateSession adds a session to a project.
func (s *Service) CreateSession(projectID, name, model string) (*models.Session, error) {
	sess, err := s.store.CreateSession(projectID, name, model)
	if err != nil {
		return nil, err
	}
	s.publish(events.SessionStatus, sess)
	return sess, nil
}

// GetSession retrieves a session by ID.
func (s *Service) GetSession(id string) (*models.Session, error) {
	sess, err := s.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ListSessions returns a project's sessions in order.
func (s *Service) ListSessions(projectID string) ([]models.Session, error) {
	if _, err := s.GetProject(projectID); err != nil {
		return nil, err
	}
	return s.store.ListSessions(projectID)
}

// UpdateSession applies a session patch.
func (s *Service) UpdateSession(id string, patch store.SessionPatch) (*models.Session, error) {
	sess, err := s.store.UpdateSession(id, patch)
	if err != nil {
		return nil, err
	}
	s.publish(events.SessionStatus, sess)
	return sess, nil
}

// DeleteSession removes a session that is not running.
func (s *Service) DeleteSession(id string) error {
	if err := s.store.DeleteSession(id); err != nil {
		return err
	}
	s.audit.Record("session.delete", map[string]string{"session_id": id}, "success", "", "")
	return nil
}

// SetNextSession links a session to the one that follows it.
func (s *Service) SetNextSession(id, nextID string) (*models.Session, error) {
	if err := s.store.SetNextSession(id, nextID); err != nil {
		return nil, err
	}
	s.audit.Record("session.chain", map[string]string{"session_id": id, "next_session_id": nextID}, "success", "", "")
	return s.GetSession(id)
}

// ReorderSessions rewrites session order keys.
func (s *Service) ReorderSessions(items []models.OrderItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: items are required", ErrInvalidRequest)
	}
	return s.store.ReorderSessions(items)
}

// StartSession activates a session and dispatches its next task.
func (s *Service) StartSession(id string) (*models.Session, error) {
	return s.scheduler.StartSession(id)
}

// StopSession deactivates a session.
func (s *Service) StopSession(id string) (*models.Session, error) {
	return s.scheduler.StopSession(id)
}

// --- Task Operations ---

// CreateTask adds a task to a project holding area or a session's todo.
func (s *Service) CreateTask(projectID, sessionID, prompt string, loc models.TaskLocation) (*models.Task, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	task, err := s.store.CreateTask(projectID, sessionID, prompt, loc)
	if err != nil {
		return nil, err
	}
	s.publish(events.TaskStatus, task)
	return task, nil
}

// CreateSessionTask adds a task to the end of a session's todo pool.
func (s *Service) CreateSessionTask(sessionID, prompt string) (*models.Task, error) {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return s.CreateTask(sess.ProjectID, sess.ID, prompt, models.LocationTodo)
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(id string) (*models.Task, error) {
	t, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	return t, nil
}

// ListProjectTasks returns a project's tasks, optionally by location.
func (s *Service) ListProjectTasks(projectID string, loc models.TaskLocation) ([]models.Task, error) {
	if loc != "" && !loc.Valid() {
		return nil, store.ErrInvalidLocation
	}
	if _, err := s.GetProject(projectID); err != nil {
		return nil, err
	}
	return s.store.ListProjectTasks(projectID, loc)
}

// ListSessionTasks returns a session's tasks, optionally by location.
func (s *Service) ListSessionTasks(sessionID string, loc models.TaskLocation) ([]models.Task, error) {
	if loc != "" && !loc.Valid() {
		return nil, store.ErrInvalidLocation
	}
	if _, err := s.GetSession(sessionID); err != nil {
		return nil, err
	}
	return s.store.ListSessionTasks(sessionID, loc)
}

// UpdateTask replaces a task's prompt.
func (s *Service) UpdateTask(id, prompt string) (*models.Task, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	t, err := s.store.UpdateTaskPrompt(id, prompt)
	if err != nil {
		return nil, err
	}
	s.publish(events.TaskStatus, t)
	return t, nil
}

// DeleteTask removes a task that is not running.
func (s *Service) DeleteTask(id string) error {
	if err := s.store.DeleteTask(id); err != nil {
		return err
	}
	s.audit.Record("task.delete", map[string]string{"task_id": id}, "success", "", "")
	return nil
}

// MoveTask transitions a task to another location.
func (s *Service) MoveTask(id string, loc models.TaskLocation, sessionID string) (*models.Task, error) {
	t, err := s.store.MoveTask(id, loc, sessionID)
	if err != nil {
		return nil, err
	}
	s.publish(events.TaskStatus, t)
	s.audit.Record("task.move", map[string]string{"task_id": id, "location": string(loc), "session_id": sessionID}, "success", id, "")
	return t, nil
}

// ReorderTasks rewrites task order keys.
func (s *Service) ReorderTasks(items []models.OrderItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: items are required", ErrInvalidRequest)
	}
	return s.store.ReorderTasks(items)
}

// AbortTask terminates a running task.
func (s *Service) AbortTask(id string) error {
	if _, err := s.GetTask(id); err != nil {
		return err
	}
	return s.scheduler.AbortTask(id)
}

// RespondToTask delivers a human response to a task awaiting input.
func (s *Service) RespondToTask(id, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	if _, err := s.GetTask(id); err != nil {
		return err
	}
	return s.scheduler.SendHumanResponse(id, text)
}

// ListTaskEvents returns a task's events in order.
func (s *Service) ListTaskEvents(id string) ([]models.TaskEvent, error) {
	if _, err := s.GetTask(id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(id)
}

// --- Usage, Scheduler and Agent ---

// Usage returns the current usage snapshot.
func (s *Service) Usage() (usage.Snapshot, error) {
	if s.usage == nil {
		return usage.Snapshot{}, fmt.Errorf("%w: usage tracking is disabled", ErrNotFound)
	}
	return s.usage.Snapshot(), nil
}

// RefreshUsage runs one poll cycle and returns the resulting snapshot.
func (s *Service) RefreshUsage(ctx context.Context) (usage.Snapshot, error) {
	if s.usage == nil {
		return usage.Snapshot{}, fmt.Errorf("%w: usage tracking is disabled", ErrNotFound)
	}
	if err := s.usage.PollOnce(ctx); err != nil {
		return usage.Snapshot{}, err
	}
	return s.usage.Snapshot(), nil
}

// SchedulerStats returns scheduler statistics.
func (s *Service) SchedulerStats() scheduler.Stats {
	return s.scheduler.GetStats()
}

// Reconcile repairs state left by a crash.
func (s *Service) Reconcile() (*store.ReconcileResult, error) {
	return s.scheduler.Reconcile()
}

// AgentStatus probes the external agent.
func (s *Service) AgentStatus(ctx context.Context) *agents.Status {
	if s.agents == nil {
		return nil
	}
	st := s.agents.Detect(ctx)
	return &st
}
