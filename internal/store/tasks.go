package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/conductor/internal/models"
	"github.com/google/uuid"
)

const taskColumns = `id, project_id, session_id, prompt, status, location, task_order, created_at, started_at, completed_at`

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

// ClaimResult holds the state committed by a successful dispatch claim.
type ClaimResult struct {
	Task    *models.Task
	Session *models.Session
}

// ReconcileResult reports what Reconcile repaired.
type ReconcileResult struct {
	FailedTasks   []string `json:"failed_tasks"`
	IdledSessions []string `json:"idled_sessions"`
}

// --- Task Operations ---

// nextOrder returns max+1 of the order keys in a task scope.
func nextOrder(q querier, loc models.TaskLocation, projectID, sessionID string) (int, error) {
	var maxOrder sql.NullInt64
	var err error
	if loc.SessionScoped() {
		err = q.QueryRow(
			`SELECT MAX(task_order) FROM tasks WHERE session_id = ? AND location = ?`, sessionID, loc,
		).Scan(&maxOrder)
	} else {
		err = q.QueryRow(
			`SELECT MAX(task_order) FROM tasks WHERE project_id = ? AND session_id IS NULL AND location = ?`, projectID, loc,
		).Scan(&maxOrder)
	}
	if err != nil {
		return 0, fmt.Errorf("query task order: %w", err)
	}
	return int(maxOrder.Int64) + 1, nil
}

// checkSessionTarget verifies a session can accept another task.
func checkSessionTarget(q querier, projectID, sessionID string) error {
	var sessProject string
	var limit int
	err := q.QueryRow(
		`SELECT s.project_id, p.max_tasks_per_session FROM sessions s JOIN projects p ON p.id = s.project_id WHERE s.id = ?`,
		sessionID,
	).Scan(&sessProject, &limit)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query session: %w", err)
	}
	if sessProject != projectID {
		return ErrCrossProject
	}
	if limit > 0 {
		var count int
		if err := q.QueryRow(`SELECT COUNT(*) FROM tasks WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
			return fmt.Errorf("count session tasks: %w", err)
		}
		if count >= limit {
			return ErrSessionFull
		}
	}
	return nil
}

// CreateTask inserts a pending task. backlog/queue tasks belong to the
// project; todo/done tasks require a session.
func (s *Store) CreateTask(projectID, sessionID, prompt string, loc models.TaskLocation) (*models.Task, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if loc == "" {
		loc = models.LocationBacklog
		if sessionID != "" {
			loc = models.LocationTodo
		}
	}
	if !loc.Valid() {
		return nil, ErrInvalidLocation
	}
	if loc.SessionScoped() && sessionID == "" {
		return nil, ErrInvalidLocation
	}
	if !loc.SessionScoped() {
		sessionID = ""
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM projects WHERE id = ?`, projectID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	if sessionID != "" {
		if err := checkSessionTarget(tx, projectID, sessionID); err != nil {
			return nil, err
		}
	}

	order, err := nextOrder(tx, loc, projectID, sessionID)
	if err != nil {
		return nil, err
	}

	t := &models.Task{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		SessionID: sessionID,
		Prompt:    prompt,
		Status:    models.TaskStatusPending,
		Location:  loc,
		TaskOrder: order,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.Exec(
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		t.ID, t.ProjectID, nullString(t.SessionID), t.Prompt, t.Status, t.Location, t.TaskOrder, t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return t, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var sessionID sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.ProjectID, &sessionID, &t.Prompt, &t.Status, &t.Location, &t.TaskOrder,
		&t.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	t.SessionID = sessionID.String
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func getTask(q querier, id string) (*models.Task, error) {
	t, err := scanTask(q.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*models.Task, error) {
	return getTask(s.db, id)
}

func (s *Store) queryTasks(query string, args ...any) ([]models.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ListProjectTasks returns a project's tasks, optionally filtered by location.
func (s *Store) ListProjectTasks(projectID string, loc models.TaskLocation) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ?`
	args := []any{projectID}
	if loc != "" {
		query += ` AND location = ?`
		args = append(args, loc)
	}
	query += ` ORDER BY location, task_order ASC, created_at ASC`
	return s.queryTasks(query, args...)
}

// ListSessionTasks returns a session's tasks, optionally filtered by location.
func (s *Store) ListSessionTasks(sessionID string, loc models.TaskLocation) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE session_id = ?`
	args := []any{sessionID}
	if loc != "" {
		query += ` AND location = ?`
		args = append(args, loc)
	}
	query += ` ORDER BY location DESC, task_order ASC, created_at ASC`
	return s.queryTasks(query, args...)
}

// ListRunningTasks returns every task with status running.
func (s *Store) ListRunningTasks() ([]models.Task, error) {
	return s.queryTasks(
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY started_at ASC`,
		models.TaskStatusRunning,
	)
}

// NextPendingTask returns the lowest-ordered pending todo task of a session.
func (s *Store) NextPendingTask(sessionID string) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRow(
		`SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND location = ? AND status = ?
		 ORDER BY task_order ASC LIMIT 1`,
		sessionID, models.LocationTodo, models.TaskStatusPending,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query next task: %w", err)
	}
	return t, nil
}

// UpdateTaskPrompt replaces the prompt of a task that is not running.
func (s *Store) UpdateTaskPrompt(id, prompt string) (*models.Task, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	if t.Status == models.TaskStatusRunning {
		return nil, ErrTaskRunning
	}
	if _, err := s.db.Exec(`UPDATE tasks SET prompt = ? WHERE id = ?`, prompt, id); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	t.Prompt = prompt
	return t, nil
}

// SetTaskStatus updates only the status of a task.
func (s *Store) SetTaskStatus(id string, status models.TaskStatus) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task that is not running, with its events.
func (s *Store) DeleteTask(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := getTask(tx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return ErrNotFound
	}
	if t.Status == models.TaskStatusRunning {
		return ErrTaskRunning
	}
	if _, err := tx.Exec(`DELETE FROM task_events WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task events: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit()
}

// MoveTask transitions a task to a new location, appending it to the end of
// the target scope. Re-entering todo from a terminal status resets the task
// to pending.
func (s *Store) MoveTask(id string, loc models.TaskLocation, sessionID string) (*models.Task, error) {
	if !loc.Valid() {
		return nil, ErrInvalidLocation
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := getTask(tx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	if t.Status == models.TaskStatusRunning {
		return nil, ErrTaskRunning
	}

	if loc.SessionScoped() {
		if sessionID == "" {
			sessionID = t.SessionID
		}
		if sessionID == "" {
			return nil, ErrInvalidLocation
		}
		if sessionID != t.SessionID {
			if err := checkSessionTarget(tx, t.ProjectID, sessionID); err != nil {
				return nil, err
			}
		}
	} else {
		sessionID = ""
	}

	order, err := nextOrder(tx, loc, t.ProjectID, sessionID)
	if err != nil {
		return nil, err
	}

	t.Location = loc
	t.SessionID = sessionID
	t.TaskOrder = order
	if loc == models.LocationTodo && t.Status.IsTerminal() {
		t.Status = models.TaskStatusPending
		t.StartedAt = nil
		t.CompletedAt = nil
	}

	var startedAt, completedAt any
	if t.StartedAt != nil {
		startedAt = *t.StartedAt
	}
	if t.CompletedAt != nil {
		completedAt = *t.CompletedAt
	}
	_, err = tx.Exec(
		`UPDATE tasks SET session_id = ?, location = ?, task_order = ?, status = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		nullString(t.SessionID), t.Location, t.TaskOrder, t.Status, startedAt, completedAt, t.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("move task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return t, nil
}

// ReorderTasks rewrites task order keys in one transaction.
func (s *Store) ReorderTasks(items []models.OrderItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, it := range items {
		res, err := tx.Exec(`UPDATE tasks SET task_order = ? WHERE id = ?`, it.Order, it.ID)
		if err != nil {
			return fmt.Errorf("reorder task %s: %w", it.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("reorder task %s: %w", it.ID, ErrNotFound)
		}
	}
	return tx.Commit()
}

// ClaimTask performs the dispatch check-then-act in a single transaction:
// the task must still be a pending todo task of the session, the session
// must have no running task, and no other session of the project may be
// running. On success the session and task are both marked running.
func (s *Store) ClaimTask(sessionID, taskID string) (*ClaimResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := getTask(tx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	if t.SessionID != sessionID || t.Location != models.LocationTodo || t.Status != models.TaskStatusPending {
		return nil, ErrConflict
	}

	var running int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM tasks WHERE session_id = ? AND status = ?`,
		sessionID, models.TaskStatusRunning,
	).Scan(&running); err != nil {
		return nil, fmt.Errorf("count running tasks: %w", err)
	}
	if running > 0 {
		return nil, ErrConflict
	}

	var others int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE project_id = ? AND status = ? AND id != ?`,
		t.ProjectID, models.SessionStatusRunning, sessionID,
	).Scan(&others); err != nil {
		return nil, fmt.Errorf("count running sessions: %w", err)
	}
	if others > 0 {
		return nil, ErrConflict
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		models.SessionStatusRunning, now, sessionID,
	); err != nil {
		return nil, fmt.Errorf("mark session running: %w", err)
	}
	res, err := tx.Exec(
		`UPDATE tasks SET status = ?, started_at = ?, completed_at = NULL WHERE id = ? AND status = ?`,
		models.TaskStatusRunning, now, taskID, models.TaskStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("mark task running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConflict
	}

	sess, err := scanSession(tx.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	t.Status = models.TaskStatusRunning
	t.StartedAt = &now
	t.CompletedAt = nil
	return &ClaimResult{Task: t, Session: sess}, nil
}

// FinishTask records a terminal status, moves the task to the end of its
// session's done pool and stamps the completion time.
func (s *Store) FinishTask(taskID string, status models.TaskStatus) (*models.Task, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("finish task: %q is not a terminal status", status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := getTask(tx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}

	loc := models.LocationDone
	if t.SessionID == "" {
		loc = t.Location
	}
	order := t.TaskOrder
	if loc != t.Location {
		if order, err = nextOrder(tx, loc, t.ProjectID, t.SessionID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(
		`UPDATE tasks SET status = ?, location = ?, task_order = ?, completed_at = ? WHERE id = ?`,
		status, loc, order, now, taskID,
	); err != nil {
		return nil, fmt.Errorf("finish task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	t.Status = status
	t.Location = loc
	t.TaskOrder = order
	t.CompletedAt = &now
	return t, nil
}

// Reconcile repairs state left behind by a crash: running tasks whose
// process is not live become failed, and running sessions without a
// running task return to idle. live reports whether a task still has a
// process; nil treats every task as dead.
func (s *Store) Reconcile(live func(taskID string) bool) (*ReconcileResult, error) {
	running, err := s.ListRunningTasks()
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{FailedTasks: []string{}, IdledSessions: []string{}}
	for _, t := range running {
		if live != nil && live(t.ID) {
			continue
		}
		if _, err := s.FinishTask(t.ID, models.TaskStatusFailed); err != nil {
			return nil, err
		}
		result.FailedTasks = append(result.FailedTasks, t.ID)
	}

	sessions, err := s.ListSessionsByStatus(models.SessionStatusRunning)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		var count int
		if err := s.db.QueryRow(
			`SELECT COUNT(*) FROM tasks WHERE session_id = ? AND status = ?`,
			sess.ID, models.TaskStatusRunning,
		).Scan(&count); err != nil {
			return nil, fmt.Errorf("count running tasks: %w", err)
		}
		if count > 0 {
			continue
		}
		if err := s.SetSessionStatus(sess.ID, models.SessionStatusIdle); err != nil {
			return nil, err
		}
		result.IdledSessions = append(result.IdledSessions, sess.ID)
	}
	return result, nil
}
