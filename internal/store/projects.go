package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/conductor/internal/models"
	"github.com/google/uuid"
)

// Project defaults applied when the caller leaves a field empty.
const (
	DefaultModel          = "sonnet"
	DefaultPermissionMode = "acceptEdits"
)

// ProjectInput describes a project to create.
type ProjectInput struct {
	Name               string `json:"name"`
	RootDir            string `json:"root_dir"`
	DefaultModel       string `json:"default_model"`
	PermissionMode     string `json:"permission_mode"`
	AutoContinue       bool   `json:"auto_continue"`
	MaxTasksPerSession int    `json:"max_tasks_per_session"`
}

// ProjectPatch holds optional project settings updates.
type ProjectPatch struct {
	Name               *string `json:"name,omitempty"`
	RootDir            *string `json:"root_dir,omitempty"`
	DefaultModel       *string `json:"default_model,omitempty"`
	PermissionMode     *string `json:"permission_mode,omitempty"`
	AutoContinue       *bool   `json:"auto_continue,omitempty"`
	MaxTasksPerSession *int    `json:"max_tasks_per_session,omitempty"`
}

const projectColumns = `id, name, root_dir, default_model, permission_mode, auto_continue, max_tasks_per_session, created_at, updated_at`

// --- Project Operations ---

// CreateProject inserts a new project.
func (s *Store) CreateProject(in ProjectInput) (*models.Project, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("project name is required")
	}
	if in.DefaultModel == "" {
		in.DefaultModel = DefaultModel
	}
	if in.PermissionMode == "" {
		in.PermissionMode = DefaultPermissionMode
	}
	if in.MaxTasksPerSession < 0 {
		in.MaxTasksPerSession = 0
	}

	now := time.Now().UTC()
	p := &models.Project{
		ID:                 uuid.New().String(),
		Name:               in.Name,
		RootDir:            in.RootDir,
		DefaultModel:       in.DefaultModel,
		PermissionMode:     in.PermissionMode,
		AutoContinue:       in.AutoContinue,
		MaxTasksPerSession: in.MaxTasksPerSession,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	_, err := s.db.Exec(
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RootDir, p.DefaultModel, p.PermissionMode, boolInt(p.AutoContinue),
		p.MaxTasksPerSession, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func scanProject(row rowScanner) (*models.Project, error) {
	p := &models.Project{}
	var auto int
	if err := row.Scan(&p.ID, &p.Name, &p.RootDir, &p.DefaultModel, &p.PermissionMode, &auto,
		&p.MaxTasksPerSession, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.AutoContinue = auto != 0
	return p, nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id string) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by creation.
func (s *Store) ListProjects() ([]models.Project, error) {
	rows, err := s.db.Query(`SELECT ` + projectColumns + ` FROM projects ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// UpdateProject applies a settings patch and returns the updated project.
func (s *Store) UpdateProject(id string, patch ProjectPatch) (*models.Project, error) {
	p, err := s.GetProject(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}

	if patch.Name != nil && strings.TrimSpace(*patch.Name) != "" {
		p.Name = *patch.Name
	}
	if patch.RootDir != nil {
		p.RootDir = *patch.RootDir
	}
	if patch.DefaultModel != nil && *patch.DefaultModel != "" {
		p.DefaultModel = *patch.DefaultModel
	}
	if patch.PermissionMode != nil && *patch.PermissionMode != "" {
		p.PermissionMode = *patch.PermissionMode
	}
	if patch.AutoContinue != nil {
		p.AutoContinue = *patch.AutoContinue
	}
	if patch.MaxTasksPerSession != nil && *patch.MaxTasksPerSession >= 0 {
		p.MaxTasksPerSession = *patch.MaxTasksPerSession
	}
	p.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(
		`UPDATE projects SET name = ?, root_dir = ?, default_model = ?, permission_mode = ?,
		 auto_continue = ?, max_tasks_per_session = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.RootDir, p.DefaultModel, p.PermissionMode, boolInt(p.AutoContinue),
		p.MaxTasksPerSession, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}
	return p, nil
}

// DeleteProject removes a project with its sessions, tasks and events.
// A project with a running task is refused.
func (s *Store) DeleteProject(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var running int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM tasks WHERE project_id = ? AND status = ?`,
		id, models.TaskStatusRunning,
	).Scan(&running); err != nil {
		return fmt.Errorf("count running tasks: %w", err)
	}
	if running > 0 {
		return ErrTaskRunning
	}

	stmts := []string{
		`DELETE FROM task_events WHERE task_id IN (SELECT id FROM tasks WHERE project_id = ?)`,
		`DELETE FROM tasks WHERE project_id = ?`,
		`DELETE FROM sessions WHERE project_id = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("cascade delete: %w", err)
		}
	}
	res, err := tx.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
