package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/conductor/internal/models"
	"github.com/google/uuid"
)

// SessionCounterKey is the settings key used to number default session names.
const SessionCounterKey = "session_counter"

// SessionPatch holds optional session updates.
type SessionPatch struct {
	Name     *string `json:"name,omitempty"`
	Model    *string `json:"model,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

const sessionColumns = `id, project_id, name, model, status, session_order, conversation_id, next_session_id, is_active, created_at, updated_at`

// --- Session Operations ---

// CreateSession inserts a new idle session at the end of the project's order.
// An empty name is replaced by "Session N" from a monotonic counter.
func (s *Store) CreateSession(projectID, name, model string) (*models.Session, error) {
	p, err := s.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}

	if strings.TrimSpace(name) == "" {
		n, err := s.NextCounter(SessionCounterKey)
		if err != nil {
			return nil, err
		}
		name = fmt.Sprintf("Session %d", n)
	}

	var maxOrder sql.NullInt64
	if err := s.db.QueryRow(
		`SELECT MAX(session_order) FROM sessions WHERE project_id = ?`, projectID,
	).Scan(&maxOrder); err != nil {
		return nil, fmt.Errorf("query session order: %w", err)
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		Name:         name,
		Model:        model,
		Status:       models.SessionStatusIdle,
		SessionOrder: int(maxOrder.Int64) + 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, 0, ?, ?)`,
		sess.ID, sess.ProjectID, sess.Name, nullString(sess.Model), sess.Status, sess.SessionOrder,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var model, conv, next sql.NullString
	var active int
	if err := row.Scan(&sess.ID, &sess.ProjectID, &sess.Name, &model, &sess.Status, &sess.SessionOrder,
		&conv, &next, &active, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Model = model.String
	sess.ConversationID = conv.String
	sess.NextSessionID = next.String
	sess.IsActive = active != 0
	return sess, nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

func (s *Store) querySessions(query string, args ...any) ([]models.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// ListSessions returns a project's sessions in display order.
func (s *Store) ListSessions(projectID string) ([]models.Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE project_id = ? ORDER BY session_order ASC, created_at ASC`,
		projectID,
	)
}

// ListSessionsByStatus returns sessions across all projects with the given status.
func (s *Store) ListSessionsByStatus(status models.SessionStatus) ([]models.Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY session_order ASC, created_at ASC`,
		status,
	)
}

// RunningSession returns the running session of a project, if any.
func (s *Store) RunningSession(projectID string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE project_id = ? AND status = ? LIMIT 1`,
		projectID, models.SessionStatusRunning,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query running session: %w", err)
	}
	return sess, nil
}

// UpdateSession applies a patch and returns the updated session.
func (s *Store) UpdateSession(id string, patch SessionPatch) (*models.Session, error) {
	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) != "" {
		sess.Name = *patch.Name
	}
	if patch.Model != nil {
		sess.Model = *patch.Model
	}
	if patch.IsActive != nil {
		sess.IsActive = *patch.IsActive
	}
	sess.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(
		`UPDATE sessions SET name = ?, model = ?, is_active = ?, updated_at = ? WHERE id = ?`,
		sess.Name, nullString(sess.Model), boolInt(sess.IsActive), sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return sess, nil
}

// SetSessionStatus updates the status of a session.
func (s *Store) SetSessionStatus(id string, status models.SessionStatus) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionConversation records the agent conversation ID used to resume.
func (s *Store) SetSessionConversation(id, conversationID string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET conversation_id = ?, updated_at = ? WHERE id = ?`,
		nullString(conversationID), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update session conversation: %w", err)
	}
	return nil
}

// SetNextSession links fromID -> toID, clearing any other edge into toID
// so chains stay disjoint. An empty toID removes the link.
func (s *Store) SetNextSession(fromID, toID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var fromProject string
	err = tx.QueryRow(`SELECT project_id FROM sessions WHERE id = ?`, fromID).Scan(&fromProject)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query session: %w", err)
	}

	now := time.Now().UTC()
	if toID == "" {
		if _, err := tx.Exec(`UPDATE sessions SET next_session_id = NULL, updated_at = ? WHERE id = ?`, now, fromID); err != nil {
			return fmt.Errorf("clear next session: %w", err)
		}
		return tx.Commit()
	}

	if toID == fromID {
		return ErrChainCycle
	}

	var toProject string
	err = tx.QueryRow(`SELECT project_id FROM sessions WHERE id = ?`, toID).Scan(&toProject)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query session: %w", err)
	}
	if toProject != fromProject {
		return ErrCrossProject
	}

	// Walk forward from toID; reaching fromID means the new edge closes a loop.
	seen := map[string]bool{toID: true}
	cur := toID
	for {
		var next sql.NullString
		if err := tx.QueryRow(`SELECT next_session_id FROM sessions WHERE id = ?`, cur).Scan(&next); err != nil {
			return fmt.Errorf("walk chain: %w", err)
		}
		if !next.Valid || next.String == "" {
			break
		}
		if next.String == fromID {
			return ErrChainCycle
		}
		if seen[next.String] {
			break
		}
		seen[next.String] = true
		cur = next.String
	}

	if _, err := tx.Exec(
		`UPDATE sessions SET next_session_id = NULL, updated_at = ? WHERE next_session_id = ? AND id != ?`,
		now, toID, fromID,
	); err != nil {
		return fmt.Errorf("clear inbound edge: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE sessions SET next_session_id = ?, updated_at = ? WHERE id = ?`,
		toID, now, fromID,
	); err != nil {
		return fmt.Errorf("set next session: %w", err)
	}
	return tx.Commit()
}

// ReorderSessions rewrites session order keys in one transaction.
func (s *Store) ReorderSessions(items []models.OrderItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, it := range items {
		res, err := tx.Exec(`UPDATE sessions SET session_order = ?, updated_at = ? WHERE id = ?`, it.Order, now, it.ID)
		if err != nil {
			return fmt.Errorf("reorder session %s: %w", it.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("reorder session %s: %w", it.ID, ErrNotFound)
		}
	}
	return tx.Commit()
}

// DeleteSession removes a session with its todo/done tasks and their events.
// Inbound chain links are cleared.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status models.SessionStatus
	err = tx.QueryRow(`SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query session: %w", err)
	}
	if status == models.SessionStatusRunning {
		return ErrSessionRunning
	}

	stmts := []string{
		`DELETE FROM task_events WHERE task_id IN (SELECT id FROM tasks WHERE session_id = ?)`,
		`DELETE FROM tasks WHERE session_id = ?`,
		`UPDATE sessions SET next_session_id = NULL WHERE next_session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	return tx.Commit()
}
