package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fentz26/conductor/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestProject(t *testing.T, s *Store, in ProjectInput) *models.Project {
	t.Helper()
	if in.Name == "" {
		in.Name = "demo"
	}
	p, err := s.CreateProject(in)
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	return p
}

func newTestSession(t *testing.T, s *Store, projectID string) *models.Session {
	t.Helper()
	sess, err := s.CreateSession(projectID, "", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess
}

func newTodo(t *testing.T, s *Store, projectID, sessionID, prompt string) *models.Task {
	t.Helper()
	task, err := s.CreateTask(projectID, sessionID, prompt, models.LocationTodo)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestProjectCRUD(t *testing.T) {
	s := newTestStore(t)

	p := newTestProject(t, s, ProjectInput{Name: "web", RootDir: "/tmp/web"})
	if p.DefaultModel != DefaultModel || p.PermissionMode != DefaultPermissionMode {
		t.Errorf("Expected defaults, got model=%s mode=%s", p.DefaultModel, p.PermissionMode)
	}

	auto := true
	model := "opus"
	updated, err := s.UpdateProject(p.ID, ProjectPatch{AutoContinue: &auto, DefaultModel: &model})
	if err != nil {
		t.Fatalf("UpdateProject failed: %v", err)
	}
	if !updated.AutoContinue || updated.DefaultModel != "opus" {
		t.Errorf("Patch not applied: %+v", updated)
	}

	got, err := s.GetProject(p.ID)
	if err != nil || got == nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if !got.AutoContinue || got.Name != "web" {
		t.Errorf("Unexpected project: %+v", got)
	}

	sess := newTestSession(t, s, p.ID)
	task := newTodo(t, s, p.ID, sess.ID, "hello")
	if _, err := s.AppendEvent(task.ID, "raw", nil); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	if err := s.DeleteProject(p.ID); err != nil {
		t.Fatalf("DeleteProject failed: %v", err)
	}
	if got, _ := s.GetTask(task.ID); got != nil {
		t.Error("Task should be deleted with its project")
	}
	if got, _ := s.GetSession(sess.ID); got != nil {
		t.Error("Session should be deleted with its project")
	}
	if err := s.DeleteProject(p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s, ProjectInput{})

	first := newTestSession(t, s, p.ID)
	second := newTestSession(t, s, p.ID)

	if first.Status != models.SessionStatusIdle {
		t.Errorf("Expected idle session, got %s", first.Status)
	}
	if first.Name != "Session 1" || second.Name != "Session 2" {
		t.Errorf("Unexpected default names %q, %q", first.Name, second.Name)
	}
	if second.SessionOrder <= first.SessionOrder {
		t.Errorf("Expected increasing order, got %d then %d", first.SessionOrder, second.SessionOrder)
	}

	if _, err := s.CreateSession("missing", "x", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSetNextSessionKeepsChainsDisjoint(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s, ProjectInput{})
	a := newTestSession(t, s, p.ID)
	b := newTestSession(t, s, p.ID)
	x := newTestSession(t, s, p.ID)

	if err := s.SetNextSession(x.ID, b.ID); err != nil {
		t.Fatalf("SetNextSession failed: %v", err)
	}
	if err := s.SetNextSession(a.ID, b.ID); err != nil {
		t.Fatalf("SetNextSession failed: %v", err)
	}

	gotX, _ := s.GetSession(x.ID)
	gotA, _ := s.GetSession(a.ID)
	if gotX.NextSessionID != "" {
		t.Errorf("Prior edge into b should be cleared, got %q", gotX.NextSessionID)
	}
	if gotA.NextSessionID != b.ID {
		t.Errorf("Expected a -> b, got %q", gotA.NextSessionID)
	}

	if err := s.SetNextSession(b.ID, a.ID); !errors.Is(err, ErrChainCycle) {
		t.Errorf("Expected ErrChainCycle, got %v", err)
	}
	if err := s.SetNextSession(a.ID, a.ID); !errors.Is(err, ErrChainCycle) {
		t.Errorf("Expected ErrChainCycle for self link, got %v", err)
	}

	other := newTestProject(t, s, ProjectInput{Name: "other"})
	foreign := newTestSession(t, s, other.ID)
	if err := s.SetNextSession(a.ID, foreign.ID); !errors.Is(err, ErrCrossProject) {
		t.Errorf("Expected ErrCrossProject, got %v", err)
	}

	if err := s.SetNextSession(a.ID, ""); err != nil {
		t.Fatalf("clear link failed: %v", err)
	}
	gotA, _ = s.GetSession(a.ID)
	if gotA.NextSessionID != "" {
		t.Errorf("Expected link cleared, got %q", gotA.NextSessionID)
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s, ProjectInput{})
	a := newTestSession(t, s, p.ID)
	b := newTestSession(t, s, p.ID)
	if err := s.SetNextSession(a.ID, b.ID); err != nil {
		t.Fatalf("SetNextSession failed: %v", err)
	}
	task := newTodo(t, s, p.ID, b.ID, "work")

	if err := s.SetSessionStatus(b.ID, models.SessionStatusRunning); err != nil {
		t.Fatalf("SetSessionStatus failed: %v", err)
	}
	if err := s.DeleteSession(b.ID); !errors.Is(err, ErrSessionRunning) {
		t.Errorf("Expected ErrSessionRunning, got %v", err)
	}
	s.SetSessionStatus(b.ID, models.SessionStatusIdle)

	if err := s.DeleteSession(b.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if got, _ := s.GetTask(task.ID); got != nil {
		t.Error("Session tasks should be deleted")
	}
	gotA, _ := s.GetSession(a.ID)
	if gotA.NextSessionID != "" {
		t.Errorf("Inbound link should be cleared, got %q", gotA.NextSessionID)
	}
}

func TestCreateTaskScopes(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s, ProjectInput{})
	sess := newTestSession(t, s, p.ID)

	b1, err := s.CreateTask(p.ID, "", "one", models.LocationBacklog)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	b2, _ := s.CreateTask(p.ID, "", "two", models.LocationBacklog)
	if b2.TaskOrder != b1.TaskOrder+1 {
		t.Errorf("Expected contiguous order, got %d then %d", b1.TaskOrder, b2.TaskOrder)
	}

	// Session scope is ordered independently of the project scope.
	todo := newTodo(t, s, p.ID, sess.ID, "three")
	if todo.TaskOrder != 1 {
		t.Errorf("Expected first todo order 1, got %d", todo.TaskOrder)
	}

	if _, err := s.CreateTask(p.ID, "", "bad", models.LocationTodo); !errors.Is(err, ErrInvalidLocation) {
		t.Errorf("Expected ErrInvalidLocation for todo without session, got %v", err)
	}
	if _, err := s.CreateTask(p.ID, "", "bad", "elsewhere"); !errors.Is(err, ErrInvalidLocation) {
		t.Errorf("Expected ErrInvalidLocation, got %v", err)
	}
	if _, err := s.CreateTask(p.ID, "", "  ", models.LocationBacklog); err == nil {
		t.Error("Expected error for empty prompt")
	}
}

func TestSessionTaskLimit(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s, ProjectInput{MaxTasksPerSession: 1})
	sess := newTestSession(t, s, p.ID)
	newTodo(t, s, p.ID, sess.ID, "one")

	if _, err := s.CreateTask(p.ID, sess.ID, "two", models.LocationTodo); !errors.Is(err, ErrSessionFull) {
		t.Errorf("Expected ErrSessionFull, got %v", err)
	}

	backlog, _ := s.CreateTask(p.ID, "", "later", models.LocationBacklog)
	if _, err := s.MoveTask(backlog.ID, models.LocationTodo, sess.ID); !errors.Is(err, ErrSessionFull) {
		t.Errorf("Expected ErrSessionFull on move, got %v", err)
	}
}

func TestMoveTaskResetsTerminal(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s, ProjectInput{})
	sess := newTestSession(t, s, p.ID)
	task := newTodo(t, s, p.ID, sess.ID, "retry me")

	if _, err := s.ClaimTask(sess.ID, task.ID); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if _, err := s.MoveTask(task.ID, models.LocationBacklog, ""); !errors.Is(err, ErrTaskRunning) {
		t.Errorf("Expected ErrTaskRunning, got %v", err)
	}
	if _, err := s.FinishTask(task.ID, models.TaskStatusFailed); err != nil {
		t.Fatalf("FinishTask failed: %v", err)
	}

	moved, err := s.MoveTask(task.ID, models.LocationTodo, "")
	if err != nil {
		t.Fatalf("MoveTask failed: %v", err)
	}
	if moved.Status != models.TaskStatusPending {
		t.Errorf("Expected pending after re-entering todo, got %s", moved.Status)
	}
	if moved.StartedAt != nil || moved.CompletedAt != nil {
		t.Error("Expected timestamps cleared")
	}

	got, _ := s.GetTask(task.ID)
	if got.Status != models.TaskStatusPending || got.Location != models.LocationTodo || got.StartedAt != nil {
		t.Errorf("Unexpected persisted task: %+v", got)
	}

	toBacklog, err := s.MoveTask(task.ID, models.LocationBacklog, "")
	if err != nil {
		t.Fatalf("MoveTask failed: %v", err)
	}
	if toBacklog.SessionID != "" {
		t.Errorf("Backlog tasks belong to the project, got session %q", toBacklog.SessionID)
	}
}

func TestReorderTasks(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s, ProjectInput{})
	sess := newTestSession(t, s, p.ID)
	first := newTodo(t, s, p.ID, sess.ID, "first")
	second := newTodo(t, s, p.ID, sess.ID, "second")

	err := s.ReorderTasks([]models.OrderItem{{ID: first.ID, Order: 2}, {ID: second.ID, Order: 1}})
	if err != nil {
		t.Fatalf("ReorderTasks failed: %v", err)
	}
	next, err := s.NextPendingTask(sess.ID)
	if err != nil {
		t.Fatalf("NextPendingTask failed: %v", err)
	}
	if next.ID != second.ID {
		t.Errorf("Expected %s next, got %s", second.ID, next.ID)
	}

	// A bad id rolls back the whole batch.
	err = s.ReorderTasks([]models.OrderItem{{ID: first.ID, Order: 0}, {ID: "missing", Order: 5}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	got, _ := s.GetTask(first.ID)
	if got.TaskOrder != 2 {
		t.Errorf("Expected order rolled back to 2, got %d", got.TaskOrder)
	}
}

func TestClaimTaskEnforcesSingleRunning(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s, ProjectInput{})
	a := newTestSession(t, s, p.ID)
	b := newTestSession(t, s, p.ID)
	a1 := newTodo(t, s, p.ID, a.ID, "a1")
	a2 := newTodo(t, s, p.ID, a.ID, "a2")
	b1 := newTodo(t, s, p.ID, b.ID, "b1")

	res, err := s.ClaimTask(a.ID, a1.ID)
	if err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if res.Task.Status != models.TaskStatusRunning || res.Task.StartedAt == nil {
		t.Errorf("Expected running task with start time, got %+v", res.Task)
	}
	if res.Session.Status != models.SessionStatusRunning {
		t.Errorf("Expected running session, got %s", res.Session.Status)
	}

	if _, err := s.ClaimTask(a.ID, a2.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("Second task in same session: expected ErrConflict, got %v", err)
	}
	if _, err := s.ClaimTask(b.ID, b1.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("Second session in same project: expected ErrConflict, got %v", err)
	}
	if _, err := s.ClaimTask(b.ID, a2.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("Task of another session: expected ErrConflict, got %v", err)
	}

	done, err := s.FinishTask(a1.ID, models.TaskStatusCompleted)
	if err != nil {
		t.Fatalf("FinishTask failed: %v", err)
	}
	if done.Location != models.LocationDone || done.CompletedAt == nil {
		t.Errorf("Expected task in done with completion time, got %+v", done)
	}

	if _, err := s.ClaimTask(a.ID, a2.ID); err != nil {
		t.Errorf("Expected claim after finish to succeed, got %v", err)
	}
}

func TestReconcile(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s, ProjectInput{})
	a := newTestSession(t, s, p.ID)
	b := newTestSession(t, s, p.ID)
	task := newTodo(t, s, p.ID, a.ID, "stuck")
	if _, err := s.ClaimTask(a.ID, task.ID); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	s.SetSessionStatus(b.ID, models.SessionStatusRunning)

	res, err := s.Reconcile(func(string) bool { return false })
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(res.FailedTasks) != 1 || res.FailedTasks[0] != task.ID {
		t.Errorf("Expected %s failed, got %v", task.ID, res.FailedTasks)
	}
	if len(res.IdledSessions) != 2 {
		t.Errorf("Expected both sessions idled, got %v", res.IdledSessions)
	}
	got, _ := s.GetTask(task.ID)
	if got.Status != models.TaskStatusFailed || got.Location != models.LocationDone {
		t.Errorf("Unexpected reconciled task: %+v", got)
	}
}

func TestEventsAndSettings(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s, ProjectInput{})
	sess := newTestSession(t, s, p.ID)
	task := newTodo(t, s, p.ID, sess.ID, "log")

	for _, typ := range []string{"system", "assistant", "result"} {
		if _, err := s.AppendEvent(task.ID, typ, json.RawMessage(`{"type":"`+typ+`"}`)); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}
	events, err := s.ListEvents(task.ID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 || events[0].Type != "system" || events[2].Type != "result" {
		t.Errorf("Unexpected events: %+v", events)
	}

	n1, _ := s.NextCounter("c")
	n2, _ := s.NextCounter("c")
	if n1 != 1 || n2 != 2 {
		t.Errorf("Expected 1, 2 got %d, %d", n1, n2)
	}
	if err := s.SetSetting("theme", "dark"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	v, ok, _ := s.GetSetting("theme")
	if !ok || v != "dark" {
		t.Errorf("Expected dark, got %q (%v)", v, ok)
	}

	if _, err := s.WriteAudit("task.dispatch", "abc", "ok", task.ID, ""); err != nil {
		t.Fatalf("WriteAudit failed: %v", err)
	}
	entries, err := s.ListAudit(10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListAudit: %v, %d entries", err, len(entries))
	}
}
