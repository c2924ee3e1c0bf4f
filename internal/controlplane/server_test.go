package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/conductor/internal/agents"
	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/supervisor"
	"github.com/fentz26/conductor/internal/usage"
)

// stubExecutor accepts every task and keeps its callbacks.
type stubExecutor struct {
	mu  sync.Mutex
	cbs map[string]supervisor.Callbacks
}

func (e *stubExecutor) Execute(taskID string, _ supervisor.Options, cb supervisor.Callbacks) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cbs[taskID] = cb
	return nil
}

func (e *stubExecutor) Abort(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cbs[taskID]
	return ok
}

func (e *stubExecutor) SendInput(taskID, _ string) error {
	if !e.IsRunning(taskID) {
		return supervisor.ErrNotRunning
	}
	return nil
}

func (e *stubExecutor) IsRunning(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cbs[taskID]
	return ok
}

func (e *stubExecutor) callbacks(taskID string) supervisor.Callbacks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cbs[taskID]
}

type stubUsage struct {
	polls int
	err   error
}

func (u *stubUsage) Snapshot() usage.Snapshot {
	return usage.Snapshot{RateLimits: []usage.RateLimit{{Name: "five_hour", UtilizationPercent: 42}}}
}

func (u *stubUsage) PollOnce(context.Context) error {
	u.polls++
	return u.err
}

type stubAgents struct{}

func (stubAgents) Detect(context.Context) agents.Status {
	return agents.Status{Installed: true, Version: "1.0.0", LoggedIn: true, User: "dev@example.com"}
}

type testEnv struct {
	server *Server
	store  *store.Store
	exec   *stubExecutor
	usage  *stubUsage
	bus    *events.Bus
	http   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	env := &testEnv{
		store: st,
		exec:  &stubExecutor{cbs: make(map[string]supervisor.Callbacks)},
		usage: &stubUsage{},
		bus:   events.NewBus(64),
	}
	w := audit.NewWriter(st)
	sch := scheduler.New(st, env.exec, nil, scheduler.Deps{Publisher: env.bus, Audit: w})
	service := NewService(st, sch, env.usage, stubAgents{}, w, env.bus)
	env.server = NewServer(service, st, env.bus, "127.0.0.1:0", nil)
	env.server.heartbeat = 20 * time.Millisecond
	env.http = httptest.NewServer(env.server.Handler())

	t.Cleanup(func() {
		env.http.Close()
		sch.Stop()
		env.bus.Close()
		st.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) seed(t *testing.T) (*models.Project, *models.Session) {
	t.Helper()
	var p models.Project
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/projects",
		map[string]any{"name": "demo", "root_dir": "/tmp", "default_model": "opus"}, &p))
	var sess models.Session
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/projects/"+p.ID+"/sessions", map[string]any{}, &sess))
	return &p, &sess
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK || health.DB != "ok" {
		t.Errorf("Unexpected health %+v", health)
	}
	if health.Version == "" || health.Time == "" {
		t.Error("Expected version and time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	if code := env.do(t, http.MethodPost, "/health", nil, nil); code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", code)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t)
	env.store.Close()

	w := httptest.NewRecorder()
	env.server.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK || health.DB == "ok" {
		t.Error("Expected health to report the database error")
	}
}

func TestProjectCRUD(t *testing.T) {
	env := newTestEnv(t)

	var errResp errorResponse
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/projects", map[string]any{}, &errResp))

	p, _ := env.seed(t)
	assert.Equal(t, "opus", p.DefaultModel)

	var list []models.Project
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/projects", nil, &list))
	assert.Len(t, list, 1)

	var updated models.Project
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPatch, "/projects/"+p.ID,
		map[string]any{"auto_continue": true, "max_tasks_per_session": 3}, &updated))
	assert.True(t, updated.AutoContinue)
	assert.Equal(t, 3, updated.MaxTasksPerSession)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/projects/"+p.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/projects/"+p.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/projects/"+p.ID+"/sessions", nil, nil))
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	p, sess := env.seed(t)

	var backlog models.Task
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/projects/"+p.ID+"/tasks",
		map[string]any{"prompt": "later"}, &backlog))
	assert.Equal(t, models.LocationBacklog, backlog.Location)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/projects/"+p.ID+"/tasks",
		map[string]any{"prompt": "x", "location": "nowhere"}, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/sessions/"+sess.ID+"/tasks",
		map[string]any{"prompt": "  "}, nil))

	var moved models.Task
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/tasks/"+backlog.ID+"/move",
		map[string]any{"location": "todo", "session_id": sess.ID}, &moved))
	assert.Equal(t, models.LocationTodo, moved.Location)
	assert.Equal(t, sess.ID, moved.SessionID)

	var started models.Session
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/sessions/"+sess.ID+"/start", nil, &started))
	assert.Equal(t, models.SessionStatusRunning, started.Status)

	// Running tasks cannot be edited or deleted.
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPatch, "/tasks/"+backlog.ID, map[string]any{"prompt": "y"}, nil))
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodDelete, "/tasks/"+backlog.ID, nil, nil))
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/tasks/"+backlog.ID+"/respond",
		map[string]any{"text": "yes"}, nil))

	var stats scheduler.Stats
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/scheduler", nil, &stats))
	assert.Equal(t, backlog.ID, stats.RunningTasks[sess.ID])

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/tasks/"+backlog.ID+"/abort", nil, nil))
	env.exec.callbacks(backlog.ID).OnError(supervisor.Outcome{Status: supervisor.StatusAborted, Kind: supervisor.KindSignal})

	var got models.Task
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/tasks/"+backlog.ID, nil, &got))
	assert.Equal(t, models.TaskStatusAborted, got.Status)
	assert.Equal(t, models.LocationDone, got.Location)

	var evs []models.TaskEvent
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/tasks/"+backlog.ID+"/events", nil, &evs))
	assert.Empty(t, evs)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/tasks/missing/abort", nil, nil))
}

func TestSessionChainAndReorder(t *testing.T) {
	env := newTestEnv(t)
	p, a := env.seed(t)
	var b models.Session
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/projects/"+p.ID+"/sessions",
		map[string]any{"name": "second"}, &b))

	var linked models.Session
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/sessions/"+a.ID+"/next",
		map[string]any{"next_session_id": b.ID}, &linked))
	assert.Equal(t, b.ID, linked.NextSessionID)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPut, "/sessions/"+b.ID+"/next",
		map[string]any{"next_session_id": a.ID}, nil))

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/sessions/reorder",
		map[string]any{"items": []models.OrderItem{{ID: a.ID, Order: 2}, {ID: b.ID, Order: 1}}}, nil))
	var sessions []models.Session
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/projects/"+p.ID+"/sessions", nil, &sessions))
	require.Len(t, sessions, 2)
	assert.Equal(t, b.ID, sessions[0].ID)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/sessions/reorder", map[string]any{}, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodGet, "/sessions/reorder", nil, nil))

	var stopped models.Session
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/sessions/"+a.ID+"/stop", nil, &stopped))
	assert.False(t, stopped.IsActive)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/sessions/"+b.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/sessions/"+b.ID+"/start", nil, nil))
}

func TestUsageEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var snap usage.Snapshot
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/usage", nil, &snap))
	require.Len(t, snap.RateLimits, 1)
	assert.Equal(t, 42.0, snap.RateLimits[0].UtilizationPercent)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/usage/refresh", nil, &snap))
	assert.Equal(t, 1, env.usage.polls)

	env.usage.err = errors.New("probe failed")
	assert.Equal(t, http.StatusBadGateway, env.do(t, http.MethodPost, "/usage/refresh", nil, nil))
}

func TestReconcileEndpoint(t *testing.T) {
	env := newTestEnv(t)
	p, sess := env.seed(t)
	task, err := env.store.CreateTask(p.ID, sess.ID, "orphan", models.LocationTodo)
	require.NoError(t, err)
	_, err = env.store.ClaimTask(sess.ID, task.ID)
	require.NoError(t, err)

	var res store.ReconcileResult
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/reconcile", nil, &res))
	assert.Equal(t, []string{task.ID}, res.FailedTasks)
	assert.Equal(t, []string{sess.ID}, res.IdledSessions)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	next := func() string {
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed")
				if strings.HasPrefix(line, "event: ") {
					return strings.TrimPrefix(line, "event: ")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for event")
			}
		}
	}

	assert.Equal(t, string(events.AgentStatus), next())
	assert.Equal(t, string(events.UsageSnapshot), next())

	env.bus.Publish(events.SchedulerNotice, scheduler.Notice{Message: "hello"})
	assert.Equal(t, string(events.SchedulerNotice), next())
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path, id, action string
	}{
		{"/tasks/abc", "abc", ""},
		{"/tasks/abc/", "abc", ""},
		{"/tasks/abc/move", "abc", "move"},
		{"/tasks/", "", ""},
	}
	for _, tt := range tests {
		id, action := splitPath(tt.path, "/tasks/")
		if id != tt.id || action != tt.action {
			t.Errorf("splitPath(%q) = %q, %q; want %q, %q", tt.path, id, action, tt.id, tt.action)
		}
	}
}
