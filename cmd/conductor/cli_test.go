package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/usage"
)

// withDaemon points the CLI at handler and captures its output.
func withDaemon(t *testing.T, handler http.Handler) *bytes.Buffer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	prevAddr, prevOut := apiAddr, stdout
	apiAddr, stdout = srv.URL, &out
	t.Cleanup(func() { apiAddr, stdout = prevAddr, prevOut })
	return &out
}

func TestProjectList(t *testing.T) {
	out := withDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/projects", r.URL.Path)
		json.NewEncoder(w).Encode([]models.Project{{ID: "p1", Name: "api", RootDir: "/src/api", AutoContinue: true}})
	}))

	require.NoError(t, runProjectList(projectListCmd, nil))
	assert.Contains(t, out.String(), "p1")
	assert.Contains(t, out.String(), "/src/api")
	assert.Contains(t, out.String(), "true")
}

func TestTaskAddToSession(t *testing.T) {
	var got map[string]string
	out := withDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sessions/s1/tasks", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.Task{ID: "t1", Location: models.LocationTodo})
	}))

	taskSession, taskProject, taskPrompt = "s1", "", "write docs"
	t.Cleanup(func() { taskSession, taskPrompt = "", "" })

	require.NoError(t, runTaskAdd(taskAddCmd, nil))
	assert.Equal(t, "write docs", got["prompt"])
	assert.Contains(t, out.String(), "Created task: t1 (todo)")
}

func TestTaskAddNeedsScope(t *testing.T) {
	withDaemon(t, http.NotFoundHandler())
	taskSession, taskProject = "", ""
	assert.ErrorIs(t, runTaskAdd(taskAddCmd, nil), errNeedScope)
}

func TestAPIErrorMessage(t *testing.T) {
	withDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"session already has a running task"}`))
	}))

	err := runSessionStart(sessionStartCmd, []string{"s1"})
	require.Error(t, err)
	assert.Equal(t, "API error (409): session already has a running task", err.Error())
}

func TestSessionReorderSendsSequence(t *testing.T) {
	var got struct {
		Items []models.OrderItem `json:"items"`
	}
	withDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/reorder", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"status":"reordered"}`))
	}))

	require.NoError(t, runSessionReorder(sessionReorderCmd, []string{"b", "a", "c"}))
	assert.Equal(t, []models.OrderItem{{ID: "b", Order: 0}, {ID: "a", Order: 1}, {ID: "c", Order: 2}}, got.Items)
}

func TestUsagePrintsWindows(t *testing.T) {
	out := withDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(usage.Snapshot{
			Account:    usage.AccountInfo{LoggedIn: true, Email: "dev@example.com"},
			RateLimits: []usage.RateLimit{{Name: "five_hour", UtilizationPercent: 50}},
		})
	}))

	usageRefresh, usageJSON = false, false
	require.NoError(t, runUsage(usageCmd, nil))
	assert.Contains(t, out.String(), "dev@example.com")
	assert.Contains(t, out.String(), "five_hour")
	assert.Contains(t, out.String(), "[##########..........]")
}

func TestEventText(t *testing.T) {
	assert.Equal(t, "hello", eventText(json.RawMessage(`{"type":"raw","text":"hello"}`)))
	assert.Equal(t, "done", eventText(json.RawMessage(`{"type":"result","result":"done"}`)))
	assert.Equal(t, "boom", eventText(json.RawMessage(`{"type":"error","message":"boom"}`)))
	assert.Equal(t, "init", eventText(json.RawMessage(`{"type":"system","subtype":"init"}`)))
	assert.Equal(t, "not json", eventText(json.RawMessage(`not json`)))
}

func TestBarClamps(t *testing.T) {
	assert.Equal(t, "[....]", bar(-5, 4))
	assert.Equal(t, "[####]", bar(250, 4))
}
