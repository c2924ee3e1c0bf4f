package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
)

// Version is reported by /health. Set at build time.
var Version = "dev"

// Server provides the HTTP API for Conductor.
type Server struct {
	service   *Service
	store     *store.Store
	bus       *events.Bus
	addr      string
	server    *http.Server
	logger    *logging.Logger
	heartbeat time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, st *store.Store, bus *events.Bus, addr string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		service:   service,
		store:     st,
		bus:       bus,
		addr:      addr,
		logger:    logger.With("controlplane"),
		heartbeat: 15 * time.Second,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/projects", s.handleProjects)
	mux.HandleFunc("/projects/", s.handleProjectByID)
	mux.HandleFunc("/sessions/", s.handleSessionByID)
	mux.HandleFunc("/tasks/", s.handleTaskByID)

	mux.HandleFunc("/usage", s.handleUsage)
	mux.HandleFunc("/usage/refresh", s.handleUsageRefresh)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/scheduler", s.handleScheduler)
	mux.HandleFunc("/reconcile", s.handleReconcile)
	mux.HandleFunc("/health", s.handleHealth)

	return mux
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Event streams clear their own write deadline.
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Infof("listening addr=%s", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// splitPath returns the id and action below prefix, e.g. /tasks/{id}/{action}.
func splitPath(path, prefix string) (string, string) {
	parts := strings.SplitN(strings.Trim(strings.TrimPrefix(path, prefix), "/"), "/", 2)
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	return id, action
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid json", ErrInvalidRequest)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeErrorStatus(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeErrorStatus(w, http.StatusNotFound, "not found")
}

// --- Project Handlers ---

// handleProjects handles GET and POST /projects.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		projects, err := s.service.ListProjects()
		if err != nil {
			writeError(w, err)
			return
		}
		if projects == nil {
			projects = []models.Project{}
		}
		writeJSON(w, http.StatusOK, projects)
	case http.MethodPost:
		var in store.ProjectInput
		if err := decode(r, &in); err != nil {
			writeError(w, err)
			return
		}
		p, err := s.service.CreateProject(in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		methodNotAllowed(w)
	}
}

type createSessionRequest struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

type createTaskRequest struct {
	Prompt    string              `json:"prompt"`
	Location  models.TaskLocation `json:"location"`
	SessionID string              `json:"session_id"`
}

// handleProjectByID handles /projects/{id}[/sessions|/tasks].
func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(r.URL.Path, "/projects/")
	if id == "" {
		writeErrorStatus(w, http.StatusBadRequest, "project id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		p, err := s.service.GetProject(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case action == "" && r.Method == http.MethodPatch:
		var patch store.ProjectPatch
		if err := decode(r, &patch); err != nil {
			writeError(w, err)
			return
		}
		p, err := s.service.UpdateProject(id, patch)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case action == "" && r.Method == http.MethodDelete:
		if err := s.service.DeleteProject(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "sessions" && r.Method == http.MethodGet:
		sessions, err := s.service.ListSessions(id)
		if err != nil {
			writeError(w, err)
			return
		}
		if sessions == nil {
			sessions = []models.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	case action == "sessions" && r.Method == http.MethodPost:
		var req createSessionRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		sess, err := s.service.CreateSession(id, req.Name, req.Model)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	case action == "tasks" && r.Method == http.MethodGet:
		tasks, err := s.service.ListProjectTasks(id, models.TaskLocation(r.URL.Query().Get("location")))
		writeTasks(w, tasks, err)
	case action == "tasks" && r.Method == http.MethodPost:
		var req createTaskRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := s.service.CreateTask(id, req.SessionID, req.Prompt, req.Location)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	case action == "" || action == "sessions" || action == "tasks":
		methodNotAllowed(w)
	default:
		notFound(w)
	}
}

func writeTasks(w http.ResponseWriter, tasks []models.Task, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// --- Session Handlers ---

type reorderRequest struct {
	Items []models.OrderItem `json:"items"`
}

type nextSessionRequest struct {
	NextSessionID string `json:"next_session_id"`
}

// handleSessionByID handles /sessions/reorder and /sessions/{id}/*.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(r.URL.Path, "/sessions/")
	if id == "" {
		writeErrorStatus(w, http.StatusBadRequest, "session id required")
		return
	}

	if id == "reorder" && action == "" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req reorderRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := s.service.ReorderSessions(req.Items); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reordered"})
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sess, err := s.service.GetSession(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case action == "" && r.Method == http.MethodPatch:
		var patch store.SessionPatch
		if err := decode(r, &patch); err != nil {
			writeError(w, err)
			return
		}
		sess, err := s.service.UpdateSession(id, patch)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case action == "" && r.Method == http.MethodDelete:
		if err := s.service.DeleteSession(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "start" && r.Method == http.MethodPost:
		sess, err := s.service.StartSession(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case action == "stop" && r.Method == http.MethodPost:
		sess, err := s.service.StopSession(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case action == "next" && r.Method == http.MethodPut:
		var req nextSessionRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		sess, err := s.service.SetNextSession(id, req.NextSessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case action == "tasks" && r.Method == http.MethodGet:
		tasks, err := s.service.ListSessionTasks(id, models.TaskLocation(r.URL.Query().Get("location")))
		writeTasks(w, tasks, err)
	case action == "tasks" && r.Method == http.MethodPost:
		var req createTaskRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := s.service.CreateSessionTask(id, req.Prompt)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	case action == "" || action == "start" || action == "stop" || action == "next" || action == "tasks":
		methodNotAllowed(w)
	default:
		notFound(w)
	}
}

// --- Task Handlers ---

type updateTaskRequest struct {
	Prompt string `json:"prompt"`
}

type moveTaskRequest struct {
	Location  models.TaskLocation `json:"location"`
	SessionID string              `json:"session_id"`
}

type respondRequest struct {
	Text string `json:"text"`
}

// handleTaskByID handles /tasks/reorder and /tasks/{id}/*.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(r.URL.Path, "/tasks/")
	if id == "" {
		writeErrorStatus(w, http.StatusBadRequest, "task id required")
		return
	}

	if id == "reorder" && action == "" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req reorderRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := s.service.ReorderTasks(req.Items); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reordered"})
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		task, err := s.service.GetTask(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "" && r.Method == http.MethodPatch:
		var req updateTaskRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := s.service.UpdateTask(id, req.Prompt)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "" && r.Method == http.MethodDelete:
		if err := s.service.DeleteTask(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "move" && r.Method == http.MethodPost:
		var req moveTaskRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := s.service.MoveTask(id, req.Location, req.SessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "abort" && r.Method == http.MethodPost:
		if err := s.service.AbortTask(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "aborted", "task_id": id})
	case action == "respond" && r.Method == http.MethodPost:
		var req respondRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := s.service.RespondToTask(id, req.Text); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "task_id": id})
	case action == "events" && r.Method == http.MethodGet:
		evs, err := s.service.ListTaskEvents(id)
		if err != nil {
			writeError(w, err)
			return
		}
		if evs == nil {
			evs = []models.TaskEvent{}
		}
		writeJSON(w, http.StatusOK, evs)
	case action == "" || action == "move" || action == "abort" || action == "respond" || action == "events":
		methodNotAllowed(w)
	default:
		notFound(w)
	}
}

// --- Usage, Scheduler and Health ---

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	snap, err := s.service.Usage()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUsageRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	snap, err := s.service.RefreshUsage(r.Context())
	if err != nil {
		writeErrorStatus(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.service.SchedulerStats())
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	res, err := s.service.Reconcile()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Event Stream ---

// handleEvents streams bus events as Server-Sent Events. On connect it
// pushes the agent status and the current usage snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.bus == nil {
		notFound(w)
		return
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	now := time.Now().UTC()
	if st := s.service.AgentStatus(r.Context()); st != nil {
		writeEvent(w, events.Event{Type: events.AgentStatus, Timestamp: now, Data: st})
	}
	if snap, err := s.service.Usage(); err == nil {
		writeEvent(w, events.Event{Type: events.UsageSnapshot, Timestamp: now, Data: snap})
	}
	if err := rc.Flush(); err != nil {
		s.logger.Debugf("event stream flush: %v", err)
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, ev)
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w io.Writer, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
