package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/usage"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the Conductor API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// GetProject fetches a project by ID.
func (c *Client) GetProject(id string) (*models.Project, error) {
	var p models.Project
	if err := c.do(http.MethodGet, "/projects/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects fetches all projects.
func (c *Client) ListProjects() ([]models.Project, error) {
	var projects []models.Project
	err := c.do(http.MethodGet, "/projects", nil, &projects)
	return projects, err
}

// ListSessions fetches a project's sessions in order.
func (c *Client) ListSessions(projectID string) ([]models.Session, error) {
	var sessions []models.Session
	err := c.do(http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/sessions", nil, &sessions)
	return sessions, err
}

// ListSessionTasks fetches all tasks of a session.
func (c *Client) ListSessionTasks(sessionID string) ([]models.Task, error) {
	var tasks []models.Task
	err := c.do(http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/tasks", nil, &tasks)
	return tasks, err
}

// CreateSessionTask appends a task to a session's todo pool.
func (c *Client) CreateSessionTask(sessionID, prompt string) (*models.Task, error) {
	var t models.Task
	body := map[string]string{"prompt": prompt}
	if err := c.do(http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/tasks", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// StartSession activates a session.
func (c *Client) StartSession(sessionID string) (*models.Session, error) {
	var s models.Session
	if err := c.do(http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/start", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// StopSession deactivates a session.
func (c *Client) StopSession(sessionID string) (*models.Session, error) {
	var s models.Session
	if err := c.do(http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/stop", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AbortTask terminates a running task.
func (c *Client) AbortTask(taskID string) error {
	return c.do(http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/abort", nil, nil)
}

// RespondToTask sends a human response to a task awaiting input.
func (c *Client) RespondToTask(taskID, text string) error {
	return c.do(http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/respond", map[string]string{"text": text}, nil)
}

// ListTaskEvents fetches a task's events in order.
func (c *Client) ListTaskEvents(taskID string) ([]models.TaskEvent, error) {
	var evs []models.TaskEvent
	err := c.do(http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/events", nil, &evs)
	return evs, err
}

// Usage fetches the current usage snapshot.
func (c *Client) Usage() (*usage.Snapshot, error) {
	var snap usage.Snapshot
	if err := c.do(http.MethodGet, "/usage", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RefreshUsage forces a usage poll and returns the new snapshot.
func (c *Client) RefreshUsage() (*usage.Snapshot, error) {
	var snap usage.Snapshot
	if err := c.do(http.MethodPost, "/usage/refresh", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SchedulerStats fetches the scheduler's live statistics.
func (c *Client) SchedulerStats() (*scheduler.Stats, error) {
	var st scheduler.Stats
	if err := c.do(http.MethodGet, "/scheduler", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// CheckHealth checks if the daemon is healthy.
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	return health.OK, nil
}

func (c *Client) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
