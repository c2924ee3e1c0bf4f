package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/supervisor"
	"github.com/fentz26/conductor/internal/telemetry"
)

var (
	// ErrSessionNotFound indicates the session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTaskNotRunning indicates the task has no live run to act on.
	ErrTaskNotRunning = errors.New("task is not running")
	// ErrNotAwaitingInput indicates the task has not asked for a response.
	ErrNotAwaitingInput = errors.New("task is not awaiting input")
)

// Executor runs agent processes. *supervisor.Supervisor implements it.
type Executor interface {
	Execute(taskID string, opts supervisor.Options, cb supervisor.Callbacks) error
	Abort(taskID string) bool
	SendInput(taskID, text string) error
	IsRunning(taskID string) bool
}

// UsageTracker receives task telemetry. *usage.Poller implements it.
type UsageTracker interface {
	TrackEvent(taskID string, raw json.RawMessage)
	TrackCompletion(taskID string, success bool)
}

// Publisher forwards notifications to realtime clients. *events.Bus
// implements it.
type Publisher interface {
	Publish(t events.Type, data any)
}

// Deps are the optional collaborators of a Scheduler.
type Deps struct {
	Usage     UsageTracker
	Publisher Publisher
	Audit     *audit.Writer
	Tracer    trace.Tracer
	Logger    *logging.Logger
}

// TaskEventNotice is published for every persisted task event.
type TaskEventNotice struct {
	TaskID    string            `json:"task_id"`
	SessionID string            `json:"session_id"`
	Event     *models.TaskEvent `json:"event"`
}

// Notice is an informational scheduler message.
type Notice struct {
	ProjectID string `json:"project_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	RunningTasks  map[string]string `json:"running_tasks"`
	AwaitingInput []string          `json:"awaiting_input"`
	Dispatched    int               `json:"dispatched"`
	Finished      int               `json:"finished"`
	SweepInterval string            `json:"sweep_interval"`
}

// run is the scheduler's bookkeeping for one dispatched task.
type run struct {
	taskID    string
	sessionID string
	projectID string
	span      trace.Span
	aborted   bool
	awaiting  bool
}

// Scheduler enforces one running task per session and one running session
// per project, and advances queues and chains as tasks finish.
type Scheduler struct {
	store  *store.Store
	exec   Executor
	usage  UsageTracker
	pub    Publisher
	audit  *audit.Writer
	tracer trace.Tracer
	logger *logging.Logger
	config *Config

	// dispatchMu serializes dispatch decisions. It is never held while the
	// executor runs.
	dispatchMu sync.Mutex

	mu         sync.Mutex
	runs       map[string]*run
	bySession  map[string]string
	dispatched int
	finished   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type nopUsage struct{}

func (nopUsage) TrackEvent(string, json.RawMessage) {}
func (nopUsage) TrackCompletion(string, bool)       {}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Type, any) {}

// New creates a new scheduler.
func New(s *store.Store, exec Executor, cfg *Config, deps Deps) *Scheduler {
	if deps.Usage == nil {
		deps.Usage = nopUsage{}
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:     s,
		exec:      exec,
		usage:     deps.Usage,
		pub:       deps.Publisher,
		audit:     deps.Audit,
		tracer:    deps.Tracer,
		logger:    deps.Logger.With("scheduler"),
		config:    cfg.withDefaults(),
		runs:      make(map[string]*run),
		bySession: make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the queued-session sweep.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.sweepLoop()
	sch.logger.Infof("started sweep_interval=%s", sch.config.SweepInterval)
}

// Stop ends the sweep and waits for in-flight continuations. Running agent
// processes are left to the executor.
func (sch *Scheduler) Stop() {
	sch.cancel()
	done := make(chan struct{})
	go func() {
		sch.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(sch.config.ShutdownTimeout):
		sch.logger.Warnf("stop timed out after %s", sch.config.ShutdownTimeout)
	}
	sch.logger.Infof("stopped")
}

func (sch *Scheduler) sweepLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.sweep()
		}
	}
}

// sweep offers every queued active session for dispatch.
func (sch *Scheduler) sweep() {
	queued, err := sch.store.ListSessionsByStatus(models.SessionStatusQueued)
	if err != nil {
		sch.logger.Errorf("sweep list sessions: %v", err)
		return
	}
	for _, sess := range queued {
		if !sess.IsActive {
			continue
		}
		if err := sch.ProcessSession(sess.ID); err != nil {
			sch.logger.Warnf("sweep session_id=%s error=%v", sess.ID, err)
		}
	}
}

// --- Dispatch ---

// dispatch is a claimed task ready to hand to the executor.
type dispatch struct {
	run     *run
	task    *models.Task
	session *models.Session
	project *models.Project
}

// ProcessSession starts the session's next pending task. It is a no-op
// when the session already runs a task or another session of its project
// is running. A session with no pending work is marked completed, which
// may advance its chain.
func (sch *Scheduler) ProcessSession(sessionID string) error {
	sch.dispatchMu.Lock()
	d, err := sch.prepare(sessionID)
	sch.dispatchMu.Unlock()
	if err != nil || d == nil {
		return err
	}
	sch.launch(d)
	return nil
}

// prepare makes the dispatch decision and claims the task. Callers hold
// dispatchMu.
func (sch *Scheduler) prepare(sessionID string) (*dispatch, error) {
	sess, err := sch.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if id := sch.RunningTaskIDFor(sessionID); id != "" {
		return nil, nil
	}

	running, err := sch.store.RunningSession(sess.ProjectID)
	if err != nil {
		return nil, err
	}
	if running != nil {
		if running.ID != sess.ID {
			sch.logger.Debugf("project_busy session_id=%s running_session_id=%s", sess.ID, running.ID)
		}
		return nil, nil
	}

	next, err := sch.store.NextPendingTask(sessionID)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, sch.completeSession(sess)
	}

	project, err := sch.store.GetProject(sess.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %s: %w", sess.ProjectID, store.ErrNotFound)
	}

	claim, err := sch.store.ClaimTask(sessionID, next.ID)
	if errors.Is(err, store.ErrConflict) {
		sch.logger.Debugf("claim_conflict session_id=%s task_id=%s", sessionID, next.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	_, span := sch.tracer.Start(sch.ctx, "conductor.task", trace.WithAttributes(
		attribute.String("task.id", claim.Task.ID),
		attribute.String("session.id", sessionID),
		attribute.String("project.id", project.ID),
	))
	r := &run{
		taskID:    claim.Task.ID,
		sessionID: sessionID,
		projectID: project.ID,
		span:      span,
	}

	sch.mu.Lock()
	sch.runs[r.taskID] = r
	sch.bySession[sessionID] = r.taskID
	sch.dispatched++
	sch.mu.Unlock()

	return &dispatch{run: r, task: claim.Task, session: claim.Session, project: project}, nil
}

func (sch *Scheduler) launch(d *dispatch) {
	r := d.run
	opts := supervisor.Options{
		Prompt:               d.task.Prompt,
		WorkDir:              d.project.RootDir,
		Model:                resolveModel(d.session, d.project),
		PermissionMode:       d.project.PermissionMode,
		ResumeConversationID: d.session.ConversationID,
	}

	r.span.SetAttributes(attribute.String("agent.model", opts.Model))
	r.span.AddEvent("task.dispatched")
	sch.pub.Publish(events.SessionStatus, d.session)
	sch.pub.Publish(events.TaskStatus, d.task)
	sch.audit.Record("task.dispatch", map[string]any{
		"task_id":    r.taskID,
		"session_id": r.sessionID,
		"model":      opts.Model,
	}, "success", r.taskID, fmt.Sprintf("Dispatched with model %s", opts.Model))
	sch.logger.Infof("task_dispatch task_id=%s session_id=%s model=%s resume=%t",
		r.taskID, r.sessionID, opts.Model, opts.ResumeConversationID != "")

	cb := supervisor.Callbacks{
		OnData:       func(rec supervisor.Record) { sch.handleData(r, rec) },
		OnHumanInput: func(rec supervisor.Record) { sch.handleHumanInput(r, rec) },
		OnComplete:   func(out supervisor.Outcome) { sch.finish(r, out) },
		OnError:      func(out supervisor.Outcome) { sch.finish(r, out) },
	}
	if err := sch.exec.Execute(r.taskID, opts, cb); err != nil {
		sch.logger.Errorf("execute task_id=%s error=%v", r.taskID, err)
		sch.finish(r, supervisor.Outcome{
			Status:   supervisor.StatusError,
			Kind:     supervisor.KindSpawnFailure,
			ExitCode: -1,
			Err:      err,
		})
	}
}

func resolveModel(sess *models.Session, project *models.Project) string {
	if sess.Model != "" {
		return sess.Model
	}
	return project.DefaultModel
}

// completeSession marks a session without pending work completed and, on
// that transition, advances its chain. Callers hold dispatchMu.
func (sch *Scheduler) completeSession(sess *models.Session) error {
	if sess.Status == models.SessionStatusCompleted {
		return nil
	}
	if err := sch.store.SetSessionStatus(sess.ID, models.SessionStatusCompleted); err != nil {
		return err
	}
	sess.Status = models.SessionStatusCompleted
	sch.pub.Publish(events.SessionStatus, sess)
	sch.audit.Record("session.complete", map[string]any{"session_id": sess.ID}, "success", "", "")
	sch.logger.Infof("session_completed session_id=%s", sess.ID)

	if !sess.IsActive {
		return nil
	}

	if sess.NextSessionID != "" {
		next, err := sch.store.GetSession(sess.NextSessionID)
		if err != nil {
			return err
		}
		if next != nil && next.IsActive {
			sch.logger.Infof("chain_advance from=%s to=%s", sess.ID, next.ID)
			sch.pub.Publish(events.SchedulerNotice, Notice{
				ProjectID: sess.ProjectID,
				SessionID: next.ID,
				Message:   fmt.Sprintf("Continuing with %s", next.Name),
			})
			sch.goProcess(next.ID)
		}
	}

	project, err := sch.store.GetProject(sess.ProjectID)
	if err != nil {
		return err
	}
	if project != nil && project.AutoContinue {
		sch.goProcessQueued(project.ID)
	}
	return nil
}

// goProcess runs ProcessSession in the background unless the scheduler is
// stopping.
func (sch *Scheduler) goProcess(sessionID string) {
	if sch.ctx.Err() != nil {
		return
	}
	sch.wg.Add(1)
	go func() {
		defer sch.wg.Done()
		if err := sch.ProcessSession(sessionID); err != nil {
			sch.logger.Warnf("process session_id=%s error=%v", sessionID, err)
		}
	}()
}

// goProcessQueued offers the project's queued active sessions for dispatch.
func (sch *Scheduler) goProcessQueued(projectID string) {
	if sch.ctx.Err() != nil {
		return
	}
	sch.wg.Add(1)
	go func() {
		defer sch.wg.Done()
		sessions, err := sch.store.ListSessions(projectID)
		if err != nil {
			sch.logger.Warnf("list sessions project_id=%s error=%v", projectID, err)
			return
		}
		for _, sess := range sessions {
			if sess.Status != models.SessionStatusQueued || !sess.IsActive {
				continue
			}
			if err := sch.ProcessSession(sess.ID); err != nil {
				sch.logger.Warnf("process session_id=%s error=%v", sess.ID, err)
			}
		}
	}()
}

// --- Executor callbacks ---

func (sch *Scheduler) handleData(r *run, rec supervisor.Record) {
	ev, err := sch.store.AppendEvent(r.taskID, rec.Type, rec.Data)
	if err != nil {
		sch.logger.Warnf("append event task_id=%s error=%v", r.taskID, err)
	} else {
		sch.pub.Publish(events.TaskEvent, TaskEventNotice{TaskID: r.taskID, SessionID: r.sessionID, Event: ev})
	}
	sch.usage.TrackEvent(r.taskID, rec.Data)
}

func (sch *Scheduler) handleHumanInput(r *run, rec supervisor.Record) {
	ev, err := sch.store.AppendEvent(r.taskID, rec.Type, rec.Data)
	if err != nil {
		sch.logger.Warnf("append event task_id=%s error=%v", r.taskID, err)
	}

	sch.mu.Lock()
	r.awaiting = true
	sch.mu.Unlock()

	r.span.AddEvent("task.human_input")
	sch.pub.Publish(events.TaskHumanInput, TaskEventNotice{TaskID: r.taskID, SessionID: r.sessionID, Event: ev})
	sch.usage.TrackEvent(r.taskID, rec.Data)
	sch.logger.Infof("task_awaiting_input task_id=%s", r.taskID)
}

func taskStatusFor(out supervisor.Outcome, aborted bool) models.TaskStatus {
	if aborted {
		return models.TaskStatusAborted
	}
	switch out.Status {
	case supervisor.StatusSuccess:
		return models.TaskStatusCompleted
	case supervisor.StatusAborted:
		return models.TaskStatusAborted
	}
	return models.TaskStatusFailed
}

// finish persists a task's terminal state and continues the session.
func (sch *Scheduler) finish(r *run, out supervisor.Outcome) {
	sch.mu.Lock()
	if sch.runs[r.taskID] != r {
		sch.mu.Unlock()
		return
	}
	delete(sch.runs, r.taskID)
	if sch.bySession[r.sessionID] == r.taskID {
		delete(sch.bySession, r.sessionID)
	}
	aborted := r.aborted
	sch.finished++
	sch.mu.Unlock()

	status := taskStatusFor(out, aborted)
	task, err := sch.store.FinishTask(r.taskID, status)
	if err != nil {
		sch.logger.Errorf("finish task_id=%s error=%v", r.taskID, err)
	}
	if out.ConversationID != "" {
		if err := sch.store.SetSessionConversation(r.sessionID, out.ConversationID); err != nil {
			sch.logger.Warnf("store conversation session_id=%s error=%v", r.sessionID, err)
		}
	}
	sch.usage.TrackCompletion(r.taskID, status == models.TaskStatusCompleted)

	r.span.AddEvent("task." + string(status))
	if status != models.TaskStatusCompleted {
		r.span.SetStatus(codes.Error, out.Message())
	}
	r.span.End()

	if task != nil {
		sch.pub.Publish(events.TaskStatus, task)
	}
	sch.audit.Record("task.finish", map[string]any{
		"task_id":   r.taskID,
		"status":    status,
		"kind":      out.Kind,
		"exit_code": out.ExitCode,
	}, string(status), r.taskID, out.Message())
	sch.logger.Infof("task_finished task_id=%s status=%s kind=%s exit_code=%d",
		r.taskID, status, out.Kind, out.ExitCode)

	sess, err := sch.store.GetSession(r.sessionID)
	if err != nil || sess == nil {
		return
	}
	next := models.SessionStatusIdle
	if sess.IsActive {
		next = models.SessionStatusQueued
	}
	if err := sch.store.SetSessionStatus(sess.ID, next); err != nil {
		sch.logger.Warnf("session status session_id=%s error=%v", sess.ID, err)
	}
	sess.Status = next
	sch.pub.Publish(events.SessionStatus, sess)

	if sess.IsActive {
		sch.goProcess(sess.ID)
		return
	}
	project, err := sch.store.GetProject(sess.ProjectID)
	if err == nil && project != nil && project.AutoContinue {
		sch.goProcessQueued(project.ID)
	}
}

// --- Session control ---

// StartSession activates a session and queues it for dispatch.
func (sch *Scheduler) StartSession(sessionID string) (*models.Session, error) {
	sess, err := sch.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	active := true
	if _, err := sch.store.UpdateSession(sessionID, store.SessionPatch{IsActive: &active}); err != nil {
		return nil, err
	}
	if sess.Status != models.SessionStatusRunning {
		if err := sch.store.SetSessionStatus(sessionID, models.SessionStatusQueued); err != nil {
			return nil, err
		}
	}
	sch.audit.Record("session.start", map[string]any{"session_id": sessionID}, "success", "", "")
	sch.logger.Infof("session_start session_id=%s", sessionID)

	if err := sch.ProcessSession(sessionID); err != nil {
		return nil, err
	}
	sess, err = sch.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	sch.pub.Publish(events.SessionStatus, sess)
	return sess, nil
}

// StopSession deactivates a session so nothing further is dispatched from
// it. A running task is left to finish.
func (sch *Scheduler) StopSession(sessionID string) (*models.Session, error) {
	sess, err := sch.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	active := false
	sess, err = sch.store.UpdateSession(sessionID, store.SessionPatch{IsActive: &active})
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionStatusQueued {
		if err := sch.store.SetSessionStatus(sessionID, models.SessionStatusIdle); err != nil {
			return nil, err
		}
		sess.Status = models.SessionStatusIdle
	}
	sch.pub.Publish(events.SessionStatus, sess)
	sch.audit.Record("session.stop", map[string]any{"session_id": sessionID}, "success", "", "")
	sch.logger.Infof("session_stop session_id=%s", sessionID)
	return sess, nil
}

// --- Task control ---

// AbortTask terminates a running task. The task is marked aborted now and
// finalized once its process exits.
func (sch *Scheduler) AbortTask(taskID string) error {
	sch.mu.Lock()
	r := sch.runs[taskID]
	sch.mu.Unlock()
	if r == nil {
		return ErrTaskNotRunning
	}

	if !sch.exec.Abort(taskID) {
		return ErrTaskNotRunning
	}

	sch.mu.Lock()
	r.aborted = true
	r.awaiting = false
	sch.mu.Unlock()

	if err := sch.store.SetTaskStatus(taskID, models.TaskStatusAborted); err != nil {
		sch.logger.Warnf("mark aborted task_id=%s error=%v", taskID, err)
	}
	if task, err := sch.store.GetTask(taskID); err == nil && task != nil {
		sch.pub.Publish(events.TaskStatus, task)
	}
	sch.audit.Record("task.abort", map[string]any{"task_id": taskID}, "success", taskID, "")
	sch.logger.Infof("task_abort task_id=%s", taskID)
	return nil
}

// SendHumanResponse delivers a reply to a task awaiting input.
func (sch *Scheduler) SendHumanResponse(taskID, text string) error {
	sch.mu.Lock()
	r := sch.runs[taskID]
	awaiting := r != nil && r.awaiting
	sch.mu.Unlock()
	if !awaiting {
		return ErrNotAwaitingInput
	}

	payload, _ := json.Marshal(map[string]string{"type": "human_response", "text": text})
	ev, err := sch.store.AppendEvent(taskID, "human_response", payload)
	if err != nil {
		sch.logger.Warnf("append event task_id=%s error=%v", taskID, err)
	} else {
		sch.pub.Publish(events.TaskEvent, TaskEventNotice{TaskID: taskID, SessionID: r.sessionID, Event: ev})
	}

	if err := sch.exec.SendInput(taskID, text); err != nil {
		return fmt.Errorf("deliver human response: %w", err)
	}

	sch.mu.Lock()
	r.awaiting = false
	sch.mu.Unlock()

	sch.audit.Record("task.respond", map[string]any{"task_id": taskID, "text": text}, "success", taskID, "")
	sch.logger.Infof("task_response task_id=%s", taskID)
	return nil
}

// RunningTaskIDFor returns the task the scheduler runs for a session, or "".
func (sch *Scheduler) RunningTaskIDFor(sessionID string) string {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.bySession[sessionID]
}

// AwaitingInput reports whether a task is waiting for a human response.
func (sch *Scheduler) AwaitingInput(taskID string) bool {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	r := sch.runs[taskID]
	return r != nil && r.awaiting
}

// Reconcile fails tasks left running without a live process and idles
// sessions left running without a task.
func (sch *Scheduler) Reconcile() (*store.ReconcileResult, error) {
	sch.dispatchMu.Lock()
	defer sch.dispatchMu.Unlock()

	res, err := sch.store.Reconcile(func(taskID string) bool {
		sch.mu.Lock()
		_, tracked := sch.runs[taskID]
		sch.mu.Unlock()
		return tracked || sch.exec.IsRunning(taskID)
	})
	if err != nil {
		return nil, err
	}

	sch.audit.Record("reconcile", res, "success", "",
		fmt.Sprintf("failed %d tasks, idled %d sessions", len(res.FailedTasks), len(res.IdledSessions)))
	if len(res.FailedTasks) > 0 || len(res.IdledSessions) > 0 {
		sch.logger.Infof("reconcile failed_tasks=%d idled_sessions=%d", len(res.FailedTasks), len(res.IdledSessions))
		sch.pub.Publish(events.SchedulerNotice, Notice{
			Message: fmt.Sprintf("Reconciled %d tasks and %d sessions", len(res.FailedTasks), len(res.IdledSessions)),
		})
	}
	return res, nil
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	running := make(map[string]string, len(sch.bySession))
	for sessionID, taskID := range sch.bySession {
		running[sessionID] = taskID
	}
	awaiting := []string{}
	for id, r := range sch.runs {
		if r.awaiting {
			awaiting = append(awaiting, id)
		}
	}
	sort.Strings(awaiting)

	return Stats{
		RunningTasks:  running,
		AwaitingInput: awaiting,
		Dispatched:    sch.dispatched,
		Finished:      sch.finished,
		SweepInterval: sch.config.SweepInterval.String(),
	}
}
