// Package supervisor runs one external agent process per task, tails its
// redirected output and reports structured events through callbacks.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fentz26/conductor/internal/logging"
)

var (
	// ErrAlreadyRunning indicates the task already has a live process.
	ErrAlreadyRunning = errors.New("task already has a running process")
	// ErrEmptyPrompt indicates a task without a prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrNotRunning indicates no process is registered for the task.
	ErrNotRunning = errors.New("task has no running process")
)

// Status is the terminal classification of a task run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
)

// FailureKind narrows a non-success outcome.
type FailureKind string

const (
	KindNone         FailureKind = ""
	KindSpawnFailure FailureKind = "spawn_failure"
	KindRuntimeFault FailureKind = "runtime_fault"
	KindNonZeroExit  FailureKind = "nonzero_exit"
	KindSignal       FailureKind = "signal"
	KindNullExit     FailureKind = "null_exit"
)

// Outcome describes how a task run ended.
type Outcome struct {
	Status         Status      `json:"status"`
	Kind           FailureKind `json:"kind,omitempty"`
	ExitCode       int         `json:"exit_code"`
	Signal         string      `json:"signal,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Err            error       `json:"-"`
}

// Message is a human readable summary of the outcome.
func (o Outcome) Message() string {
	switch o.Kind {
	case KindSpawnFailure:
		return fmt.Sprintf("Failed to start agent: %v", o.Err)
	case KindRuntimeFault:
		return fmt.Sprintf("Agent process error: %v", o.Err)
	case KindNonZeroExit:
		return fmt.Sprintf("Agent exited with code %d", o.ExitCode)
	case KindSignal:
		if o.Signal != "" {
			return fmt.Sprintf("Agent terminated by signal %s", o.Signal)
		}
		return "Agent was aborted"
	case KindNullExit:
		return "Agent exited without a status"
	}
	return "Agent completed"
}

// Options describe one agent invocation.
type Options struct {
	Prompt               string
	WorkDir              string
	Model                string
	PermissionMode       string
	ResumeConversationID string
}

// Callbacks receive a task's events. All callbacks for one task are
// invoked from a single goroutine, in output order. OnComplete or OnError
// is called exactly once.
type Callbacks struct {
	OnData       func(rec Record)
	OnHumanInput func(rec Record)
	OnComplete   func(out Outcome)
	OnError      func(out Outcome)
}

// Config controls the supervisor.
type Config struct {
	Binary          string
	ExtraArgs       []string
	ScratchDir      string
	PollInterval    time.Duration
	SilenceWatchdog time.Duration
	// KillGrace is how long an aborted tree gets before SIGKILL.
	KillGrace time.Duration
	Matchers  []Matcher
	Env       []string
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		Binary:          "claude",
		ScratchDir:      filepath.Join(os.TempDir(), "conductor"),
		PollInterval:    150 * time.Millisecond,
		SilenceWatchdog: 30 * time.Second,
		KillGrace:       5 * time.Second,
	}
}

// process is the supervisor's state for one task.
type process struct {
	taskID    string
	cmd       *exec.Cmd
	reader    *TailReader
	scratch   string
	inputPath string

	exited      chan struct{}
	aborted     atomic.Bool
	cleanupOnce sync.Once

	// Owned by the run goroutine.
	sawOutput      bool
	sawResult      bool
	conversationID string
}

// Supervisor owns the running agent processes.
type Supervisor struct {
	cfg      Config
	logger   *logging.Logger
	matchers []Matcher

	mu    sync.Mutex
	procs map[string]*process
	wg    sync.WaitGroup
}

// New creates a supervisor.
func New(cfg Config, logger *logging.Logger) *Supervisor {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = def.ScratchDir
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SilenceWatchdog <= 0 {
		cfg.SilenceWatchdog = def.SilenceWatchdog
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = def.KillGrace
	}
	matchers := cfg.Matchers
	if matchers == nil {
		matchers = DefaultMatchers()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Supervisor{
		cfg:      cfg,
		logger:   logger.With("supervisor"),
		matchers: matchers,
		procs:    make(map[string]*process),
	}
}

// Execute starts the agent for taskID and returns once the process is
// spawned. Spawn failures are reported through cb.OnError.
func (s *Supervisor) Execute(taskID string, opts Options, cb Callbacks) error {
	if strings.TrimSpace(opts.Prompt) == "" {
		return ErrEmptyPrompt
	}
	cb = cb.withDefaults()

	s.mu.Lock()
	if _, ok := s.procs[taskID]; ok {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	p := &process{
		taskID:    taskID,
		scratch:   filepath.Join(s.cfg.ScratchDir, "task-"+taskID+".jsonl"),
		inputPath: filepath.Join(s.cfg.ScratchDir, "task-"+taskID+".input"),
		exited:    make(chan struct{}),
	}
	p.reader = NewTailReader(p.scratch)
	s.procs[taskID] = p
	s.mu.Unlock()

	if err := s.spawn(p, opts); err != nil {
		s.cleanup(p)
		s.logger.Errorf("spawn_failed task_id=%s error=%v", taskID, err)
		out := Outcome{Status: StatusError, Kind: KindSpawnFailure, ExitCode: -1, Err: err}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			cb.OnData(syntheticResult(false, ""))
			cb.OnData(errorRecord(out.Message()))
			cb.OnError(out)
		}()
		return nil
	}

	s.logger.Infof("task_spawned task_id=%s pid=%d model=%s resume=%t",
		taskID, p.cmd.Process.Pid, opts.Model, opts.ResumeConversationID != "")

	s.wg.Add(1)
	go s.run(p, cb)
	return nil
}

func (s *Supervisor) spawn(p *process, opts Options) error {
	if err := os.MkdirAll(s.cfg.ScratchDir, 0700); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	// Truncate leftovers from an earlier run of the same task.
	if err := os.WriteFile(p.scratch, nil, 0600); err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}

	line := buildCommandLine(runtime.GOOS, s.cfg.Binary, agentArgs(opts, s.cfg.ExtraArgs), p.scratch)
	cmd := shellCommand(line)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"CONDUCTOR_TASK_ID="+p.taskID,
		"CONDUCTOR_INPUT_FILE="+p.inputPath,
	)

	if err := cmd.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	p.cmd = cmd
	s.mu.Unlock()
	return nil
}

// run polls the scratch file until the process exits, then reports the
// terminal outcome.
func (s *Supervisor) run(p *process, cb Callbacks) {
	defer s.wg.Done()

	waitCh := make(chan error, 1)
	go func() {
		err := p.cmd.Wait()
		close(p.exited)
		waitCh <- err
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	watchdog := time.NewTimer(s.cfg.SilenceWatchdog)
	defer watchdog.Stop()

	for {
		select {
		case <-ticker.C:
			s.drain(p, cb, false)
		case <-watchdog.C:
			if !p.sawOutput {
				s.logger.Warnf("silence_watchdog task_id=%s after=%s", p.taskID, s.cfg.SilenceWatchdog)
				cb.OnData(infoRecord(fmt.Sprintf("No output from agent after %s; still waiting", s.cfg.SilenceWatchdog)))
			}
		case err := <-waitCh:
			ticker.Stop()
			s.drain(p, cb, true)
			out := classify(err, p.aborted.Load())
			out.ConversationID = p.conversationID
			s.cleanup(p)

			if !p.sawResult {
				cb.OnData(syntheticResult(out.Status == StatusSuccess, p.conversationID))
			}
			s.logger.Infof("task_exited task_id=%s status=%s kind=%s exit_code=%d",
				p.taskID, out.Status, out.Kind, out.ExitCode)
			if out.Status == StatusSuccess {
				cb.OnComplete(out)
				return
			}
			cb.OnData(errorRecord(out.Message()))
			cb.OnError(out)
			return
		}
	}
}

// drain reads newly appended lines and dispatches them. final also flushes
// the held-back fragment.
func (s *Supervisor) drain(p *process, cb Callbacks, final bool) {
	lines, err := p.reader.ReadLines()
	if err != nil {
		s.logger.Debugf("read_scratch task_id=%s error=%v", p.taskID, err)
	}
	if final {
		if tail, ok := p.reader.Flush(); ok {
			lines = append(lines, tail)
		}
	}
	for _, line := range lines {
		s.dispatch(p, cb, line)
	}
}

func (s *Supervisor) dispatch(p *process, cb Callbacks, line string) {
	p.sawOutput = true

	rec, ok := ParseRecord(line)
	if !ok {
		if MatchAny(s.matchers, line) {
			cb.OnHumanInput(newRecord(RecordRaw, "prompt", map[string]any{"text": line}))
			return
		}
		cb.OnData(rawRecord(line))
		return
	}

	if rec.Type == RecordSystem && rec.Subtype == "init" && rec.SessionID != "" {
		p.conversationID = rec.SessionID
	}
	if rec.IsResult() {
		p.sawResult = true
		if rec.SessionID != "" {
			p.conversationID = rec.SessionID
		}
	}
	if IsHumanInputRecord(rec) {
		cb.OnHumanInput(rec)
		return
	}
	cb.OnData(rec)
}

// classify maps a Wait result to an outcome.
func classify(err error, aborted bool) Outcome {
	if err == nil {
		return Outcome{Status: StatusSuccess}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Outcome{Status: StatusError, Kind: KindRuntimeFault, ExitCode: -1, Err: err}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Outcome{Status: StatusAborted, Kind: KindSignal, ExitCode: -1, Signal: ws.Signal().String(), Err: err}
	}
	code := exitErr.ExitCode()
	if code < 0 {
		return Outcome{Status: StatusAborted, Kind: KindNullExit, ExitCode: code, Err: err}
	}
	if aborted {
		return Outcome{Status: StatusAborted, Kind: KindSignal, ExitCode: code, Err: err}
	}
	return Outcome{Status: StatusError, Kind: KindNonZeroExit, ExitCode: code, Err: err}
}

// unregister drops the task from the registry if p still owns the slot.
func (s *Supervisor) unregister(p *process) {
	s.mu.Lock()
	if s.procs[p.taskID] == p {
		delete(s.procs, p.taskID)
	}
	s.mu.Unlock()
}

// cleanup unregisters the task and removes its scratch files. Safe to call
// from every exit path, any number of times.
func (s *Supervisor) cleanup(p *process) {
	p.cleanupOnce.Do(func() {
		s.unregister(p)
		s.logger.Debugf("cleanup task_id=%s", p.taskID)
	})
	for _, path := range []string{p.scratch, p.inputPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Debugf("remove_scratch task_id=%s path=%s error=%v", p.taskID, path, err)
		}
	}
}

// Abort terminates the task's process tree. It reports whether a process
// was found, not whether the kill succeeded. The task leaves the registry
// at once; its scratch file is drained and removed when the process exits,
// and terminal callbacks fire then.
func (s *Supervisor) Abort(taskID string) bool {
	s.mu.Lock()
	p, ok := s.procs[taskID]
	var cmd *exec.Cmd
	if ok {
		cmd = p.cmd
	}
	s.mu.Unlock()
	if cmd == nil {
		return false
	}

	p.aborted.Store(true)
	if err := terminateTree(cmd.Process); err != nil {
		s.logger.Warnf("terminate task_id=%s error=%v", taskID, err)
	}
	go func() {
		select {
		case <-p.exited:
		case <-time.After(s.cfg.KillGrace):
			s.logger.Warnf("kill task_id=%s grace=%s", taskID, s.cfg.KillGrace)
			_ = killTree(cmd.Process)
		}
	}()
	s.unregister(p)
	s.logger.Infof("task_aborted task_id=%s", taskID)
	return true
}

// SendInput appends a human response to the task's side-channel file,
// which an agent wrapper may poll via CONDUCTOR_INPUT_FILE.
func (s *Supervisor) SendInput(taskID, text string) error {
	s.mu.Lock()
	p, ok := s.procs[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	f, err := os.OpenFile(p.inputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open input file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(SanitizePrompt(text) + "\n"); err != nil {
		return fmt.Errorf("write input file: %w", err)
	}
	return nil
}

// IsRunning reports whether taskID has a registered process.
func (s *Supervisor) IsRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[taskID]
	return ok
}

// HasRunningTasks reports whether any process is registered.
func (s *Supervisor) HasRunningTasks() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs) > 0
}

// RunningTaskIDs returns the IDs of tasks with a registered process.
func (s *Supervisor) RunningTaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown aborts every running task and waits for their callbacks, up to
// timeout.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	for _, id := range s.RunningTaskIDs() {
		s.Abort(id)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warnf("shutdown timed out after %s", timeout)
	}
}

func (cb Callbacks) withDefaults() Callbacks {
	if cb.OnData == nil {
		cb.OnData = func(Record) {}
	}
	if cb.OnHumanInput == nil {
		cb.OnHumanInput = cb.OnData
	}
	if cb.OnComplete == nil {
		cb.OnComplete = func(Outcome) {}
	}
	if cb.OnError == nil {
		cb.OnError = func(Outcome) {}
	}
	return cb
}
