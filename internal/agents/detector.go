// Package agents reports whether the external coding agent is installed and
// signed in.
package agents

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/conductor/internal/auth"
)

// Status is the connection-time agent status pushed to realtime clients.
type Status struct {
	Installed bool      `json:"installed"`
	Path      string    `json:"path,omitempty"`
	Version   string    `json:"version,omitempty"`
	LoggedIn  bool      `json:"logged_in"`
	User      string    `json:"user,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// AccountSource supplies login state.
type AccountSource interface {
	LoggedIn() bool
	Account() (*auth.Account, error)
}

// Detector probes the agent binary. Version lookups are cached for ttl since
// they spawn a process.
type Detector struct {
	binary   string
	accounts AccountSource
	ttl      time.Duration

	mu       sync.Mutex
	last     *Status
	lookPath func(string) (string, error)
	version  func(ctx context.Context, path string) string
}

// NewDetector creates a detector for the given binary name or path.
func NewDetector(binary string, accounts AccountSource) *Detector {
	return &Detector{
		binary:   binary,
		accounts: accounts,
		ttl:      time.Minute,
		lookPath: exec.LookPath,
		version:  commandVersion,
	}
}

// Detect returns the current status.
func (d *Detector) Detect(ctx context.Context) Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UTC()
	st := Status{CheckedAt: now}

	if path, err := d.lookPath(d.binary); err == nil {
		st.Installed = true
		st.Path = path
		if d.last != nil && d.last.Path == path && now.Sub(d.last.CheckedAt) < d.ttl {
			st.Version = d.last.Version
		} else {
			st.Version = d.version(ctx, path)
		}
	}

	if d.accounts != nil {
		st.LoggedIn = d.accounts.LoggedIn()
		if acct, err := d.accounts.Account(); err == nil && acct != nil {
			st.User = acct.Email
			if st.User == "" {
				st.User = acct.DisplayName
			}
		}
	}

	d.last = &st
	return st
}

func commandVersion(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	if len(version) > 40 {
		version = version[:40]
	}
	return version
}
