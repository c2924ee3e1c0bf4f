package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/conductor/internal/auth"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreds struct {
	mu    sync.Mutex
	cred  *auth.Credential
	err   error
	calls int
}

func (f *fakeCreds) set(cred *auth.Credential, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cred, f.err = cred, err
}

func (f *fakeCreds) Credential() (*auth.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.cred, f.err
}

func (f *fakeCreds) Account() (*auth.Account, error) {
	return &auth.Account{Email: "dev@example.com", OrganizationName: "Acme"}, nil
}

func quotaServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, oauthBeta, r.Header.Get("anthropic-beta"))
		h := w.Header()
		h.Set("anthropic-ratelimit-unified-5h-utilization", "0.42")
		h.Set("anthropic-ratelimit-unified-5h-reset", "1760000000")
		h.Set("anthropic-ratelimit-unified-5h-status", "allowed")
		h.Set("anthropic-ratelimit-unified-7d-utilization", "0.9")
		h.Set("anthropic-ratelimit-unified-7d-status", "allowed_warning")
		h.Set("anthropic-ratelimit-unified-overage-status", "rejected")
		h.Set("anthropic-ratelimit-unified-overage-disabled-reason", "org_level_disabled")
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPoller(t *testing.T, creds CredentialSource, url string, logs *bytes.Buffer) *Poller {
	t.Helper()
	logger := logging.Discard()
	if logs != nil {
		logger = logging.New(logs, logging.LevelDebug)
	}
	cfg := DefaultConfig()
	cfg.ProbeURL = url
	cfg.ProbeTimeout = 2 * time.Second
	return New(cfg, creds, nil, logger)
}

func validCred() *auth.Credential {
	return &auth.Credential{AccessToken: "tok", SubscriptionType: "max", ExpiresAt: time.Now().Add(time.Hour)}
}

func TestNormalizeUtilization(t *testing.T) {
	assert.Equal(t, 42.0, NormalizeUtilization(0.42))
	assert.Equal(t, 42.0, NormalizeUtilization(42))
	assert.Equal(t, 150.0, NormalizeUtilization(1.5))
	assert.Equal(t, 1.6, NormalizeUtilization(1.6))
	assert.Equal(t, 42.0, FractionToPercent(0.42))
}

func TestParseHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("anthropic-ratelimit-unified-7d_opus-utilization", "0.25")
	h.Set("anthropic-ratelimit-unified-7d_opus-reset", "1760000000")
	h.Set("anthropic-ratelimit-unified-status", "allowed")
	h.Set("anthropic-ratelimit-unified-representative-claim", "five_hour")
	h.Set("anthropic-ratelimit-unified-overage-status", "allowed")
	h.Set("x-request-id", "abc")

	limits, overage := ParseHeaders(h)
	require.Len(t, limits, 1)
	rl := limits["seven_day_opus"]
	assert.Equal(t, 25.0, rl.UtilizationPercent)
	require.NotNil(t, rl.ResetsAt)
	assert.Equal(t, int64(1760000000), rl.ResetsAt.Unix())
	assert.Equal(t, "allowed", overage.Status)
}

func TestPollOnceMergesHeaders(t *testing.T) {
	// Rejected responses still carry the headers.
	srv := quotaServer(t, http.StatusTooManyRequests)
	creds := &fakeCreds{cred: validCred()}
	p := newTestPoller(t, creds, srv.URL, nil)

	var published []Snapshot
	p.OnSnapshot(func(s Snapshot) { published = append(published, s) })

	require.NoError(t, p.PollOnce(context.Background()))

	snap := p.Snapshot()
	require.Len(t, snap.RateLimits, 2)
	assert.Equal(t, "five_hour", snap.RateLimits[0].Name)
	assert.Equal(t, 42.0, snap.RateLimits[0].UtilizationPercent)
	assert.Equal(t, "allowed", snap.RateLimits[0].Status)
	assert.Equal(t, 90.0, snap.RateLimits[1].UtilizationPercent)
	assert.Equal(t, "rejected", snap.Overage.Status)
	assert.Equal(t, "org_level_disabled", snap.Overage.DisabledReason)
	assert.True(t, snap.Account.LoggedIn)
	assert.Equal(t, "dev@example.com", snap.Account.Email)
	assert.Equal(t, "max", snap.Account.SubscriptionType)
	assert.NotNil(t, snap.LastUpdated)
	assert.Len(t, published, 1)
}

func TestBackoffTransitionsLogOnce(t *testing.T) {
	srv := quotaServer(t, http.StatusOK)
	creds := &fakeCreds{err: auth.ErrNoCredential}
	var logs bytes.Buffer
	p := newTestPoller(t, creds, srv.URL, &logs)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, p.PollOnce(ctx))
	}
	assert.Equal(t, 1, strings.Count(logs.String(), "entering backoff"))
	assert.Equal(t, 1, strings.Count(logs.String(), "credential unavailable"))
	assert.True(t, p.InBackoff())
	assert.Equal(t, p.cfg.BackoffInterval, p.nextInterval())

	creds.set(validCred(), nil)
	require.NoError(t, p.PollOnce(ctx))
	require.NoError(t, p.PollOnce(ctx))
	assert.Equal(t, 1, strings.Count(logs.String(), "restoring normal cadence"))
	assert.False(t, p.InBackoff())
	assert.Equal(t, p.cfg.Interval, p.nextInterval())
}

func TestBackoffNeedsConsecutiveFailures(t *testing.T) {
	srv := quotaServer(t, http.StatusOK)
	creds := &fakeCreds{err: auth.ErrExpired}
	var logs bytes.Buffer
	p := newTestPoller(t, creds, srv.URL, &logs)
	ctx := context.Background()

	p.PollOnce(ctx)
	p.PollOnce(ctx)
	creds.set(validCred(), nil)
	p.PollOnce(ctx)
	creds.set(nil, auth.ErrExpired)
	p.PollOnce(ctx)
	p.PollOnce(ctx)

	assert.False(t, p.InBackoff())
	assert.Equal(t, 0, strings.Count(logs.String(), "entering backoff"))
}

func TestProbeFailureDoesNotCountTowardBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	creds := &fakeCreds{cred: validCred()}
	p := newTestPoller(t, creds, url, nil)
	for i := 0; i < 4; i++ {
		assert.Error(t, p.PollOnce(context.Background()))
	}
	assert.False(t, p.InBackoff())
	assert.Nil(t, p.Snapshot().LastUpdated)
}

func TestPollOnceIsReentrancyGuarded(t *testing.T) {
	creds := &fakeCreds{err: auth.ErrNoCredential}
	p := newTestPoller(t, creds, "http://127.0.0.1:0", nil)

	p.polling.Store(true)
	require.NoError(t, p.PollOnce(context.Background()))
	assert.Equal(t, 0, creds.calls)

	p.polling.Store(false)
	require.NoError(t, p.PollOnce(context.Background()))
	assert.Equal(t, 1, creds.calls)
}

func TestTrackEventRateLimit(t *testing.T) {
	p := newTestPoller(t, &fakeCreds{}, "", nil)

	p.TrackEvent("t1", json.RawMessage(`{"type":"rate_limit_event","rate_limit_info":{"rateLimitType":"five_hour","status":"allowed_warning","resetsAt":1760000000,"utilization":0.42}}`))
	p.TrackEvent("t1", json.RawMessage(`{"type":"rate_limit_event","rate_limit_info":{"rateLimitType":"seven_day","utilization":42}}`))
	p.TrackEvent("t1", json.RawMessage(`not json`))

	snap := p.Snapshot()
	require.Len(t, snap.RateLimits, 2)
	for _, rl := range snap.RateLimits {
		assert.Equal(t, 42.0, rl.UtilizationPercent, rl.Name)
	}
	assert.Equal(t, "allowed_warning", snap.RateLimits[0].Status)
}

func TestTrackEventCostAccumulator(t *testing.T) {
	p := newTestPoller(t, &fakeCreds{}, "", nil)

	for i := 0; i < 60; i++ {
		raw := `{"type":"result","subtype":"success","total_cost_usd":0.5,"duration_ms":1000}`
		p.TrackEvent(fmt.Sprintf("task-%02d", i), json.RawMessage(raw))
		time.Sleep(time.Millisecond)
	}
	p.TrackEvent("task-59", json.RawMessage(`{"type":"result","subtype":"error","is_error":true,"total_cost_usd":1.5,"duration_ms":10}`))
	p.TrackCompletion("task-00", true)
	p.TrackCompletion("task-59", false)

	snap := p.Snapshot()
	assert.InDelta(t, 59*0.5+1.5, snap.Live.Totals.TotalCostUSD, 1e-9)
	assert.Equal(t, 60, snap.Live.Totals.TasksTracked)
	assert.Equal(t, 2, snap.Live.Totals.TasksCompleted)
	assert.Equal(t, 1, snap.Live.Totals.TasksSucceeded)
	assert.Equal(t, 1, snap.Live.Totals.TasksFailed)

	require.Len(t, snap.Live.RecentTasks, recentTaskLimit)
	assert.Equal(t, "task-59", snap.Live.RecentTasks[0].TaskID)
	assert.True(t, snap.Live.RecentTasks[0].IsError)
	for i := 1; i < len(snap.Live.RecentTasks); i++ {
		assert.False(t, snap.Live.RecentTasks[i].Timestamp.After(snap.Live.RecentTasks[i-1].Timestamp))
	}
}

func TestStartStop(t *testing.T) {
	srv := quotaServer(t, http.StatusOK)
	creds := &fakeCreds{cred: validCred()}
	p := newTestPoller(t, creds, srv.URL, nil)
	p.cfg.InitialDelay = 10 * time.Millisecond
	p.cfg.Interval = 20 * time.Millisecond

	p.Start()
	require.Eventually(t, func() bool { return p.Snapshot().LastUpdated != nil }, 2*time.Second, 10*time.Millisecond)
	p.Stop()
}
