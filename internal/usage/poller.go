// Package usage tracks account quota, rate-limit windows and task spend.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/conductor/internal/auth"
	"github.com/fentz26/conductor/internal/logging"
)

// recentTaskLimit caps the task list returned in a snapshot.
const recentTaskLimit = 50

// Config controls the poller cadence and probe.
type Config struct {
	Interval         time.Duration
	InitialDelay     time.Duration
	BackoffThreshold int
	BackoffInterval  time.Duration
	ProbeURL         string
	ProbeModel       string
	ProbeTimeout     time.Duration
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		InitialDelay:     5 * time.Second,
		BackoffThreshold: 3,
		BackoffInterval:  5 * time.Minute,
		ProbeURL:         "https://api.anthropic.com/v1/messages",
		ProbeModel:       "claude-haiku-4-5",
		ProbeTimeout:     15 * time.Second,
	}
}

// CredentialSource supplies the bearer token and account identity.
type CredentialSource interface {
	Credential() (*auth.Credential, error)
	Account() (*auth.Account, error)
}

// Poller periodically probes quota headers and accumulates per-task cost.
type Poller struct {
	cfg    Config
	creds  CredentialSource
	stats  *StatsCache
	client *http.Client
	logger *logging.Logger

	polling atomic.Bool

	mu          sync.RWMutex
	rateLimits  map[string]RateLimit
	overage     Overage
	account     AccountInfo
	lastUpdated time.Time
	failures    int
	backoff     bool
	credState   string
	costs       map[string]TaskCost
	totals      LiveTotals

	subsMu sync.RWMutex
	subs   []func(Snapshot)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a poller. stats may be nil.
func New(cfg Config, creds CredentialSource, stats *StatsCache, logger *logging.Logger) *Poller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.BackoffThreshold <= 0 {
		cfg.BackoffThreshold = def.BackoffThreshold
	}
	if cfg.BackoffInterval <= 0 {
		cfg.BackoffInterval = def.BackoffInterval
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = def.ProbeURL
	}
	if cfg.ProbeModel == "" {
		cfg.ProbeModel = def.ProbeModel
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Poller{
		cfg:        cfg,
		creds:      creds,
		stats:      stats,
		client:     &http.Client{Timeout: cfg.ProbeTimeout},
		logger:     logger.With("usage"),
		rateLimits: make(map[string]RateLimit),
		costs:      make(map[string]TaskCost),
	}
}

// OnSnapshot registers a subscriber called after every published update.
func (p *Poller) OnSnapshot(fn func(Snapshot)) {
	p.subsMu.Lock()
	p.subs = append(p.subs, fn)
	p.subsMu.Unlock()
}

// Start refreshes the local stats immediately, then probes after the
// initial delay and on every interval.
func (p *Poller) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.refreshStats(true)

	p.wg.Add(1)
	go p.loop()
	p.logger.Infof("poller started interval=%s", p.cfg.Interval)
}

// Stop halts polling and waits for an in-flight cycle.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	if p.stats != nil {
		p.stats.Close()
	}
	p.logger.Infof("poller stopped")
}

func (p *Poller) loop() {
	defer p.wg.Done()

	timer := time.NewTimer(p.cfg.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
			_ = p.PollOnce(p.ctx)
			timer.Reset(p.nextInterval())
		}
	}
}

func (p *Poller) nextInterval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.backoff {
		return p.cfg.BackoffInterval
	}
	return p.cfg.Interval
}

// PollOnce runs one probe cycle. A call overlapping an in-flight cycle
// returns immediately. Missing credentials degrade to a stats-only refresh;
// probe failures are logged and returned without affecting backoff.
func (p *Poller) PollOnce(ctx context.Context) error {
	if !p.polling.CompareAndSwap(false, true) {
		return nil
	}
	defer p.polling.Store(false)

	cred, err := p.creds.Credential()
	if err != nil {
		p.credentialUnavailable(err)
		p.refreshStats(false)
		return nil
	}
	p.credentialAvailable(cred)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	headers, status, err := Probe(ctx, p.client, p.cfg.ProbeURL, cred.AccessToken, p.cfg.ProbeModel)
	if err != nil {
		p.logger.Warnf("probe failed error=%v", err)
		return err
	}
	limits, overage := ParseHeaders(headers)
	p.logger.Debugf("probe status=%d windows=%d", status, len(limits))

	acct, err := p.creds.Account()
	if err != nil {
		p.logger.Debugf("read account error=%v", err)
	}

	p.mu.Lock()
	for name, rl := range limits {
		p.rateLimits[name] = rl
	}
	if overage != (Overage{}) {
		p.overage = overage
	}
	p.account.LoggedIn = true
	p.account.SubscriptionType = cred.SubscriptionType
	p.account.RateLimitTier = cred.RateLimitTier
	if acct != nil {
		p.account.Email = acct.Email
		p.account.OrganizationName = acct.OrganizationName
	}
	p.lastUpdated = time.Now().UTC()
	p.mu.Unlock()

	p.refreshStats(false)
	p.publish()
	return nil
}

func credentialReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpired):
		return "expired"
	case errors.Is(err, auth.ErrNoCredential):
		return "missing"
	default:
		return "unreadable"
	}
}

// credentialUnavailable counts a failed cycle, logging only transitions.
func (p *Poller) credentialUnavailable(err error) {
	reason := credentialReason(err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.credState != reason {
		p.logger.Warnf("credential unavailable reason=%s error=%v", reason, err)
		p.credState = reason
	}
	p.account.LoggedIn = false
	p.failures++
	if p.failures >= p.cfg.BackoffThreshold && !p.backoff {
		p.backoff = true
		p.logger.Warnf("entering backoff failures=%d interval=%s", p.failures, p.cfg.BackoffInterval)
	}
}

// credentialAvailable resets the failure counter and leaves backoff.
func (p *Poller) credentialAvailable(cred *auth.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.credState != "" && p.credState != "ok" {
		p.logger.Infof("credential available")
	}
	p.credState = "ok"
	if p.backoff {
		p.logger.Infof("restoring normal cadence interval=%s", p.cfg.Interval)
	}
	p.backoff = false
	p.failures = 0
}

func (p *Poller) refreshStats(force bool) {
	if p.stats == nil {
		return
	}
	if _, err := p.stats.Get(force); err != nil {
		p.logger.Debugf("stats refresh error=%v", err)
	}
}

// streamEvent is the subset of an agent stream record the poller reads.
type streamEvent struct {
	Type          string   `json:"type"`
	Subtype       string   `json:"subtype"`
	IsError       bool     `json:"is_error"`
	TotalCostUSD  *float64 `json:"total_cost_usd"`
	CostUSD       *float64 `json:"cost_usd"`
	DurationMS    int64    `json:"duration_ms"`
	RateLimitInfo *struct {
		RateLimitType string   `json:"rateLimitType"`
		Status        string   `json:"status"`
		ResetsAt      int64    `json:"resetsAt"`
		Utilization   *float64 `json:"utilization"`
		OverageStatus string   `json:"overageStatus"`
	} `json:"rate_limit_info"`
}

// TrackEvent inspects one stream record of a task: rate-limit events merge
// into the window map and result records update the cost accumulator.
func (p *Poller) TrackEvent(taskID string, raw json.RawMessage) {
	var ev streamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}

	switch {
	case ev.RateLimitInfo != nil:
		p.mergeRateLimitEvent(ev)
		p.publish()
	case ev.Type == "result":
		cost := 0.0
		if ev.TotalCostUSD != nil {
			cost = *ev.TotalCostUSD
		} else if ev.CostUSD != nil {
			cost = *ev.CostUSD
		}
		p.mu.Lock()
		p.costs[taskID] = TaskCost{
			TaskID:     taskID,
			CostUSD:    cost,
			DurationMS: ev.DurationMS,
			IsError:    ev.IsError || ev.Subtype == "error",
			Timestamp:  time.Now().UTC(),
		}
		p.recomputeTotalsLocked()
		p.mu.Unlock()
	}
}

func (p *Poller) mergeRateLimitEvent(ev streamEvent) {
	info := ev.RateLimitInfo
	name := className(info.RateLimitType)
	if name == "" {
		name = "unknown"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	rl := p.rateLimits[name]
	rl.Name = name
	if info.Status != "" {
		rl.Status = info.Status
	}
	if info.ResetsAt > 0 {
		t := time.Unix(info.ResetsAt, 0).UTC()
		rl.ResetsAt = &t
	}
	if info.Utilization != nil {
		rl.UtilizationPercent = NormalizeUtilization(*info.Utilization)
	}
	p.rateLimits[name] = rl
	if info.OverageStatus != "" {
		p.overage.Status = info.OverageStatus
	}
	p.lastUpdated = time.Now().UTC()
}

func (p *Poller) recomputeTotalsLocked() {
	var cost float64
	var duration int64
	for _, c := range p.costs {
		cost += c.CostUSD
		duration += c.DurationMS
	}
	p.totals.TotalCostUSD = cost
	p.totals.TotalDurationMS = duration
	p.totals.TasksTracked = len(p.costs)
}

// TrackCompletion counts a finished task.
func (p *Poller) TrackCompletion(taskID string, success bool) {
	p.mu.Lock()
	p.totals.TasksCompleted++
	if success {
		p.totals.TasksSucceeded++
	} else {
		p.totals.TasksFailed++
	}
	p.mu.Unlock()
	p.logger.Debugf("task_completion task_id=%s success=%t", taskID, success)
}

// InBackoff reports whether the poller is in reduced cadence.
func (p *Poller) InBackoff() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backoff
}

// Snapshot returns the merged usage view.
func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	snap := Snapshot{
		Account:    p.account,
		Overage:    p.overage,
		Backoff:    p.backoff,
		RateLimits: make([]RateLimit, 0, len(p.rateLimits)),
		Live:       LiveUsage{Totals: p.totals},
	}
	for _, rl := range p.rateLimits {
		snap.RateLimits = append(snap.RateLimits, rl)
	}
	recent := make([]TaskCost, 0, len(p.costs))
	for _, c := range p.costs {
		recent = append(recent, c)
	}
	if !p.lastUpdated.IsZero() {
		t := p.lastUpdated
		snap.LastUpdated = &t
	}
	p.mu.RUnlock()

	sort.Slice(snap.RateLimits, func(i, j int) bool { return snap.RateLimits[i].Name < snap.RateLimits[j].Name })
	sort.Slice(recent, func(i, j int) bool { return recent[i].Timestamp.After(recent[j].Timestamp) })
	if len(recent) > recentTaskLimit {
		recent = recent[:recentTaskLimit]
	}
	snap.Live.RecentTasks = recent

	if p.stats != nil {
		snap.Stats = p.stats.Cached()
	}
	return snap
}

func (p *Poller) publish() {
	p.subsMu.RLock()
	subs := append([]func(Snapshot){}, p.subs...)
	p.subsMu.RUnlock()
	if len(subs) == 0 {
		return
	}
	snap := p.Snapshot()
	for _, fn := range subs {
		fn(snap)
	}
}
