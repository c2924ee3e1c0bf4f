package usage

import "time"

// RateLimit is the state of one named quota window.
type RateLimit struct {
	Name               string     `json:"name"`
	Status             string     `json:"status,omitempty"`
	ResetsAt           *time.Time `json:"resets_at,omitempty"`
	UtilizationPercent float64    `json:"utilization_percent"`
}

// Overage reports usage beyond the plan's included quota.
type Overage struct {
	Status         string `json:"status,omitempty"`
	DisabledReason string `json:"disabled_reason,omitempty"`
}

// AccountInfo identifies the account the agent runs under.
type AccountInfo struct {
	LoggedIn         bool   `json:"logged_in"`
	Email            string `json:"email,omitempty"`
	OrganizationName string `json:"organization_name,omitempty"`
	SubscriptionType string `json:"subscription_type,omitempty"`
	RateLimitTier    string `json:"rate_limit_tier,omitempty"`
}

// TaskCost is the cost reported by one task's result record.
type TaskCost struct {
	TaskID     string    `json:"task_id"`
	CostUSD    float64   `json:"cost_usd"`
	DurationMS int64     `json:"duration_ms"`
	IsError    bool      `json:"is_error"`
	Timestamp  time.Time `json:"timestamp"`
}

// LiveTotals accumulates cost since the process started.
type LiveTotals struct {
	TotalCostUSD    float64 `json:"total_cost_usd"`
	TotalDurationMS int64   `json:"total_duration_ms"`
	TasksTracked    int     `json:"tasks_tracked"`
	TasksCompleted  int     `json:"tasks_completed"`
	TasksSucceeded  int     `json:"tasks_succeeded"`
	TasksFailed     int     `json:"tasks_failed"`
}

// LiveUsage is the in-memory cost accumulator view.
type LiveUsage struct {
	Totals      LiveTotals `json:"totals"`
	RecentTasks []TaskCost `json:"recent_tasks"`
}

// DailyActivity is one day of locally recorded agent activity.
type DailyActivity struct {
	Date          string `json:"date"`
	MessageCount  int    `json:"messageCount"`
	SessionCount  int    `json:"sessionCount"`
	ToolCallCount int    `json:"toolCallCount"`
}

// ModelUsage is the token and cost total for one model.
type ModelUsage struct {
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens"`
	CostUSD                  float64 `json:"costUSD"`
}

// HistoricalStats mirrors the agent's local statistics cache file.
type HistoricalStats struct {
	LastComputedDate string                `json:"lastComputedDate,omitempty"`
	TotalSessions    int                   `json:"totalSessions"`
	TotalMessages    int                   `json:"totalMessages"`
	DailyActivity    []DailyActivity       `json:"dailyActivity"`
	ModelUsage       map[string]ModelUsage `json:"modelUsage"`
}

// Snapshot is the merged usage view published to clients.
type Snapshot struct {
	Account     AccountInfo      `json:"account"`
	RateLimits  []RateLimit      `json:"rate_limits"`
	Overage     Overage          `json:"overage"`
	Stats       *HistoricalStats `json:"stats,omitempty"`
	Live        LiveUsage        `json:"live"`
	LastUpdated *time.Time       `json:"last_updated,omitempty"`
	Backoff     bool             `json:"backoff"`
}
