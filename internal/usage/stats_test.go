package usage

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStats(t *testing.T, path string, sessions int) {
	t.Helper()
	data := `{"lastComputedDate":"2026-10-17","totalSessions":` + strconv.Itoa(sessions) + `,"totalMessages":10,` +
		`"dailyActivity":[{"date":"2026-10-17","messageCount":10,"sessionCount":2,"toolCallCount":4}],` +
		`"modelUsage":{"claude-sonnet":{"inputTokens":100,"outputTokens":50,"costUSD":0.25}}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
}

func TestStatsCacheTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats-cache.json")
	writeStats(t, path, 1)

	c := NewStatsCache(path, time.Hour, nil)
	now := time.Now()
	c.now = func() time.Time { return now }

	stats, err := c.Get(false)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Equal(t, 0.25, stats.ModelUsage["claude-sonnet"].CostUSD)
	require.Len(t, stats.DailyActivity, 1)

	writeStats(t, path, 2)
	stats, _ = c.Get(false)
	assert.Equal(t, 1, stats.TotalSessions, "fresh cache is not re-read")

	now = now.Add(2 * time.Hour)
	stats, _ = c.Get(false)
	assert.Equal(t, 2, stats.TotalSessions, "stale cache is re-read")

	writeStats(t, path, 3)
	stats, _ = c.Get(true)
	assert.Equal(t, 3, stats.TotalSessions, "force bypasses ttl")
}

func TestStatsCacheMissingFile(t *testing.T) {
	c := NewStatsCache(filepath.Join(t.TempDir(), "none.json"), time.Second, nil)
	stats, err := c.Get(false)
	require.NoError(t, err)
	assert.Nil(t, stats)
}

func TestStatsCacheParseErrorKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats-cache.json")
	writeStats(t, path, 4)
	c := NewStatsCache(path, time.Hour, nil)
	_, err := c.Get(false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))
	stats, err := c.Get(true)
	assert.Error(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 4, stats.TotalSessions)
}

func TestStatsCacheWatchInvalidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats-cache.json")
	writeStats(t, path, 1)

	c := NewStatsCache(path, time.Hour, nil)
	require.NoError(t, c.Watch())
	defer c.Close()

	_, err := c.Get(false)
	require.NoError(t, err)

	writeStats(t, path, 7)
	require.Eventually(t, func() bool {
		stats, _ := c.Get(false)
		return stats != nil && stats.TotalSessions == 7
	}, 5*time.Second, 20*time.Millisecond)
}
