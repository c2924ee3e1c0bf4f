package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fentz26/conductor/internal/logging"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// StatsCache holds the agent's historical statistics file in memory,
// re-reading it at most once per TTL unless invalidated.
type StatsCache struct {
	path   string
	ttl    time.Duration
	logger *logging.Logger
	now    func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	stats    *HistoricalStats
	loadedAt time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStatsCache creates a cache for the stats file at path.
func NewStatsCache(path string, ttl time.Duration, logger *logging.Logger) *StatsCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &StatsCache{path: path, ttl: ttl, logger: logger, now: time.Now}
}

// Get returns the cached stats, reloading when stale or when force is set.
// Concurrent reloads are coalesced. A missing file yields nil stats.
func (c *StatsCache) Get(force bool) (*HistoricalStats, error) {
	if !force {
		c.mu.RLock()
		fresh := !c.loadedAt.IsZero() && c.now().Sub(c.loadedAt) < c.ttl
		stats := c.stats
		c.mu.RUnlock()
		if fresh {
			return stats, nil
		}
	}

	v, err, _ := c.group.Do("load", func() (any, error) {
		stats, err := readStats(c.path)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.stats = stats
		c.loadedAt = c.now()
		c.mu.Unlock()
		return stats, nil
	})
	if err != nil {
		return c.Cached(), err
	}
	stats, _ := v.(*HistoricalStats)
	return stats, nil
}

// Cached returns the last loaded stats without touching disk.
func (c *StatsCache) Cached() *HistoricalStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Invalidate forces the next Get to reload.
func (c *StatsCache) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

func readStats(path string) (*HistoricalStats, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stats cache: %w", err)
	}
	var stats HistoricalStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("parse stats cache: %w", err)
	}
	return &stats, nil
}

// Watch invalidates the cache whenever the stats file is written. The
// parent directory is watched so the file may be created later.
func (c *StatsCache) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	c.watcher = watcher
	c.done = make(chan struct{})
	go c.watchLoop(watcher, c.done)
	return nil
}

func (c *StatsCache) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	target := filepath.Clean(c.path)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				c.logger.Debugf("stats_cache_changed op=%s", event.Op)
				c.Invalidate()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logger.Warnf("fsnotify error=%v", err)
		}
	}
}

// Close stops the file watcher, if any.
func (c *StatsCache) Close() {
	if c.watcher == nil {
		return
	}
	c.watcher.Close()
	<-c.done
	c.watcher = nil
}
