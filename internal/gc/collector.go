// Package gc sweeps the staging directory for abandoned files.
//
// Staged data can outlive its purpose in several ways: a client that
// never follows up on a staged download, an upload whose session died
// before the worker popped the task, or a crash between staging and
// store. The collector periodically removes staged files older than a
// configured age.
package gc

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/stashd/stashd/internal/logger"
)

// Config contains the collector's tunables.
type Config struct {
	// Enabled controls whether the sweeper runs.
	Enabled bool

	// Interval is how often to sweep (default 10m).
	Interval time.Duration

	// MaxAge is how old a staged file must be before it is
	// considered abandoned (default 1h).
	MaxAge time.Duration

	// DryRun logs what would be removed without removing it.
	DryRun bool
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned int
	Removed int
	Freed   int64
}

// Collector periodically sweeps one staging directory.
type Collector struct {
	dir    string
	config Config
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCollector creates a collector over dir. Call Start to begin
// background sweeping.
func NewCollector(dir string, config Config) *Collector {
	if config.Interval == 0 {
		config.Interval = 10 * time.Minute
	}
	if config.MaxAge == 0 {
		config.MaxAge = time.Hour
	}

	return &Collector{
		dir:    dir,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background sweeping at the configured interval.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Staging sweeper disabled")
		return
	}

	logger.Info("Starting staging sweeper: dir=%s interval=%s max_age=%s dry_run=%v",
		c.dir, c.config.Interval, c.config.MaxAge, c.config.DryRun)

	go c.worker()
}

// Stop signals the worker to stop and waits for it, bounded by ctx.
func (c *Collector) Stop(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	close(c.stopCh)

	select {
	case <-c.doneCh:
		logger.Info("Staging sweeper stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Staging sweeper shutdown timeout")
		return ctx.Err()
	}
}

// RunNow triggers one immediate sweep, regardless of Enabled.
func (c *Collector) RunNow() (*Stats, error) {
	return c.sweep()
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := c.sweep()
			if err != nil {
				logger.Error("Staging sweep failed: %v", err)
				continue
			}
			if stats.Removed > 0 {
				logger.Info("Staging sweep removed %d of %d files (%d bytes)",
					stats.Removed, stats.Scanned, stats.Freed)
			}

		case <-c.stopCh:
			return
		}
	}
}

// sweep removes staged files whose modification time is older than
// MaxAge. Files still being written keep a fresh mtime and survive.
func (c *Collector) sweep() (*Stats, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-c.config.MaxAge)
	stats := &Stats{}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stats.Scanned++

		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(c.dir, e.Name())
		if c.config.DryRun {
			logger.Info("Staging sweep (dry run): would remove %s (%d bytes)", path, info.Size())
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("Staging sweep: remove %s: %v", path, err)
			continue
		}
		stats.Removed++
		stats.Freed += info.Size()
	}

	return stats, nil
}
