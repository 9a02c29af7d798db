package config

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Diff describes what changed between two configurations. Log level and
// breaker changes can be applied to a running daemon; everything listed in
// RestartNeeded cannot.
type Diff struct {
	LogLevelChanged bool
	BreakerChanged  bool
	RestartNeeded   []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.BreakerChanged && len(d.RestartNeeded) == 0
}

// Compare returns the difference between old and new.
func Compare(old, new *Config) Diff {
	var d Diff
	d.LogLevelChanged = old.LogLevel != new.LogLevel
	d.BreakerChanged = old.Breaker != new.Breaker

	restart := func(field string, changed bool) {
		if changed {
			d.RestartNeeded = append(d.RestartNeeded, field)
		}
	}
	restart("db_path", old.DBPath != new.DBPath)
	restart("log_format", old.LogFormat != new.LogFormat)
	restart("engine", old.Engine != new.Engine)
	restart("pool_size", old.PoolSize != new.PoolSize)
	restart("workflows_dir", old.WorkflowsDir != new.WorkflowsDir)
	restart("transport", old.Transport != new.Transport)
	restart("retention", old.Retention != new.Retention)
	restart("agents", !maps.Equal(old.Agents, new.Agents))
	restart("blocker_rules", !slices.Equal(old.BlockerRules, new.BlockerRules))
	return d
}

// reloadDelay coalesces the burst of events an editor's save produces.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the settings file at path whenever it changes and calls
// onChange with the new configuration and its difference from the last
// one that loaded. Invalid files are logged and skipped. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, path string, current *Config, logger *slog.Logger, onChange func(*Config, Diff)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file rather than write it.
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	logger.Info("watching settings", "path", path)

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("settings watcher error", "error", err)
		case <-timer.C:
			next, err := Load(path)
			if err != nil {
				logger.Warn("settings reload failed, keeping previous configuration", "error", err)
				continue
			}
			d := Compare(current, next)
			if d.Empty() {
				continue
			}
			if len(d.RestartNeeded) > 0 {
				logger.Warn("settings changed that need a restart", "fields", d.RestartNeeded)
			}
			current = next
			onChange(next, d)
		}
	}
}
