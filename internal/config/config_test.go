package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorwiseapp/cas/internal/breaker"
	"github.com/tutorwiseapp/cas/internal/scheduler"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "local", cfg.Engine)
	assert.Equal(t, "sql", cfg.Transport.Kind)
	assert.Equal(t, breaker.DefaultConfig(), cfg.BreakerSettings())
	assert.Equal(t, scheduler.DefaultSchedule, cfg.Retention.Schedule)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.CheckpointMaxAge.Std())
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, `
db_path: /tmp/cas-test.db
log_level: debug
engine: graph
pool_size: 4
transport:
  kind: memory
  poll_interval: 5ms
breaker:
  failure_threshold: 3
  cooldown: 10s
retention:
  checkpoint_max_age: 72h
  schedule: "*/30 * * * *"
agents:
  developer:
    capacity: 20
    concurrency: 2
    timeout: 2m
    worker: echo
  tester:
    worker: "jq:{passed: true}"
blocker_rules:
  - name: backlog
    expression: queue.pending > 5
    severity: high
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/cas-test.db", cfg.DBPath)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, "graph", cfg.Engine)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, "memory", cfg.Transport.Kind)
	assert.Equal(t, 5*time.Millisecond, cfg.Transport.PollInterval.Std())

	b := cfg.BreakerSettings()
	assert.Equal(t, 3, b.FailureThreshold)
	assert.Equal(t, 10*time.Second, b.Cooldown)
	assert.Equal(t, breaker.DefaultConfig().Window, b.Window, "unset fields keep defaults")

	r := cfg.RetentionSettings()
	assert.Equal(t, 72*time.Hour, r.CheckpointMaxAge)
	assert.Equal(t, "*/30 * * * *", r.Schedule)

	o := cfg.OrchestratorSettings()
	assert.Equal(t, 20, o.Roles[schema.RoleDeveloper].Capacity)
	assert.Equal(t, 2, o.Roles[schema.RoleDeveloper].Concurrency)
	require.Len(t, o.Rules, 1)
	assert.Equal(t, schema.SeverityHigh, o.Rules[0].Severity)
	assert.Equal(t, 2*time.Minute, cfg.Agents["developer"].Timeout.Std())
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	writeFile(t, path, `{
		"log_level": "warn",
		"breaker": {"window": "2m", "max_cooldown": 300},
		"agents": {"qa": {"capacity": 4}}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, cfg.Level())
	assert.Equal(t, 2*time.Minute, cfg.Breaker.Window.Std())
	assert.Equal(t, 5*time.Minute, cfg.Breaker.MaxCooldown.Std())
	assert.Equal(t, 4, cfg.Agents["qa"].Capacity)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, "log_level: debug\npool_size: 4\n")
	t.Setenv("CAS_LOG_LEVEL", "error")
	t.Setenv("CAS_POOL_SIZE", "16")
	t.Setenv("CAS_BREAKER_COOLDOWN", "45s")
	t.Setenv("CAS_TRANSPORT", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, 16, cfg.PoolSize)
	assert.Equal(t, 45*time.Second, cfg.Breaker.Cooldown.Std())
	assert.Equal(t, "memory", cfg.Transport.Kind)

	t.Setenv("CAS_POOL_SIZE", "many")
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CAS_POOL_SIZE")
}

func TestValidateCollectsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, `
log_level: loud
engine: distributed
retention:
  schedule: sometimes
agents:
  janitor: {}
  developer:
    worker: python
blocker_rules:
  - name: twice
    expression: "true"
  - name: twice
    expression: "false"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	for _, want := range []string{"log_level", "engine", "retention.schedule", `unknown role "janitor"`, `unknown worker "python"`, `duplicate rule "twice"`} {
		assert.Contains(t, err.Error(), want)
	}

	writeFile(t, path, "pool_size: [1, 2]\n")
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse settings")
}

func TestCompare(t *testing.T) {
	old := Default()
	same := Default()
	assert.True(t, Compare(old, same).Empty())

	changed := Default()
	changed.LogLevel = "debug"
	changed.Breaker.FailureThreshold = 9
	changed.Engine = "graph"
	changed.Agents = map[string]AgentConfig{"qa": {Capacity: 2}}
	d := Compare(old, changed)
	assert.True(t, d.LogLevelChanged)
	assert.True(t, d.BreakerChanged)
	assert.Equal(t, []string{"engine", "agents"}, d.RestartNeeded)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	writeFile(t, path, "log_level: info\n")
	initial, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan Diff, 4)
	levels := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, initial, nil, func(cfg *Config, d Diff) {
			levels <- cfg.LogLevel
			changes <- d
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, "log_level: debug\nbreaker:\n  failure_threshold: 2\n")

	select {
	case d := <-changes:
		assert.True(t, d.LogLevelChanged)
		assert.True(t, d.BreakerChanged)
		assert.Empty(t, d.RestartNeeded)
		assert.Equal(t, "debug", <-levels)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after settings change")
	}

	// An invalid file is skipped rather than applied.
	writeFile(t, path, "log_level: shouting\n")
	select {
	case <-changes:
		t.Fatal("invalid settings were applied")
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
