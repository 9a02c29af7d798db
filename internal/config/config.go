// Package config loads cas settings. Priority: CAS_* env vars > settings
// file (YAML or JSON, by extension) > defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/tutorwiseapp/cas/internal/breaker"
	"github.com/tutorwiseapp/cas/internal/orchestrator"
	"github.com/tutorwiseapp/cas/internal/scheduler"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

// Duration is a time.Duration written as "30s" in settings files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or a number of seconds")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// TransportConfig selects the message transport.
type TransportConfig struct {
	Kind              string   `json:"kind" yaml:"kind"` // memory | sql
	PollInterval      Duration `json:"poll_interval" yaml:"poll_interval"`
	VisibilityTimeout Duration `json:"visibility_timeout" yaml:"visibility_timeout"`
}

// BreakerConfig mirrors breaker.Config with file-friendly durations.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	Window           Duration `json:"window" yaml:"window"`
	Cooldown         Duration `json:"cooldown" yaml:"cooldown"`
	MaxCooldown      Duration `json:"max_cooldown" yaml:"max_cooldown"`
	HalfOpenMax      int      `json:"half_open_max" yaml:"half_open_max"`
}

// RetentionConfig mirrors scheduler.RetentionConfig.
type RetentionConfig struct {
	CheckpointMaxAge Duration `json:"checkpoint_max_age" yaml:"checkpoint_max_age"`
	HistoryMaxAge    Duration `json:"history_max_age" yaml:"history_max_age"`
	EventMaxAge      Duration `json:"event_max_age" yaml:"event_max_age"`
	Schedule         string   `json:"schedule" yaml:"schedule"`
}

// AgentConfig configures one role's in-process agent and scheduling limits.
type AgentConfig struct {
	Capacity    int      `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	Concurrency int      `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Timeout     Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Worker names the built-in worker: "echo", "jq:<expression>", or
	// empty for a role served by no in-process agent.
	Worker string `json:"worker,omitempty" yaml:"worker,omitempty"`
	// Guarded routes the role's runs through its circuit breaker.
	Guarded bool `json:"guarded,omitempty" yaml:"guarded,omitempty"`
}

// Config holds all cas daemon configuration.
type Config struct {
	DBPath       string                     `json:"db_path" yaml:"db_path"`
	LogLevel     string                     `json:"log_level" yaml:"log_level"`
	LogFormat    string                     `json:"log_format" yaml:"log_format"` // text | json
	Engine       string                     `json:"engine" yaml:"engine"`         // local | graph
	PoolSize     int                        `json:"pool_size" yaml:"pool_size"`
	WorkflowsDir string                     `json:"workflows_dir,omitempty" yaml:"workflows_dir,omitempty"`
	Transport    TransportConfig            `json:"transport" yaml:"transport"`
	Breaker      BreakerConfig              `json:"breaker" yaml:"breaker"`
	Retention    RetentionConfig            `json:"retention" yaml:"retention"`
	Agents       map[string]AgentConfig     `json:"agents,omitempty" yaml:"agents,omitempty"`
	BlockerRules []orchestrator.BlockerRule `json:"blocker_rules,omitempty" yaml:"blocker_rules,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	b := breaker.DefaultConfig()
	return &Config{
		DBPath:    filepath.Join(Dir(), "cas.db"),
		LogLevel:  "info",
		LogFormat: "text",
		Engine:    "local",
		PoolSize:  10,
		Transport: TransportConfig{
			Kind:              "sql",
			PollInterval:      Duration(25 * time.Millisecond),
			VisibilityTimeout: Duration(30 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: b.FailureThreshold,
			Window:           Duration(b.Window),
			Cooldown:         Duration(b.Cooldown),
			MaxCooldown:      Duration(b.MaxCooldown),
			HalfOpenMax:      b.HalfOpenMax,
		},
		Retention: RetentionConfig{
			CheckpointMaxAge: Duration(scheduler.DefaultCheckpointMaxAge),
			HistoryMaxAge:    Duration(scheduler.DefaultHistoryMaxAge),
			EventMaxAge:      Duration(scheduler.DefaultEventMaxAge),
			Schedule:         scheduler.DefaultSchedule,
		},
	}
}

// Dir is the cas home directory, ~/.cas.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cas"
	}
	return filepath.Join(home, ".cas")
}

// SettingsPath returns CAS_SETTINGS when set, else the first of
// settings.yaml, settings.yml and settings.json that exists in Dir. With
// none present it returns the settings.yaml path.
func SettingsPath() string {
	if p := os.Getenv("CAS_SETTINGS"); p != "" {
		return p
	}
	for _, name := range []string{"settings.yaml", "settings.yml", "settings.json"} {
		p := filepath.Join(Dir(), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(Dir(), "settings.yaml")
}

// Load builds the configuration from defaults, the settings file at path
// (a missing file is not an error) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		default:
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("parse settings %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		if err := dst.parse(v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	}

	str("CAS_DB_PATH", &c.DBPath)
	str("CAS_LOG_LEVEL", &c.LogLevel)
	str("CAS_LOG_FORMAT", &c.LogFormat)
	str("CAS_ENGINE", &c.Engine)
	str("CAS_WORKFLOWS_DIR", &c.WorkflowsDir)
	str("CAS_TRANSPORT", &c.Transport.Kind)
	str("CAS_RETENTION_SCHEDULE", &c.Retention.Schedule)
	return errors.Join(
		num("CAS_POOL_SIZE", &c.PoolSize),
		num("CAS_BREAKER_FAILURE_THRESHOLD", &c.Breaker.FailureThreshold),
		num("CAS_BREAKER_HALF_OPEN_MAX", &c.Breaker.HalfOpenMax),
		dur("CAS_TRANSPORT_POLL_INTERVAL", &c.Transport.PollInterval),
		dur("CAS_BREAKER_WINDOW", &c.Breaker.Window),
		dur("CAS_BREAKER_COOLDOWN", &c.Breaker.Cooldown),
		dur("CAS_BREAKER_MAX_COOLDOWN", &c.Breaker.MaxCooldown),
		dur("CAS_RETENTION_CHECKPOINT_MAX_AGE", &c.Retention.CheckpointMaxAge),
		dur("CAS_RETENTION_HISTORY_MAX_AGE", &c.Retention.HistoryMaxAge),
	)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.Engine != "local" && c.Engine != "graph" {
		errs = append(errs, fmt.Errorf("engine must be local or graph, got %q", c.Engine))
	}
	if c.Transport.Kind != "memory" && c.Transport.Kind != "sql" {
		errs = append(errs, fmt.Errorf("transport.kind must be memory or sql, got %q", c.Transport.Kind))
	}
	if c.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("pool_size must not be negative"))
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("breaker thresholds must not be negative"))
	}
	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
	}
	for name, a := range c.Agents {
		if !schema.Role(name).Valid() {
			errs = append(errs, fmt.Errorf("agents: unknown role %q", name))
		}
		if a.Capacity < 0 || a.Concurrency < 0 {
			errs = append(errs, fmt.Errorf("agents.%s: capacity and concurrency must not be negative", name))
		}
		if a.Worker != "" && a.Worker != "echo" && !strings.HasPrefix(a.Worker, "jq:") {
			errs = append(errs, fmt.Errorf("agents.%s: unknown worker %q", name, a.Worker))
		}
	}
	seen := make(map[string]bool, len(c.BlockerRules))
	for _, r := range c.BlockerRules {
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("blocker_rules: duplicate rule %q", r.Name))
		}
		seen[r.Name] = true
	}
	if err := errors.Join(errs...); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid configuration: %v", err).WithCause(err)
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// Level is the parsed log level; Validate has already checked it.
func (c *Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

// BreakerSettings converts the breaker section.
func (c *Config) BreakerSettings() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		Window:           c.Breaker.Window.Std(),
		Cooldown:         c.Breaker.Cooldown.Std(),
		MaxCooldown:      c.Breaker.MaxCooldown.Std(),
		HalfOpenMax:      c.Breaker.HalfOpenMax,
	}
}

// RetentionSettings converts the retention section.
func (c *Config) RetentionSettings() scheduler.RetentionConfig {
	return scheduler.RetentionConfig{
		CheckpointMaxAge: c.Retention.CheckpointMaxAge.Std(),
		HistoryMaxAge:    c.Retention.HistoryMaxAge.Std(),
		EventMaxAge:      c.Retention.EventMaxAge.Std(),
		Schedule:         c.Retention.Schedule,
	}
}

// OrchestratorSettings converts per-role limits and blocker rules.
func (c *Config) OrchestratorSettings() orchestrator.Config {
	out := orchestrator.Config{Rules: c.BlockerRules}
	if len(c.Agents) > 0 {
		out.Roles = make(map[schema.Role]orchestrator.RoleConfig, len(c.Agents))
		for name, a := range c.Agents {
			out.Roles[schema.Role(name)] = orchestrator.RoleConfig{Capacity: a.Capacity, Concurrency: a.Concurrency}
		}
	}
	return out
}
