package scheduler

import (
	"context"
	"time"
)

// Retention defaults.
const (
	DefaultCheckpointMaxAge = 30 * 24 * time.Hour
	DefaultHistoryMaxAge    = 90 * 24 * time.Hour
	DefaultEventMaxAge      = 7 * 24 * time.Hour
	DefaultSchedule         = "0 3 * * *"
)

// RetentionConfig bounds how long checkpoints, breaker history and
// transport events are kept.
type RetentionConfig struct {
	CheckpointMaxAge time.Duration `json:"checkpoint_max_age" yaml:"checkpoint_max_age"`
	HistoryMaxAge    time.Duration `json:"history_max_age" yaml:"history_max_age"`
	EventMaxAge      time.Duration `json:"event_max_age" yaml:"event_max_age"`
	Schedule         string        `json:"schedule" yaml:"schedule"`
}

// WithDefaults fills zero fields with the package defaults.
func (c RetentionConfig) WithDefaults() RetentionConfig {
	if c.CheckpointMaxAge <= 0 {
		c.CheckpointMaxAge = DefaultCheckpointMaxAge
	}
	if c.HistoryMaxAge <= 0 {
		c.HistoryMaxAge = DefaultHistoryMaxAge
	}
	if c.EventMaxAge <= 0 {
		c.EventMaxAge = DefaultEventMaxAge
	}
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	return c
}

// CheckpointPruner is satisfied by *checkpoint.Checkpointer.
type CheckpointPruner interface {
	Prune(ctx context.Context, maxAge time.Duration) (int64, error)
}

// HistoryPruner is satisfied by store.Store.
type HistoryPruner interface {
	PruneBreakerHistory(ctx context.Context, before time.Time) (int64, error)
}

// EventPruner is satisfied by *transport.SQLTransport.
type EventPruner interface {
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// Targets are what the retention jobs prune. Nil targets get no job.
type Targets struct {
	Checkpoints CheckpointPruner
	History     HistoryPruner
	Events      EventPruner
}

// AddRetention registers one job per non-nil target, all on cfg.Schedule.
func (s *Scheduler) AddRetention(cfg RetentionConfig, t Targets) error {
	cfg = cfg.WithDefaults()
	var jobs []Job
	if t.Checkpoints != nil {
		jobs = append(jobs, Job{Name: "prune-checkpoints", Schedule: cfg.Schedule, Run: func(ctx context.Context) (int64, error) {
			return t.Checkpoints.Prune(ctx, cfg.CheckpointMaxAge)
		}})
	}
	if t.History != nil {
		jobs = append(jobs, Job{Name: "prune-breaker-history", Schedule: cfg.Schedule, Run: func(ctx context.Context) (int64, error) {
			return t.History.PruneBreakerHistory(ctx, s.now().Add(-cfg.HistoryMaxAge))
		}})
	}
	if t.Events != nil {
		jobs = append(jobs, Job{Name: "prune-transport-events", Schedule: cfg.Schedule, Run: func(ctx context.Context) (int64, error) {
			return t.Events.PruneEvents(ctx, s.now().Add(-cfg.EventMaxAge))
		}})
	}
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return err
		}
	}
	return nil
}
