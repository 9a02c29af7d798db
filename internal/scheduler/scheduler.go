// Package scheduler runs maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// JobFunc performs one run of a job and reports how many items it touched.
type JobFunc func(ctx context.Context) (int64, error)

// Job is a named unit of maintenance work.
type Job struct {
	Name     string
	Schedule string // five-field cron expression
	Run      JobFunc
}

// JobStatus reports a job's last and next run.
type JobStatus struct {
	Name          string     `json:"name"`
	Schedule      string     `json:"schedule"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastCount     int64      `json:"last_count"`
	LastError     string     `json:"last_error,omitempty"`
}

type entry struct {
	job      Job
	schedule cron.Schedule
	status   JobStatus
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often due jobs are checked. Default 60s.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler checks its jobs on a ticker and runs those that are due.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration

	mu     sync.Mutex
	jobs   map[string]*entry
	order  []string
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		interval: 60 * time.Second,
		jobs:     make(map[string]*entry),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers job. Its first run is the next schedule time after now.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return schema.NewError(schema.ErrCodeValidation, "job needs a name and a run function")
	}
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %s: parse cron expression %q: %v", job.Name, job.Schedule, err).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %s already registered", job.Name)
	}
	next := sched.Next(s.now().UTC())
	s.jobs[job.Name] = &entry{
		job:      job,
		schedule: sched,
		status:   JobStatus{Name: job.Name, Schedule: job.Schedule, NextRunAt: &next},
	}
	s.order = append(s.order, job.Name)
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()), "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	for _, e := range s.due(now) {
		if !s.tryAcquire(e.job.Name) {
			continue // already running (dedup)
		}
		s.runJob(ctx, e, now)
		s.releaseJob(e.job.Name)
	}
}

func (s *Scheduler) due(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entry
	for _, name := range s.order {
		e := s.jobs[name]
		if e.status.NextRunAt == nil || !e.status.NextRunAt.After(now) {
			out = append(out, e)
		}
	}
	return out
}

// runJob executes a job and updates its status.
func (s *Scheduler) runJob(ctx context.Context, e *entry, now time.Time) (int64, error) {
	log := s.logger.With("job", e.job.Name)
	log.Debug("running maintenance job")

	n, err := e.job.Run(ctx)
	status := "success"
	if err != nil {
		status = "error"
		log.Error("maintenance job failed", "error", err)
	} else if n > 0 {
		log.Info("maintenance job finished", "count", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := e.schedule.Next(now)
	e.status.LastRunAt = &now
	e.status.NextRunAt = &next
	e.status.LastRunStatus = status
	e.status.LastCount = n
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
	return n, err
}

// RunNow runs the named job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeNotFound, "job %s not found", name)
	}
	if !s.tryAcquire(name) {
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "job %s is already running", name)
	}
	defer s.releaseJob(name)
	return s.runJob(ctx, e, s.now().UTC())
}

// Jobs returns the status of every job in registration order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.jobs[name].status)
	}
	return out
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	// A running tick takes s.mu, so wait without holding it.
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
