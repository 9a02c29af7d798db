// Package orchestrator owns the task dependency graph, per-role worker
// status and the blockers derived from both. Every mutation runs in one
// scheduler transaction under a single mutex, so a completion and the
// unblocking it causes are observed together or not at all.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tutorwiseapp/cas/internal/engine"
	"github.com/tutorwiseapp/cas/internal/expressions"
	"github.com/tutorwiseapp/cas/internal/store"
	"github.com/tutorwiseapp/cas/internal/streaming"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

// Defaults for roles without explicit configuration.
const (
	DefaultCapacity    = 10
	DefaultConcurrency = 1
)

// Store is the persistence the orchestrator needs.
type Store interface {
	WithSchedulerTx(ctx context.Context, fn func(tx store.SchedulerTx) error) error
}

// Executor runs started tasks. engine.Runtime satisfies it.
type Executor interface {
	ExecuteTask(ctx context.Context, task *schema.Task) (*schema.TaskResult, error)
	CancelTask(ctx context.Context, taskID string) error
}

// RoleConfig bounds the work one role takes on at once.
type RoleConfig struct {
	Capacity    int `json:"capacity" yaml:"capacity"`       // effort units
	Concurrency int `json:"concurrency" yaml:"concurrency"` // tasks in progress
}

// BlockerRule raises a blocker for every role its CEL expression matches.
// The expression sees role, worker, queue and roles (see expressions.CELEngine).
type BlockerRule struct {
	Name       string                 `json:"name" yaml:"name"`
	Expression string                 `json:"expression" yaml:"expression"`
	Severity   schema.BlockerSeverity `json:"severity,omitempty" yaml:"severity,omitempty"`
	Reason     string                 `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Config configures an Orchestrator.
type Config struct {
	Roles map[schema.Role]RoleConfig
	Rules []BlockerRule
	// Retry applies to infrastructure errors from the executor.
	Retry engine.RetryPolicy
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithExecutor enables dispatch: pending tasks are started on exec as soon
// as their role has room. Without an executor tasks are started and
// completed by the caller.
func WithExecutor(exec Executor) Option {
	return func(o *Orchestrator) { o.exec = exec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEventHub publishes task and blocker events to hub.
func WithEventHub(hub streaming.EventHub) Option {
	return func(o *Orchestrator) { o.hub = hub }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator schedules tasks across roles.
type Orchestrator struct {
	store  Store
	exec   Executor
	hub    streaming.EventHub
	logger *slog.Logger
	now    func() time.Time
	cel    *expressions.CELEngine
	rules  []BlockerRule
	roles  map[schema.Role]RoleConfig
	retry  engine.RetryPolicy

	mu  sync.Mutex
	seq int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// launchMu orders wg.Add in launch against cancel in Close.
	launchMu sync.Mutex
}

// New creates an Orchestrator over st, creating a worker status for every
// role that has none yet.
func New(ctx context.Context, st Store, cfg Config, opts ...Option) (*Orchestrator, error) {
	if st == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator requires a store")
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		store: st,
		now:   time.Now,
		cel:   celEngine,
		roles: make(map[schema.Role]RoleConfig, len(cfg.Roles)),
		retry: cfg.Retry,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "orchestrator")
	if o.retry.MaxAttempts <= 0 {
		o.retry = engine.DefaultRetryPolicy()
	}

	for role, rc := range cfg.Roles {
		if !role.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q in orchestrator config", role)
		}
		o.roles[role] = rc
	}
	for i, r := range cfg.Rules {
		if r.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "blocker rule %d has no name", i)
		}
		if err := celEngine.Compile(r.Expression); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "blocker rule %s: %v", r.Name, err).WithCause(err)
		}
		if r.Severity == "" {
			r.Severity = schema.SeverityMedium
		}
		if r.Reason == "" {
			r.Reason = r.Name
		}
		o.rules = append(o.rules, r)
	}

	var requeued int
	err = st.WithSchedulerTx(ctx, func(tx store.SchedulerTx) error {
		tasks, err := tx.ListTasks()
		if err != nil {
			return err
		}
		running := make(map[schema.Role][]*schema.Task)
		for _, t := range tasks {
			o.seq = max(o.seq, t.Seq)
			if t.Status != schema.TaskStatusInProgress {
				continue
			}
			if o.exec == nil {
				running[t.Role] = append(running[t.Role], t)
				continue
			}
			// No launch survives a restart, so the executor gets the task again.
			if err := transition(t, schema.TaskStatusPending); err != nil {
				return err
			}
			t.StartedAt = nil
			if err := tx.PutTask(t); err != nil {
				return err
			}
			requeued++
		}
		for _, role := range schema.AllRoles() {
			if err := o.syncWorker(tx, role, running[role]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if requeued > 0 {
		o.logger.Info("requeued tasks left in progress", "count", requeued)
	}

	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.dispatch()
	return o, nil
}

// syncWorker rebuilds role's status from the tasks it is running, applying
// the configured capacity.
func (o *Orchestrator) syncWorker(tx store.SchedulerTx, role schema.Role, running []*schema.Task) error {
	w, err := tx.GetWorker(role)
	switch {
	case schema.CodeOf(err) == schema.ErrCodeNotFound:
		w = &schema.WorkerStatus{Role: role}
	case err != nil:
		return err
	}
	w.MaxCapacity = o.capacity(role)
	w.Capacity = w.MaxCapacity
	w.CurrentTasks = nil
	for _, t := range running {
		w.CurrentTasks = append(w.CurrentTasks, t.ID)
		w.Capacity -= t.Effort
	}
	w.Capacity = max(0, w.Capacity)
	w.Busy = len(w.CurrentTasks) >= o.concurrency(role)
	return tx.PutWorker(w)
}

func (o *Orchestrator) capacity(role schema.Role) int {
	if c := o.roles[role].Capacity; c > 0 {
		return c
	}
	return DefaultCapacity
}

func (o *Orchestrator) concurrency(role schema.Role) int {
	if c := o.roles[role].Concurrency; c > 0 {
		return c
	}
	return DefaultConcurrency
}

// Close stops dispatching and waits for launched tasks to return. Tasks
// still running stay in_progress until the next New requeues them.
func (o *Orchestrator) Close() {
	o.launchMu.Lock()
	o.cancel()
	o.launchMu.Unlock()
	o.wg.Wait()
}

// change is the working set of one mutation.
type change struct {
	tx     store.SchedulerTx
	now    time.Time
	seq    int64
	events []streaming.StreamEvent
	// cancelled holds in-progress tasks the executor must be told to stop.
	cancelled []string
}

func (c *change) emit(typ string, task *schema.Task, payload any) {
	ev := streaming.StreamEvent{Type: typ, Payload: payload, Timestamp: c.now}
	if task != nil {
		ev.Role = string(task.Role)
		ev.TaskID = task.ID
		ev.WorkflowID = task.WorkflowID
	}
	c.events = append(c.events, ev)
}

func (c *change) worker(role schema.Role) (*schema.WorkerStatus, error) {
	w, err := c.tx.GetWorker(role)
	if schema.CodeOf(err) == schema.ErrCodeNotFound {
		return &schema.WorkerStatus{Role: role, Capacity: DefaultCapacity, MaxCapacity: DefaultCapacity}, nil
	}
	return w, err
}

// apply runs fn and the blocker derivation in one transaction. Events are
// published only after the transaction commits.
func (o *Orchestrator) apply(ctx context.Context, fn func(c *change) error) (*change, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var c *change
	err := o.store.WithSchedulerTx(ctx, func(tx store.SchedulerTx) error {
		c = &change{tx: tx, now: o.now(), seq: o.seq}
		if fn != nil {
			if err := fn(c); err != nil {
				return err
			}
		}
		return o.deriveBlockers(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	o.seq = c.seq
	for _, ev := range c.events {
		o.publish(ctx, ev)
	}
	return c, nil
}

// mutate is apply followed by dispatch and executor cancellations.
func (o *Orchestrator) mutate(ctx context.Context, fn func(c *change) error) error {
	c, err := o.apply(ctx, fn)
	if err != nil {
		return err
	}
	if o.exec != nil {
		for _, id := range c.cancelled {
			if err := o.exec.CancelTask(context.WithoutCancel(ctx), id); err != nil {
				o.logger.WarnContext(ctx, "runtime cancellation failed", "task_id", id, "error", err)
			}
		}
	}
	o.dispatch()
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, ev streaming.StreamEvent) {
	if o.hub == nil {
		return
	}
	if err := o.hub.Publish(ctx, ev); err != nil {
		o.logger.Debug("event publish failed", "type", ev.Type, "error", err)
	}
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Role       schema.Role
	Status     schema.TaskStatus
	WorkflowID string
}

func (f TaskFilter) match(t *schema.Task) bool {
	return (f.Role == "" || t.Role == f.Role) &&
		(f.Status == "" || t.Status == f.Status) &&
		(f.WorkflowID == "" || t.WorkflowID == f.WorkflowID)
}

func (o *Orchestrator) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	var task *schema.Task
	err := o.store.WithSchedulerTx(ctx, func(tx store.SchedulerTx) error {
		var err error
		task, err = tx.GetTask(id)
		return err
	})
	return task, err
}

// ListTasks returns matching tasks in creation order.
func (o *Orchestrator) ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error) {
	var out []*schema.Task
	err := o.store.WithSchedulerTx(ctx, func(tx store.SchedulerTx) error {
		tasks, err := tx.ListTasks()
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if filter.match(t) {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

// WorkerStatuses returns every role's status in pipeline order.
func (o *Orchestrator) WorkerStatuses(ctx context.Context) ([]*schema.WorkerStatus, error) {
	var out []*schema.WorkerStatus
	err := o.store.WithSchedulerTx(ctx, func(tx store.SchedulerTx) error {
		var err error
		out, err = tx.ListWorkers()
		return err
	})
	return out, err
}

// Summary counts tasks by status.
type Summary struct {
	Total    int                       `json:"total"`
	ByStatus map[schema.TaskStatus]int `json:"by_status"`
	Blockers int                       `json:"active_blockers"`
}

func (o *Orchestrator) Summary(ctx context.Context) (*Summary, error) {
	s := &Summary{ByStatus: make(map[schema.TaskStatus]int)}
	err := o.store.WithSchedulerTx(ctx, func(tx store.SchedulerTx) error {
		tasks, err := tx.ListTasks()
		if err != nil {
			return err
		}
		for _, t := range tasks {
			s.Total++
			s.ByStatus[t.Status]++
		}
		blockers, err := tx.ListBlockers()
		if err != nil {
			return err
		}
		for _, b := range blockers {
			if b.ResolvedAt == nil {
				s.Blockers++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator summary: %w", err)
	}
	return s, nil
}
