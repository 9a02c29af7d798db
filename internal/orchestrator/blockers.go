package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/tutorwiseapp/cas/internal/store"
	"github.com/tutorwiseapp/cas/internal/streaming"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

// Blocker kinds. Rule blockers use "rule:" followed by the rule name.
const (
	KindDependency     = "dependency"
	KindUpstreamFailed = "upstream_failed"
	KindCapacity       = "capacity"
	KindRulePrefix     = "rule:"
)

var severityRank = map[schema.BlockerSeverity]int{
	schema.SeverityLow:      0,
	schema.SeverityMedium:   1,
	schema.SeverityHigh:     2,
	schema.SeverityCritical: 3,
}

func maxSeverity(a, b schema.BlockerSeverity) schema.BlockerSeverity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// DetectBlockers re-derives blockers from current state and returns the
// unresolved ones.
func (o *Orchestrator) DetectBlockers(ctx context.Context) ([]*schema.Blocker, error) {
	if _, err := o.apply(ctx, nil); err != nil {
		return nil, err
	}
	all, err := o.Blockers(ctx)
	if err != nil {
		return nil, err
	}
	return unresolved(all), nil
}

// Blockers returns every recorded blocker, resolved ones included.
func (o *Orchestrator) Blockers(ctx context.Context) ([]*schema.Blocker, error) {
	var out []*schema.Blocker
	err := o.store.WithSchedulerTx(ctx, func(tx store.SchedulerTx) error {
		var err error
		out, err = tx.ListBlockers()
		return err
	})
	return out, err
}

// ResolveBlocker acknowledges the index-th unresolved blocker, in the
// order DetectBlockers returns them. It is not raised again while its
// condition persists.
func (o *Orchestrator) ResolveBlocker(ctx context.Context, index int) (*schema.Blocker, error) {
	if index < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "blocker index must not be negative, got %d", index)
	}
	return o.resolve(ctx, func(active []*schema.Blocker) (*schema.Blocker, error) {
		if index >= len(active) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no active blocker at index %d (%d active)", index, len(active))
		}
		return active[index], nil
	})
}

// ResolveBlockerByID acknowledges the unresolved blocker with id.
func (o *Orchestrator) ResolveBlockerByID(ctx context.Context, id string) (*schema.Blocker, error) {
	return o.resolve(ctx, func(active []*schema.Blocker) (*schema.Blocker, error) {
		for _, b := range active {
			if b.ID == id {
				return b, nil
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no active blocker %s", id)
	})
}

func (o *Orchestrator) resolve(ctx context.Context, pick func(active []*schema.Blocker) (*schema.Blocker, error)) (*schema.Blocker, error) {
	var out *schema.Blocker
	_, err := o.apply(ctx, func(c *change) error {
		// Bring the list up to date first so indexes match what a fresh
		// DetectBlockers would report.
		if err := o.deriveBlockers(ctx, c); err != nil {
			return err
		}
		all, err := c.tx.ListBlockers()
		if err != nil {
			return err
		}
		b, err := pick(unresolved(all))
		if err != nil {
			return err
		}
		now := c.now
		b.ResolvedAt = &now
		for i := range all {
			if all[i].ID == b.ID {
				all[i] = b
			}
		}
		if err := c.tx.ReplaceBlockers(all); err != nil {
			return err
		}
		c.events = append(c.events, blockerEvent(schema.EventBlockerResolved, b, c))
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "blocker resolved", "blocker_id", out.ID, "role", out.BlockedRole, "kind", out.Kind)
	return out, nil
}

func unresolved(all []*schema.Blocker) []*schema.Blocker {
	var out []*schema.Blocker
	for _, b := range all {
		if b.ResolvedAt == nil {
			out = append(out, b)
		}
	}
	return out
}

// deriveBlockers recomputes the blocker list inside c. Conditions that
// persist keep their identity and resolution; vanished ones are dropped.
// Each role's Blockers field lists its unresolved reasons.
func (o *Orchestrator) deriveBlockers(ctx context.Context, c *change) error {
	tasks, err := c.tx.ListTasks()
	if err != nil {
		return err
	}
	workers, err := c.tx.ListWorkers()
	if err != nil {
		return err
	}
	existing, err := c.tx.ListBlockers()
	if err != nil {
		return err
	}

	current := o.conditions(ctx, tasks, workers)
	byKey := make(map[string]*schema.Blocker, len(current))
	for _, b := range current {
		byKey[b.Key()] = b
	}

	next := make([]*schema.Blocker, 0, len(current))
	kept := make(map[string]bool, len(existing))
	for _, b := range existing {
		cond, ok := byKey[b.Key()]
		if !ok || kept[b.Key()] {
			continue
		}
		kept[b.Key()] = true
		b.Severity = cond.Severity
		b.TaskIDs = cond.TaskIDs
		next = append(next, b)
	}
	for _, b := range current {
		if kept[b.Key()] {
			continue
		}
		b.ID = uuid.NewString()
		b.DetectedAt = c.now
		next = append(next, b)
		c.events = append(c.events, blockerEvent(schema.EventBlockerDetected, b, c))
		o.logger.WarnContext(ctx, "blocker detected", "role", b.BlockedRole, "kind", b.Kind, "severity", b.Severity, "reason", b.Reason)
	}
	if err := c.tx.ReplaceBlockers(next); err != nil {
		return err
	}

	reasons := make(map[schema.Role][]string)
	for _, b := range next {
		if b.ResolvedAt == nil {
			reasons[b.BlockedRole] = append(reasons[b.BlockedRole], b.Reason)
		}
	}
	for _, w := range workers {
		if slices.Equal(w.Blockers, reasons[w.Role]) {
			continue
		}
		w.Blockers = reasons[w.Role]
		if err := c.tx.PutWorker(w); err != nil {
			return err
		}
	}
	return nil
}

func blockerEvent(typ string, b *schema.Blocker, c *change) streaming.StreamEvent {
	return streaming.StreamEvent{Type: typ, Role: string(b.BlockedRole), Payload: b.Clone(), Timestamp: c.now}
}

// conditions lists the blockers implied by tasks and workers, merged by key.
func (o *Orchestrator) conditions(ctx context.Context, tasks []*schema.Task, workers []*schema.WorkerStatus) []*schema.Blocker {
	byID := make(map[string]*schema.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var out []*schema.Blocker
	index := make(map[string]*schema.Blocker)
	add := func(b *schema.Blocker) {
		if prev, ok := index[b.Key()]; ok {
			prev.Severity = maxSeverity(prev.Severity, b.Severity)
			for _, id := range b.TaskIDs {
				if !slices.Contains(prev.TaskIDs, id) {
					prev.TaskIDs = append(prev.TaskIDs, id)
				}
			}
			return
		}
		index[b.Key()] = b
		out = append(out, b)
	}

	for _, t := range tasks {
		if t.Status != schema.TaskStatusBlocked {
			continue
		}
		for _, dep := range t.DependsOn {
			d, ok := byID[dep]
			if !ok || d.Status == schema.TaskStatusCompleted {
				continue
			}
			switch {
			case d.Status == schema.TaskStatusFailed || d.Status == schema.TaskStatusCancelled:
				add(&schema.Blocker{
					BlockedRole:  t.Role,
					BlockingRole: d.Role,
					Kind:         KindUpstreamFailed,
					Reason:       fmt.Sprintf("upstream %s %s", describe(d), d.Status),
					Severity:     schema.SeverityCritical,
					TaskIDs:      []string{t.ID, d.ID},
				})
			case d.Role != t.Role:
				sev := schema.SeverityMedium
				if t.Priority.Rank() <= schema.PriorityHigh.Rank() {
					sev = schema.SeverityHigh
				}
				add(&schema.Blocker{
					BlockedRole:  t.Role,
					BlockingRole: d.Role,
					Kind:         KindDependency,
					Reason:       fmt.Sprintf("%s waiting on %s", t.Role, d.Role),
					Severity:     sev,
					TaskIDs:      []string{t.ID},
				})
			}
		}
	}

	queues := queueCounts(tasks)
	for _, w := range workers {
		var waiting []string
		minEffort := -1
		for _, t := range tasks {
			if t.Role != w.Role || t.Status != schema.TaskStatusPending {
				continue
			}
			if t.Effort > w.MaxCapacity {
				add(&schema.Blocker{
					BlockedRole: w.Role,
					Kind:        KindCapacity,
					Reason:      fmt.Sprintf("%s needs %d effort units, role capacity is %d", describe(t), t.Effort, w.MaxCapacity),
					Severity:    schema.SeverityHigh,
					TaskIDs:     []string{t.ID},
				})
			}
			waiting = append(waiting, t.ID)
			if minEffort < 0 || t.Effort < minEffort {
				minEffort = t.Effort
			}
		}
		if len(waiting) > 0 && len(w.CurrentTasks) > 0 && (w.Busy || minEffort > w.Capacity) {
			add(&schema.Blocker{
				BlockedRole: w.Role,
				Kind:        KindCapacity,
				Reason:      fmt.Sprintf("%s capacity exhausted", w.Role),
				Severity:    schema.SeverityMedium,
				TaskIDs:     waiting,
			})
		}
	}

	if len(o.rules) > 0 {
		roles := make(map[string]any, len(workers))
		for _, w := range workers {
			roles[string(w.Role)] = roleVars(w, queues[w.Role])
		}
		for _, w := range workers {
			data := map[string]any{
				"role":   string(w.Role),
				"worker": workerVars(w),
				"queue":  queues[w.Role].vars(),
				"roles":  roles,
			}
			for _, r := range o.rules {
				v, err := o.cel.Evaluate(ctx, r.Expression, data)
				if err != nil {
					o.logger.WarnContext(ctx, "blocker rule failed", "rule", r.Name, "role", w.Role, "error", err)
					continue
				}
				if hit, _ := v.(bool); hit {
					add(&schema.Blocker{
						BlockedRole: w.Role,
						Kind:        KindRulePrefix + r.Name,
						Reason:      r.Reason,
						Severity:    r.Severity,
					})
				}
			}
		}
	}
	return out
}

type queueCount map[schema.TaskStatus]int64

func (q queueCount) vars() map[string]any {
	out := make(map[string]any, 7)
	var total int64
	for _, s := range []schema.TaskStatus{
		schema.TaskStatusPending, schema.TaskStatusBlocked, schema.TaskStatusInProgress,
		schema.TaskStatusCompleted, schema.TaskStatusFailed, schema.TaskStatusCancelled,
	} {
		out[string(s)] = q[s]
		total += q[s]
	}
	out["total"] = total
	return out
}

func queueCounts(tasks []*schema.Task) map[schema.Role]queueCount {
	out := make(map[schema.Role]queueCount)
	for _, t := range tasks {
		q := out[t.Role]
		if q == nil {
			q = make(queueCount)
			out[t.Role] = q
		}
		q[t.Status]++
	}
	return out
}

func workerVars(w *schema.WorkerStatus) map[string]any {
	return map[string]any{
		"busy":         w.Busy,
		"capacity":     int64(w.Capacity),
		"max_capacity": int64(w.MaxCapacity),
		"current":      int64(len(w.CurrentTasks)),
		"completed":    int64(len(w.Completed)),
	}
}

func roleVars(w *schema.WorkerStatus, q queueCount) map[string]any {
	out := workerVars(w)
	out["queue"] = q.vars()
	return out
}
