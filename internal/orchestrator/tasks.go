package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// AssignTask queues task for role. Every dependency must already exist; the
// task starts blocked until all of them complete. The stored copy is
// returned.
func (o *Orchestrator) AssignTask(ctx context.Context, role schema.Role, task *schema.Task) (*schema.Task, error) {
	var out *schema.Task
	err := o.mutate(ctx, func(c *change) error {
		t, err := o.assign(c, role, task)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "task assigned", "task_id", out.ID, "role", role, "status", out.Status)
	return out.Clone(), nil
}

func (o *Orchestrator) assign(c *change, role schema.Role, task *schema.Task) (*schema.Task, error) {
	if task == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "task is required")
	}
	if !role.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", role)
	}
	t := task.Clone()
	t.Role = role
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "task name is required")
	}
	if t.Priority == "" {
		t.Priority = schema.PriorityMedium
	}
	if !t.Priority.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown priority %q", t.Priority)
	}
	if t.Effort < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "effort must not be negative, got %d", t.Effort)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if _, err := c.tx.GetTask(t.ID); err == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "task %s already exists", t.ID).WithTask(t.ID)
	} else if schema.CodeOf(err) != schema.ErrCodeNotFound {
		return nil, err
	}

	seen := make(map[string]bool, len(t.DependsOn))
	var unmet []string
	for _, dep := range t.DependsOn {
		switch {
		case dep == t.ID:
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "task %s depends on itself", t.ID).WithTask(t.ID)
		case seen[dep]:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate dependency %s", dep).WithTask(t.ID)
		}
		seen[dep] = true
		d, err := c.tx.GetTask(dep)
		if schema.CodeOf(err) == schema.ErrCodeNotFound {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "dependency %s does not exist", dep).
				WithTask(t.ID).
				WithDetails(map[string]any{"dependency": dep})
		}
		if err != nil {
			return nil, err
		}
		if d.Status != schema.TaskStatusCompleted {
			unmet = append(unmet, dep)
		}
	}

	c.seq++
	t.Seq = c.seq
	t.CreatedAt = c.now
	t.StartedAt, t.CompletedAt = nil, nil
	t.Output, t.Error = nil, ""
	t.Status, t.BlockedReason = schema.TaskStatusPending, ""
	if len(unmet) > 0 {
		t.Status = schema.TaskStatusBlocked
		t.BlockedReason = waitingOn(unmet)
	}
	if err := c.tx.PutTask(t); err != nil {
		return nil, err
	}
	c.emit(schema.EventTaskAssigned, t, map[string]any{"status": t.Status, "priority": t.Priority})
	return t, nil
}

func waitingOn(deps []string) string {
	return "waiting on " + strings.Join(deps, ", ")
}

// StartTask moves a pending task to in_progress and charges its effort to
// the role. Dispatch calls this itself when an executor is configured.
func (o *Orchestrator) StartTask(ctx context.Context, id string) (*schema.Task, error) {
	var out *schema.Task
	err := o.mutate(ctx, func(c *change) error {
		t, err := c.tx.GetTask(id)
		if err != nil {
			return err
		}
		out = t
		return o.start(c, t)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) start(c *change, t *schema.Task) error {
	if err := transition(t, schema.TaskStatusInProgress); err != nil {
		return err
	}
	w, err := c.worker(t.Role)
	if err != nil {
		return err
	}
	now := c.now
	t.StartedAt = &now
	w.CurrentTasks = append(w.CurrentTasks, t.ID)
	w.Capacity = max(0, w.Capacity-t.Effort)
	w.Busy = len(w.CurrentTasks) >= o.concurrency(t.Role)
	if err := c.tx.PutTask(t); err != nil {
		return err
	}
	if err := c.tx.PutWorker(w); err != nil {
		return err
	}
	c.emit(schema.EventTaskStarted, t, nil)
	return nil
}

// release returns an in-progress task's effort to its role.
func (o *Orchestrator) release(c *change, t *schema.Task) error {
	w, err := c.worker(t.Role)
	if err != nil {
		return err
	}
	if i := slices.Index(w.CurrentTasks, t.ID); i >= 0 {
		w.CurrentTasks = slices.Delete(w.CurrentTasks, i, i+1)
		w.Capacity = min(w.MaxCapacity, w.Capacity+t.Effort)
	}
	w.Busy = len(w.CurrentTasks) >= o.concurrency(t.Role)
	if t.Status == schema.TaskStatusCompleted {
		w.Completed = append(w.Completed, t.ID)
	}
	return c.tx.PutWorker(w)
}

// CompleteTask marks a task completed and unblocks every dependent whose
// dependencies are now all completed. Completing a task twice is a CONFLICT.
func (o *Orchestrator) CompleteTask(ctx context.Context, id string) (*schema.Task, error) {
	return o.CompleteTaskWithOutput(ctx, id, nil)
}

// CompleteTaskWithOutput is CompleteTask recording the worker's output.
func (o *Orchestrator) CompleteTaskWithOutput(ctx context.Context, id string, output json.RawMessage) (*schema.Task, error) {
	var out *schema.Task
	var unblocked int
	err := o.mutate(ctx, func(c *change) error {
		t, n, err := o.complete(c, id, output)
		out, unblocked = t, n
		return err
	})
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "task completed", "task_id", id, "role", out.Role, "unblocked", unblocked)
	return out, nil
}

func (o *Orchestrator) complete(c *change, id string, output json.RawMessage) (*schema.Task, int, error) {
	t, err := c.tx.GetTask(id)
	if err != nil {
		return nil, 0, err
	}
	wasRunning := t.Status == schema.TaskStatusInProgress
	if err := transition(t, schema.TaskStatusCompleted); err != nil {
		return nil, 0, err
	}
	now := c.now
	t.CompletedAt = &now
	t.Output = output
	t.Error, t.BlockedReason = "", ""
	if err := c.tx.PutTask(t); err != nil {
		return nil, 0, err
	}
	if wasRunning {
		err = o.release(c, t)
	} else {
		err = o.recordCompleted(c, t)
	}
	if err != nil {
		return nil, 0, err
	}
	c.emit(schema.EventTaskCompleted, t, nil)

	n, err := o.unblockDependents(c, t.ID)
	return t, n, err
}

func (o *Orchestrator) recordCompleted(c *change, t *schema.Task) error {
	w, err := c.worker(t.Role)
	if err != nil {
		return err
	}
	w.Completed = append(w.Completed, t.ID)
	return c.tx.PutWorker(w)
}

// unblockDependents re-evaluates the blocked dependents of id.
func (o *Orchestrator) unblockDependents(c *change, id string) (int, error) {
	tasks, err := c.tx.ListTasks()
	if err != nil {
		return 0, err
	}
	byID := make(map[string]*schema.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	n := 0
	for _, d := range tasks {
		if d.Status != schema.TaskStatusBlocked || !slices.Contains(d.DependsOn, id) {
			continue
		}
		unmet := unmetDeps(d, byID)
		if len(unmet) > 0 {
			d.BlockedReason = waitingOn(unmet)
			if err := c.tx.PutTask(d); err != nil {
				return n, err
			}
			continue
		}
		if err := transition(d, schema.TaskStatusPending); err != nil {
			return n, err
		}
		d.BlockedReason = ""
		if err := c.tx.PutTask(d); err != nil {
			return n, err
		}
		c.emit(schema.EventTaskUnblocked, d, map[string]any{"completed_dependency": id})
		n++
	}
	return n, nil
}

func unmetDeps(t *schema.Task, byID map[string]*schema.Task) []string {
	var unmet []string
	for _, dep := range t.DependsOn {
		if d, ok := byID[dep]; !ok || d.Status != schema.TaskStatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// FailTask records a worker failure. Dependents stay blocked and a critical
// blocker is raised against the failed task's role.
func (o *Orchestrator) FailTask(ctx context.Context, id, reason string) (*schema.Task, error) {
	var out *schema.Task
	err := o.mutate(ctx, func(c *change) error {
		t, err := c.tx.GetTask(id)
		if err != nil {
			return err
		}
		if err := transition(t, schema.TaskStatusFailed); err != nil {
			return err
		}
		t.Error = reason
		if err := c.tx.PutTask(t); err != nil {
			return err
		}
		if err := o.release(c, t); err != nil {
			return err
		}
		c.emit(schema.EventTaskFailed, t, map[string]any{"error": reason})
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.WarnContext(ctx, "task failed", "task_id", id, "role", out.Role, "error", reason)
	return out, nil
}

// RetryTask requeues a failed task: pending when its dependencies are
// complete, blocked otherwise.
func (o *Orchestrator) RetryTask(ctx context.Context, id string) (*schema.Task, error) {
	var out *schema.Task
	err := o.mutate(ctx, func(c *change) error {
		t, err := c.tx.GetTask(id)
		if err != nil {
			return err
		}
		if t.Status != schema.TaskStatusFailed {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "only failed tasks can be retried, task %s is %s", id, t.Status).WithTask(id)
		}
		tasks, err := c.tx.ListTasks()
		if err != nil {
			return err
		}
		byID := make(map[string]*schema.Task, len(tasks))
		for _, x := range tasks {
			byID[x.ID] = x
		}
		to, reason := schema.TaskStatusPending, ""
		if unmet := unmetDeps(t, byID); len(unmet) > 0 {
			to, reason = schema.TaskStatusBlocked, waitingOn(unmet)
		}
		if err := transition(t, to); err != nil {
			return err
		}
		t.BlockedReason, t.Error, t.StartedAt = reason, "", nil
		if err := c.tx.PutTask(t); err != nil {
			return err
		}
		c.emit(schema.EventTaskAssigned, t, map[string]any{"status": t.Status, "retry": true})
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelTask cancels a task that has not completed. A running task is also
// cancelled on the executor.
func (o *Orchestrator) CancelTask(ctx context.Context, id, reason string) (*schema.Task, error) {
	var out *schema.Task
	err := o.mutate(ctx, func(c *change) error {
		t, err := o.cancelTask(c, id, reason)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "task cancelled", "task_id", id, "role", out.Role)
	return out, nil
}

func (o *Orchestrator) cancelTask(c *change, id, reason string) (*schema.Task, error) {
	t, err := c.tx.GetTask(id)
	if err != nil {
		return nil, err
	}
	wasRunning := t.Status == schema.TaskStatusInProgress
	if err := transition(t, schema.TaskStatusCancelled); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled"
	}
	t.Error = reason
	t.BlockedReason = ""
	if err := c.tx.PutTask(t); err != nil {
		return nil, err
	}
	if wasRunning {
		if err := o.release(c, t); err != nil {
			return nil, err
		}
		c.cancelled = append(c.cancelled, t.ID)
	}
	c.emit(schema.EventTaskCancelled, t, map[string]any{"reason": reason})
	return t, nil
}

// describe is the short label used in blocker reasons.
func describe(t *schema.Task) string {
	return fmt.Sprintf("%s task %q", t.Role, t.Name)
}
