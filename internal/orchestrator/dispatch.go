package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/tutorwiseapp/cas/internal/engine"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

// dispatch starts every pending task whose role has a free slot and enough
// capacity, highest priority first and oldest first within a priority. A
// role whose head-of-queue task does not fit starts nothing further so
// lower priority work cannot overtake it. An idle role always takes its
// head task, even one larger than its remaining capacity.
func (o *Orchestrator) dispatch() {
	if o.exec == nil || o.ctx.Err() != nil {
		return
	}
	var started []*schema.Task
	_, err := o.apply(o.ctx, func(c *change) error {
		tasks, err := c.tx.ListTasks()
		if err != nil {
			return err
		}
		queues := make(map[schema.Role][]*schema.Task)
		for _, t := range tasks {
			if t.Status == schema.TaskStatusPending {
				queues[t.Role] = append(queues[t.Role], t)
			}
		}
		for _, role := range schema.AllRoles() {
			queue := queues[role]
			slices.SortStableFunc(queue, func(a, b *schema.Task) int {
				if d := a.Priority.Rank() - b.Priority.Rank(); d != 0 {
					return d
				}
				return int(a.Seq - b.Seq)
			})
			for _, t := range queue {
				w, err := c.worker(role)
				if err != nil {
					return err
				}
				if !o.fits(w, t) {
					break
				}
				if err := o.start(c, t); err != nil {
					return err
				}
				started = append(started, t.Clone())
			}
		}
		return nil
	})
	if err != nil {
		if o.ctx.Err() == nil {
			o.logger.Error("dispatch failed", "error", err)
		}
		return
	}
	for _, t := range started {
		o.launch(t)
	}
}

func (o *Orchestrator) fits(w *schema.WorkerStatus, t *schema.Task) bool {
	if len(w.CurrentTasks) >= o.concurrency(w.Role) {
		return false
	}
	return len(w.CurrentTasks) == 0 || t.Effort <= w.Capacity
}

func (o *Orchestrator) launch(t *schema.Task) {
	o.launchMu.Lock()
	if o.ctx.Err() != nil {
		o.launchMu.Unlock()
		o.logger.Info("orchestrator closed, task left in progress", "task_id", t.ID, "role", t.Role)
		return
	}
	o.wg.Add(1)
	o.launchMu.Unlock()
	go func() {
		defer o.wg.Done()
		var res *schema.TaskResult
		err := engine.Retry(o.ctx, o.retry, func(ctx context.Context) error {
			r, err := o.exec.ExecuteTask(ctx, t)
			if r != nil {
				res = r
				return nil
			}
			return err
		})
		o.settle(t, res, err)
	}()
}

// settle records the executor's outcome for t.
func (o *Orchestrator) settle(t *schema.Task, res *schema.TaskResult, err error) {
	if o.ctx.Err() != nil {
		o.logger.Info("orchestrator closed, task left in progress", "task_id", t.ID, "role", t.Role)
		return
	}
	ctx := context.WithoutCancel(o.ctx)
	switch {
	case res != nil && res.Status == schema.ResultCompleted:
		_, err = o.CompleteTaskWithOutput(ctx, t.ID, res.Output)
	case res != nil && res.Status == schema.ResultCancelled:
		_, err = o.CancelTask(ctx, t.ID, "cancelled by runtime")
	case res != nil:
		reason := "worker failed"
		if res.Error != nil {
			reason = res.Error.Error()
		}
		_, err = o.FailTask(ctx, t.ID, reason)
	default:
		_, err = o.FailTask(ctx, t.ID, fmt.Sprintf("dispatch failed: %v", err))
	}
	if err != nil {
		// The task was cancelled or otherwise moved on while it ran.
		o.logger.Debug("task outcome not recorded", "task_id", t.ID, "error", err)
	}
}
