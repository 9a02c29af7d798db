package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tutorwiseapp/cas/internal/breaker"
	"github.com/tutorwiseapp/cas/internal/logging"
	"github.com/tutorwiseapp/cas/internal/store"
	"github.com/tutorwiseapp/cas/internal/streaming"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

type loggerKey struct{}

// Logger returns the logger a worker should use for the running task. Its
// records carry the task's role and id, so they show up in GetLogs.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// --- caller side ---

func (h *agentHost) ExecuteTask(ctx context.Context, task *schema.Task) (*schema.TaskResult, error) {
	task, a, err := h.prepare(task)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, task.WorkflowID, task.ID, string(task.Role))
	if err := h.watchResults(ctx, task.Role); err != nil {
		return nil, err
	}

	exec := &store.Execution{
		ID:         uuid.NewString(),
		WorkflowID: task.WorkflowID,
		Role:       task.Role,
		Input:      task.Input,
		Status:     store.ExecutionRunning,
	}
	started := h.now()
	exec.StartedAt = &started
	exec.Metadata, _ = json.Marshal(map[string]any{"task_id": task.ID, "task_name": task.Name})
	if err := h.store.CreateExecution(ctx, exec); err != nil {
		return nil, storeErr(err, "create execution for task %s", task.ID)
	}

	if res := h.rejectIfOpen(ctx, a, task); res != nil {
		return h.finish(ctx, exec, res)
	}

	w, err := h.await(task)
	if err != nil {
		h.abandon(ctx, exec, store.ExecutionFailed, err)
		return nil, err
	}

	env, err := schema.NewEnvelope(schema.KindTask, "", task.Role, task.ID, task)
	if err == nil {
		err = Retry(ctx, h.retry, func(ctx context.Context) error {
			return h.transport.Publish(ctx, task.Role, env)
		})
	}
	if err != nil {
		h.forget(task.ID)
		h.abandon(ctx, exec, store.ExecutionFailed, err)
		if schema.CodeOf(err) == "" {
			err = schema.Transient(schema.ErrCodeTransport, err, "publish task %s: %v", task.ID, err)
		}
		return nil, err
	}
	h.logger.DebugContext(ctx, "task dispatched", "execution_id", exec.ID, "local", a != nil)

	select {
	case out := <-w.ch:
		if out.err != nil {
			h.abandon(ctx, exec, store.ExecutionCancelled, out.err)
			return nil, out.err
		}
		return h.finish(ctx, exec, out.result)
	case <-ctx.Done():
		h.forget(task.ID)
		bg := context.WithoutCancel(ctx)
		if err := h.transport.PublishCancellation(bg, task.ID); err != nil {
			h.logger.WarnContext(ctx, "cancellation publish failed", "error", err)
		}
		code := schema.ErrCodeCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = schema.ErrCodeTimeout
		}
		cerr := schema.NewErrorf(code, "waiting for task %s: %v", task.ID, ctx.Err()).WithTask(task.ID).WithCause(ctx.Err())
		h.abandon(bg, exec, store.ExecutionCancelled, cerr)
		return nil, cerr
	}
}

// prepare validates task and returns a copy with an id, plus the local
// agent for its role. The agent is nil when no worker for the role runs in
// this process; the task is then left on the transport for whichever
// instance serves the role, and only the checks every instance shares apply.
func (h *agentHost) prepare(task *schema.Task) (*schema.Task, *agent, error) {
	if task == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "task is nil")
	}
	if !task.Role.Valid() {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", task.Role)
	}
	h.mu.RLock()
	running := h.running
	a := h.agents[task.Role]
	h.mu.RUnlock()
	if !running {
		return nil, nil, schema.NewError(schema.ErrCodeConflict, "runtime is not running")
	}

	task = task.Clone()
	if task.ID == "" {
		task.ID = newTaskID()
	}
	if task.Name == "" {
		task.Name = task.ID
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = h.now()
	}
	task.Status = schema.TaskStatusInProgress
	if a != nil && len(a.cfg.InputSchema) > 0 {
		input := task.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		if err := h.validator.ValidateInput(input, a.cfg.InputSchema); err != nil {
			return nil, nil, err
		}
	}
	return task, a, nil
}

// rejectIfOpen fast-fails a guarded role whose breaker is open, without
// publishing the task.
func (h *agentHost) rejectIfOpen(ctx context.Context, a *agent, task *schema.Task) *schema.TaskResult {
	if a == nil || !a.cfg.Guarded || h.breaker == nil {
		return nil
	}
	rec, err := h.breaker.Snapshot(ctx, a.role)
	if err != nil || rec.State != string(breaker.StateOpen) || rec.NextAttemptAt == nil || !h.now().Before(*rec.NextAttemptAt) {
		return nil
	}
	return &schema.TaskResult{
		TaskID: task.ID,
		Role:   task.Role,
		Status: schema.ResultError,
		Error: schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit breaker for %s is open", a.role).
			WithTask(task.ID).
			WithDetails(map[string]any{"next_attempt_at": rec.NextAttemptAt}),
		CompletedAt: h.now(),
	}
}

func (h *agentHost) await(task *schema.Task) (*waiter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.waiters[task.ID]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "task %s is already executing", task.ID).WithTask(task.ID)
	}
	w := &waiter{role: task.Role, ch: make(chan outcome, 1)}
	h.waiters[task.ID] = w
	return w, nil
}

func (h *agentHost) forget(taskID string) {
	h.mu.Lock()
	delete(h.waiters, taskID)
	h.mu.Unlock()
}

// deliver routes a published result to the caller waiting on it. Results
// nobody waits for (duplicates, or callers that gave up) are dropped.
func (h *agentHost) deliver(res *schema.TaskResult) {
	h.mu.Lock()
	w, ok := h.waiters[res.TaskID]
	if ok {
		delete(h.waiters, res.TaskID)
	}
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("dropping result without a waiter", logging.AttrTaskID, res.TaskID, "status", res.Status)
		return
	}
	w.ch <- outcome{result: res}
}

// finish records the result against its execution.
func (h *agentHost) finish(ctx context.Context, exec *store.Execution, res *schema.TaskResult) (*schema.TaskResult, error) {
	res.ExecutionID = exec.ID
	ctx = context.WithoutCancel(ctx)

	status := store.ExecutionCompleted
	var errText *string
	switch res.Status {
	case schema.ResultError:
		status = store.ExecutionFailed
	case schema.ResultCancelled:
		status = store.ExecutionCancelled
	}
	if res.Error != nil {
		msg := res.Error.Error()
		errText = &msg
	}
	completed := res.CompletedAt
	if completed.IsZero() {
		completed = h.now()
	}
	err := h.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &status,
		Output:      res.Output,
		Error:       errText,
		CompletedAt: &completed,
	})
	if err == nil {
		err = h.store.RecordAgentResult(ctx, &store.AgentResult{
			TaskID:          exec.ID,
			Role:            res.Role,
			Output:          res.Output,
			Status:          string(res.Status),
			ExecutionTimeMs: res.ExecutionTimeMs,
			TokensUsed:      res.TokensUsed,
			Cost:            res.Cost,
		})
	}
	if err != nil {
		return res, storeErr(err, "record result of task %s", res.TaskID)
	}
	return res, nil
}

// abandon closes an execution that never produced a result.
func (h *agentHost) abandon(ctx context.Context, exec *store.Execution, status store.ExecutionStatus, cause error) {
	msg := cause.Error()
	now := h.now()
	err := h.store.UpdateExecution(context.WithoutCancel(ctx), exec.ID, store.ExecutionUpdate{
		Status:      &status,
		Error:       &msg,
		CompletedAt: &now,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "execution update failed", "execution_id", exec.ID, "error", err)
	}
}

func (h *agentHost) CancelTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return schema.NewError(schema.ErrCodeValidation, "task id is required")
	}
	if err := h.transport.PublishCancellation(ctx, taskID); err != nil {
		if schema.CodeOf(err) == "" {
			err = schema.Transient(schema.ErrCodeTransport, err, "cancel task %s: %v", taskID, err)
		}
		return err
	}
	h.logger.InfoContext(logging.WithTaskID(ctx, taskID), "cancellation requested")
	return nil
}

func cancelledError(taskID string) *schema.CASError {
	return schema.NewError(schema.ErrCodeCancelled, "task cancelled").WithTask(taskID)
}

func storeErr(err error, format string, args ...any) error {
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.Transient(schema.ErrCodeStore, err, format+": %v", append(args, err)...)
}

// --- worker side ---

// consume pulls tasks for one role until ctx ends.
func (h *agentHost) consume(ctx context.Context, a *agent) {
	defer close(a.done)
	logger := h.logger.With(logging.AttrRole, string(a.role))

	for ctx.Err() == nil {
		env, err := h.transport.ReceiveNext(ctx, a.role)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("receive failed", "error", err)
			}
			h.idle(ctx)
			continue
		}
		if env == nil {
			h.idle(ctx)
			continue
		}
		if env.Kind != schema.KindTask || h.seen.Has(env.ID) {
			h.ack(ctx, a, env.ID)
			continue
		}

		var task schema.Task
		if err := env.DecodePayload(&task); err != nil || task.ID == "" {
			logger.Error("discarding undecodable task envelope", "envelope_id", env.ID, "error", err)
			h.ack(ctx, a, env.ID)
			continue
		}
		task.Role = a.role

		err = a.pool.Submit(ctx, task.ID, func(ctx context.Context) error {
			return h.process(ctx, a, env, &task)
		})
		if err != nil {
			// Shutting down. The durable transport redelivers unacked work.
			return
		}
	}
}

func (h *agentHost) idle(ctx context.Context) {
	t := time.NewTimer(h.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (h *agentHost) ack(ctx context.Context, a *agent, envelopeID string) {
	if err := h.transport.Ack(context.WithoutCancel(ctx), a.role, envelopeID); err != nil {
		h.logger.Warn("ack failed", logging.AttrRole, string(a.role), "envelope_id", envelopeID, "error", err)
	}
}

// process runs one task and publishes its result. The message is acked only
// after the result is published, so a crash in between redelivers it.
func (h *agentHost) process(ctx context.Context, a *agent, env *schema.Envelope, task *schema.Task) error {
	ctx = logging.WithIDs(ctx, task.WorkflowID, task.ID, string(a.role))
	logger := h.logger
	start := h.now()

	h.publish(ctx, streaming.StreamEvent{Type: schema.EventTaskStarted, Role: string(a.role), TaskID: task.ID, WorkflowID: task.WorkflowID})
	logger.InfoContext(ctx, "task started", "name", task.Name)

	var seq atomic.Int64
	// Workers may log without a context, so their logger binds the IDs.
	res := h.run(context.WithValue(ctx, loggerKey{}, logging.LogWith(ctx, h.logger)), a, task, h.emitter(ctx, task.ID, &seq))
	res.ExecutionTimeMs = h.now().Sub(start).Milliseconds()
	res.CompletedAt = h.now()

	bg := context.WithoutCancel(ctx)
	final := schema.StreamUpdate{Seq: seq.Add(1), Final: true, Timestamp: h.now()}
	if err := Retry(bg, h.retry, func(ctx context.Context) error {
		return h.transport.PublishStreamUpdate(ctx, task.ID, final)
	}); err != nil {
		logger.WarnContext(ctx, "final stream marker not published", "error", err)
	}
	if err := Retry(bg, h.retry, func(ctx context.Context) error {
		return h.transport.PublishResult(ctx, res)
	}); err != nil {
		logger.ErrorContext(ctx, "result not published; leaving task for redelivery", "error", err)
		return err
	}
	h.seen.Add(env.ID)
	h.ack(bg, a, env.ID)

	h.mu.RLock()
	rm := h.metrics[a.role]
	h.mu.RUnlock()
	if rm != nil {
		rm.record(res.Status, time.Duration(res.ExecutionTimeMs)*time.Millisecond, res.CompletedAt)
	}

	evType := schema.EventTaskCompleted
	level := slog.LevelInfo
	attrs := []any{"status", string(res.Status), "duration_ms", res.ExecutionTimeMs}
	switch res.Status {
	case schema.ResultError:
		evType, level = schema.EventTaskFailed, slog.LevelWarn
		attrs = append(attrs, "error", res.Error.Error())
	case schema.ResultCancelled:
		evType = schema.EventTaskCancelled
	}
	logger.Log(ctx, level, "task finished", attrs...)
	h.publish(ctx, streaming.StreamEvent{Type: evType, Role: string(a.role), TaskID: task.ID, WorkflowID: task.WorkflowID, Payload: res})
	if res.Status == schema.ResultError {
		return res.Error
	}
	return nil
}

// run invokes the worker under the agent's timeout and the task's
// cancellation flag and converts the outcome into a result.
func (h *agentHost) run(ctx context.Context, a *agent, task *schema.Task, emit Emitter) *schema.TaskResult {
	res := &schema.TaskResult{TaskID: task.ID, Role: a.role}

	if cancelled, _ := h.transport.IsCancelled(ctx, task.ID); cancelled {
		res.Status = schema.ResultCancelled
		res.Error = cancelledError(task.ID)
		return res
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if a.cfg.Timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(runCtx, a.cfg.Timeout)
		defer stop()
	}
	go h.watchCancellation(runCtx, task.ID, cancel)

	out, err := h.invoke(runCtx, a, task, emit)

	cancelled := errors.Is(context.Cause(runCtx), errTaskCancelled)
	if !cancelled {
		cancelled, _ = h.transport.IsCancelled(context.WithoutCancel(ctx), task.ID)
	}
	switch {
	case cancelled:
		res.Status = schema.ResultCancelled
		res.Error = cancelledError(task.ID)
	case err == nil:
		res.Status = schema.ResultCompleted
		res.Output = out
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Status = schema.ResultError
		res.Error = schema.NewErrorf(schema.ErrCodeTimeout, "task exceeded %s timeout", a.cfg.Timeout).WithTask(task.ID).WithCause(err)
	case ctx.Err() != nil:
		res.Status = schema.ResultCancelled
		res.Error = schema.NewError(schema.ErrCodeCancelled, "agent stopped").WithTask(task.ID).WithCause(ctx.Err())
	default:
		res.Status = schema.ResultError
		var ce *schema.CASError
		if errors.As(err, &ce) {
			cp := *ce
			res.Error = cp.WithTask(task.ID)
		} else {
			res.Error = schema.NewError(schema.ErrCodeWorkerFailed, err.Error()).WithTask(task.ID).WithCause(err)
		}
	}
	return res
}

// invoke calls the worker, through the breaker when the agent is guarded.
// Panics become WORKER_FAILED errors.
func (h *agentHost) invoke(ctx context.Context, a *agent, task *schema.Task, emit Emitter) (json.RawMessage, error) {
	var out json.RawMessage
	call := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = schema.NewErrorf(schema.ErrCodeWorkerFailed, "worker panic: %v", r)
			}
		}()
		out, err = a.cfg.Worker.Run(ctx, task.Clone(), emit)
		return err
	}
	if a.cfg.Guarded && h.breaker != nil {
		return out, h.breaker.Execute(ctx, a.role, call)
	}
	return out, call(ctx)
}

// watchCancellation polls the task's cancellation flag until ctx ends.
func (h *agentHost) watchCancellation(ctx context.Context, taskID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(h.cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if cancelled, err := h.transport.IsCancelled(ctx, taskID); err == nil && cancelled {
			cancel(errTaskCancelled)
			return
		}
	}
}

func (h *agentHost) emitter(ctx context.Context, taskID string, seq *atomic.Int64) Emitter {
	return func(data any) error {
		raw, err := encodeJSON(data)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "encode partial result: %v", err)
		}
		update := schema.StreamUpdate{Seq: seq.Add(1), Data: raw, Timestamp: h.now()}
		if err := h.transport.PublishStreamUpdate(ctx, taskID, update); err != nil {
			return fmt.Errorf("emit partial result: %w", err)
		}
		return nil
	}
}
