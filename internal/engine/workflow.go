package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tutorwiseapp/cas/internal/expressions"
	"github.com/tutorwiseapp/cas/internal/logging"
	"github.com/tutorwiseapp/cas/internal/streaming"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

type registeredWorkflow struct {
	def     *schema.WorkflowDefinition
	graph   *Graph
	timeout time.Duration
}

// walkFunc drives the steps of one run. It returns the first step error, or
// nil once every step is completed or skipped.
type walkFunc func(ctx context.Context, run *workflowRun) error

func (h *agentHost) RegisterWorkflow(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	cp := cloneDefinition(def)
	g, err := ParseGraph(cp)
	if err != nil {
		return err
	}
	if err := h.validator.ValidateDefinition(cp); err != nil {
		return err
	}
	wf := &registeredWorkflow{def: cp, graph: g}
	if cp.Timeout != "" {
		if wf.timeout, err = time.ParseDuration(cp.Timeout); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "workflow %s: invalid timeout %q", cp.Name, cp.Timeout)
		}
	}

	h.mu.Lock()
	h.workflows[cp.Name] = wf
	h.mu.Unlock()
	h.logger.Info("workflow registered", "definition", cp.Name, "steps", len(cp.Steps), "levels", len(g.Levels))
	return nil
}

func cloneDefinition(def *schema.WorkflowDefinition) *schema.WorkflowDefinition {
	cp := *def
	cp.Steps = make([]schema.WorkflowStep, len(def.Steps))
	for i, s := range def.Steps {
		s.DependsOn = slices.Clone(s.DependsOn)
		cp.Steps[i] = s
	}
	return &cp
}

func (h *agentHost) workflow(workflowID string, input schema.WorkflowInput) (*registeredWorkflow, error) {
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	h.mu.RLock()
	wf, ok := h.workflows[input.Definition]
	h.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q is not registered", input.Definition)
	}
	return wf, nil
}

// runWorkflow starts workflowID, or resumes it from its latest checkpoint.
// A run that already reached a terminal status returns the stored outcome.
// Worker failures end the run with status failed and a nil error; a non-nil
// error means state could not be loaded or saved.
func (h *agentHost) runWorkflow(ctx context.Context, workflowID string, input schema.WorkflowInput, wf *registeredWorkflow, walk walkFunc, observe func(WorkflowUpdate)) (*schema.WorkflowResult, error) {
	release, err := h.claimRun(workflowID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = logging.WithWorkflowID(ctx, workflowID)
	run := &workflowRun{
		h:        h,
		wf:       wf,
		id:       workflowID,
		threadID: input.ThreadID,
		observe:  observe,
		logger:   h.logger,
	}

	cp, err := h.checkpoints.LoadLatest(ctx, workflowID)
	switch {
	case err == nil:
		var st schema.WorkflowState
		if err := json.Unmarshal(cp.State, &st); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "checkpoint %d of %s is unreadable: %v", cp.Version, workflowID, err)
		}
		if st.Definition != wf.def.Name {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"workflow %s belongs to definition %q, not %q", workflowID, st.Definition, wf.def.Name)
		}
		if st.Steps == nil {
			st.Steps = make(map[string]*schema.StepState)
		}
		run.state, run.version, run.resumed = &st, cp.Version, true
		if run.threadID == "" {
			run.threadID = cp.ThreadID
		}
		if st.Status.Terminal() {
			return run.result(), nil
		}
		run.resetUnfinished()
		run.logger.InfoContext(ctx, "resuming workflow", "from_version", cp.Version)
		run.emit(ctx, h.fsm.Workflow(ctx, workflowID, "", schema.WorkflowStatusRunning,
			map[string]any{"definition": wf.def.Name, "resumed": true, "from_version": cp.Version}))

	case schema.CodeOf(err) == schema.ErrCodeNotFound:
		run.state = &schema.WorkflowState{
			WorkflowID: workflowID,
			Definition: wf.def.Name,
			Status:     schema.WorkflowStatusRunning,
			Params:     input.Params,
			Steps:      make(map[string]*schema.StepState, len(wf.graph.Steps)),
		}
		run.resetUnfinished()
		run.logger.InfoContext(ctx, "starting workflow", "definition", wf.def.Name)
		run.emit(ctx, h.fsm.Workflow(ctx, workflowID, "", schema.WorkflowStatusRunning,
			map[string]any{"definition": wf.def.Name}))

	default:
		return nil, storeErr(err, "load checkpoint of %s", workflowID)
	}

	run.notify(WorkflowUpdate{Type: schema.EventWorkflowStarted, Status: string(schema.WorkflowStatusRunning), Version: run.version})
	h.publish(ctx, streaming.StreamEvent{Type: schema.EventWorkflowStarted, WorkflowID: workflowID, Payload: map[string]any{"resumed": run.resumed}})
	if !run.resumed {
		run.mu.Lock()
		err := run.checkpointLocked(ctx)
		run.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	walkCtx := ctx
	if wf.timeout > 0 {
		var cancel context.CancelFunc
		walkCtx, cancel = context.WithTimeout(ctx, wf.timeout)
		defer cancel()
	}
	walkErr := walk(walkCtx, run)

	var status schema.WorkflowStatus
	var msg string
	switch {
	case walkErr == nil:
		status = schema.WorkflowStatusCompleted
	case run.lostTo() != nil:
		// Another writer owns this workflow now; nothing more may be written.
		run.logger.ErrorContext(ctx, "checkpoint conflict", "error", run.lostTo())
		return nil, run.lostTo()
	case ctx.Err() != nil:
		status, msg = schema.WorkflowStatusCancelled, ctx.Err().Error()
	case walkCtx.Err() != nil:
		status, msg = schema.WorkflowStatusFailed, "workflow timed out after "+wf.timeout.String()
	default:
		status, msg = schema.WorkflowStatusFailed, walkErr.Error()
	}
	return run.finish(context.WithoutCancel(ctx), status, msg)
}

// claimRun marks workflowID as driven by this process. A second driver in
// the same process is refused; one in another process loses on the next
// checkpoint version instead.
func (h *agentHost) claimRun(workflowID string) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.active[workflowID]; busy {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is already running", workflowID)
	}
	h.active[workflowID] = struct{}{}
	return func() {
		h.mu.Lock()
		delete(h.active, workflowID)
		h.mu.Unlock()
	}, nil
}

// workflowRun is the mutable state of one run. All state changes happen
// under mu and are checkpointed before mu is released, so checkpoint
// versions follow the order of changes. Each checkpoint claims exactly the
// version after the one the run last read or wrote; if another driver took
// it first the run stops with CHECKPOINT_CONFLICT.
type workflowRun struct {
	h        *agentHost
	wf       *registeredWorkflow
	id       string
	threadID string
	observe  func(WorkflowUpdate)
	logger   *slog.Logger

	mu      sync.Mutex
	state   *schema.WorkflowState
	version int
	resumed bool
	lost    error // set once another driver took a checkpoint version
}

func (r *workflowRun) lostTo() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

func (r *workflowRun) notify(u WorkflowUpdate) {
	if r.observe != nil {
		r.observe(u)
	}
}

// emit logs a failed event append. Events are an audit trail; the
// checkpoint is the source of truth.
func (r *workflowRun) emit(ctx context.Context, err error) {
	if err != nil {
		r.logger.WarnContext(ctx, "workflow event not recorded", "error", err)
	}
}

// resetUnfinished makes every step that is not completed or skipped pending
// again. A step that was running when the previous process stopped runs again.
func (r *workflowRun) resetUnfinished() {
	for id := range r.wf.graph.Steps {
		st := r.state.Steps[id]
		if st == nil || !st.Status.Done() {
			r.state.Steps[id] = &schema.StepState{Status: schema.StepStatusPending}
		}
	}
}

func (r *workflowRun) checkpointLocked(ctx context.Context) error {
	if r.lost != nil {
		return r.lost
	}
	r.state.UpdatedAt = r.h.now()
	v := r.version + 1
	if err := r.h.checkpoints.Insert(ctx, r.id, v, r.state, r.threadID); err != nil {
		if errors.Is(err, schema.ErrCheckpointConflict) {
			r.lost = err
		}
		return err
	}
	r.version = v
	r.notify(WorkflowUpdate{Type: schema.EventCheckpointSaved, Version: v})
	return nil
}

// dataLocked is the expression environment: workflow_id, params, and for
// each step its status and decoded output.
func (r *workflowRun) dataLocked() map[string]any {
	steps := make(map[string]any, len(r.state.Steps))
	for id, st := range r.state.Steps {
		entry := map[string]any{"status": string(st.Status)}
		if len(st.Output) > 0 {
			var v any
			if json.Unmarshal(st.Output, &v) == nil {
				entry["output"] = v
			}
		}
		steps[id] = entry
	}
	params := r.state.Params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{"workflow_id": r.id, "params": params, "steps": steps}
}

// execStep runs one step unless it is already done.
func (r *workflowRun) execStep(ctx context.Context, id string) error {
	step := r.wf.graph.Steps[id]

	r.mu.Lock()
	if r.state.Steps[id].Status.Done() {
		r.mu.Unlock()
		return nil
	}
	data := r.dataLocked()
	r.mu.Unlock()

	if step.When != "" {
		ok, err := expressions.EvaluateBool(ctx, r.h.when, step.When, data)
		if err != nil {
			return r.fail(ctx, step, "", err)
		}
		if !ok {
			return r.skip(ctx, step)
		}
	}

	input, err := r.input(ctx, step, data)
	if err != nil {
		return r.fail(ctx, step, "", err)
	}

	task := &schema.Task{
		ID:          uuid.NewString(),
		Name:        step.Name,
		Description: "workflow " + r.id + " step " + step.ID,
		Role:        step.Role,
		Priority:    step.Priority,
		Effort:      step.Effort,
		WorkflowID:  r.id,
		Input:       input,
		CreatedAt:   r.h.now(),
	}
	if task.Name == "" {
		task.Name = step.ID
	}
	if task.Priority == "" {
		task.Priority = schema.PriorityMedium
	}

	r.mu.Lock()
	r.emit(ctx, r.h.fsm.Step(ctx, r.id, step.ID, schema.StepStatusPending, schema.StepStatusRunning,
		map[string]any{"task_id": task.ID, "role": string(step.Role)}))
	st := r.state.Steps[step.ID]
	st.Status, st.TaskID = schema.StepStatusRunning, task.ID
	r.mu.Unlock()
	r.notify(WorkflowUpdate{Type: schema.EventStepStarted, StepID: step.ID, TaskID: task.ID, Status: string(schema.StepStatusRunning)})

	stepCtx := ctx
	if step.Timeout != "" {
		if d, perr := time.ParseDuration(step.Timeout); perr == nil && d > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	var res *schema.TaskResult
	err = Retry(stepCtx, r.h.retry, func(ctx context.Context) error {
		out, execErr := r.h.ExecuteTask(ctx, task)
		if out != nil {
			res = out
			if execErr != nil {
				r.logger.WarnContext(ctx, "step result not recorded", "step_id", step.ID, "error", execErr)
			}
			return nil
		}
		return execErr
	})
	switch {
	case err != nil:
		return r.fail(ctx, step, task.ID, err)
	case res.Status == schema.ResultCompleted:
		return r.complete(ctx, step, task.ID, res.Output)
	default:
		var cause error = schema.NewErrorf(schema.ErrCodeWorkerFailed, "task %s ended %s", task.ID, res.Status)
		if res.Error != nil {
			cause = res.Error
		}
		return r.fail(ctx, step, task.ID, cause)
	}
}

// input maps workflow state to the step's task input: the step's jq
// expression when set, otherwise params plus the outputs of its dependencies.
func (r *workflowRun) input(ctx context.Context, step *schema.WorkflowStep, data map[string]any) (json.RawMessage, error) {
	if step.Input != "" {
		return r.h.jq.EvaluateJSON(ctx, step.Input, data)
	}
	deps := make(map[string]any, len(step.DependsOn))
	steps := data["steps"].(map[string]any)
	for _, dep := range step.DependsOn {
		if entry, ok := steps[dep].(map[string]any); ok {
			deps[dep] = entry["output"]
		}
	}
	return json.Marshal(map[string]any{"params": data["params"], "deps": deps})
}

func (r *workflowRun) complete(ctx context.Context, step *schema.WorkflowStep, taskID string, output json.RawMessage) error {
	bg := context.WithoutCancel(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.h.now()
	st := r.state.Steps[step.ID]
	r.emit(ctx, r.h.fsm.Step(bg, r.id, step.ID, st.Status, schema.StepStatusCompleted, map[string]any{"task_id": taskID}))
	st.Status, st.Output, st.CompletedAt, st.Error = schema.StepStatusCompleted, output, &now, ""
	r.notify(WorkflowUpdate{Type: schema.EventStepCompleted, StepID: step.ID, TaskID: taskID, Status: string(st.Status)})
	return r.checkpointLocked(bg)
}

func (r *workflowRun) skip(ctx context.Context, step *schema.WorkflowStep) error {
	bg := context.WithoutCancel(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.h.now()
	st := r.state.Steps[step.ID]
	r.emit(ctx, r.h.fsm.Step(bg, r.id, step.ID, st.Status, schema.StepStatusSkipped, map[string]any{"when": step.When}))
	st.Status, st.CompletedAt = schema.StepStatusSkipped, &now
	r.notify(WorkflowUpdate{Type: schema.EventStepSkipped, StepID: step.ID, Status: string(st.Status)})
	return r.checkpointLocked(bg)
}

// fail records the step failure and returns the error that stops the walk.
func (r *workflowRun) fail(ctx context.Context, step *schema.WorkflowStep, taskID string, cause error) error {
	bg := context.WithoutCancel(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.h.now()
	st := r.state.Steps[step.ID]
	r.emit(ctx, r.h.fsm.Step(bg, r.id, step.ID, st.Status, schema.StepStatusFailed,
		map[string]any{"task_id": taskID, "error": cause.Error()}))
	st.Status, st.Error, st.CompletedAt = schema.StepStatusFailed, cause.Error(), &now
	if taskID != "" {
		st.TaskID = taskID
	}
	r.notify(WorkflowUpdate{Type: schema.EventStepFailed, StepID: step.ID, TaskID: taskID, Status: string(st.Status)})
	r.logger.WarnContext(ctx, "workflow step failed", "step_id", step.ID, "error", cause)
	if err := r.checkpointLocked(bg); err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeWorkerFailed, "step %s failed: %s", step.ID, cause.Error()).WithCause(cause)
}

// finish moves the run to a terminal status and stores the final checkpoint.
func (r *workflowRun) finish(ctx context.Context, status schema.WorkflowStatus, msg string) (*schema.WorkflowResult, error) {
	r.mu.Lock()
	r.emit(ctx, r.h.fsm.Workflow(ctx, r.id, r.state.Status, status, map[string]any{"error": msg}))
	r.state.Status, r.state.Error = status, msg
	err := r.checkpointLocked(ctx)
	res := r.resultLocked()
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "workflow finished", "status", string(status), "version", res.Version)
	r.h.publish(ctx, streaming.StreamEvent{Type: workflowEventType(status), WorkflowID: r.id, Payload: res})
	r.notify(WorkflowUpdate{Type: workflowEventType(status), Status: string(status), Version: res.Version})
	if err != nil {
		return res, err
	}
	return res, nil
}

func (r *workflowRun) result() *schema.WorkflowResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resultLocked()
}

func (r *workflowRun) resultLocked() *schema.WorkflowResult {
	res := &schema.WorkflowResult{
		WorkflowID: r.id,
		Status:     r.state.Status,
		Error:      r.state.Error,
		Version:    r.version,
		Resumed:    r.resumed,
		Outputs:    make(map[string]json.RawMessage),
	}
	for id, st := range r.state.Steps {
		switch st.Status {
		case schema.StepStatusCompleted:
			res.Outputs[id] = st.Output
		case schema.StepStatusSkipped:
			res.Skipped = append(res.Skipped, id)
		}
	}
	slices.Sort(res.Skipped)
	return res
}
