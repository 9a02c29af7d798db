package orchestrator

import (
	"slices"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// validTaskTransitions is the task state machine. Failed tasks leave the
// failed state only through RetryTask or CancelTask. In-progress tasks
// return to pending only when New requeues them after a restart.
var validTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending: {
		schema.TaskStatusInProgress,
		schema.TaskStatusBlocked,
		schema.TaskStatusCompleted,
		schema.TaskStatusCancelled,
	},
	schema.TaskStatusBlocked: {
		schema.TaskStatusPending,
		schema.TaskStatusCancelled,
	},
	schema.TaskStatusInProgress: {
		schema.TaskStatusPending,
		schema.TaskStatusCompleted,
		schema.TaskStatusFailed,
		schema.TaskStatusCancelled,
	},
	schema.TaskStatusFailed: {
		schema.TaskStatusPending,
		schema.TaskStatusBlocked,
		schema.TaskStatusCancelled,
	},
}

// transition validates moving task to status to. Completed tasks are
// immutable: any change to one is a CONFLICT rather than an invalid
// transition, so a second completion is distinguishable.
func transition(task *schema.Task, to schema.TaskStatus) error {
	from := task.Status
	if from == schema.TaskStatusCompleted {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %s is already completed", task.ID).WithTask(task.ID)
	}
	if !slices.Contains(validTaskTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithTask(task.ID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	task.Status = to
	return nil
}
