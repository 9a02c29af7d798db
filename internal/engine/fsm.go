package engine

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/tutorwiseapp/cas/internal/store"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

// EventAppender records workflow events; store.Store satisfies it.
type EventAppender interface {
	AppendWorkflowEvent(ctx context.Context, event *store.WorkflowEvent) error
}

// WorkflowFSM validates workflow and step transitions and appends the
// matching workflow event for each one. Callers persist state themselves.
type WorkflowFSM struct {
	appender EventAppender
}

// NewWorkflowFSM creates a WorkflowFSM that emits events via appender.
func NewWorkflowFSM(appender EventAppender) *WorkflowFSM {
	return &WorkflowFSM{appender: appender}
}

// Workflow moves a run from one status to another. The empty status is the
// state before a run starts, so "" → running emits started (also on resume).
func (f *WorkflowFSM) Workflow(ctx context.Context, workflowID string, from, to schema.WorkflowStatus, data map[string]any) error {
	if !slices.Contains(validWorkflowTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}
	return f.emit(ctx, workflowID, workflowEventType(to), data)
}

// Step moves one step between statuses.
func (f *WorkflowFSM) Step(ctx context.Context, workflowID, stepID string, from, to schema.StepStatus, data map[string]any) error {
	if !slices.Contains(validStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "step_id": stepID, "from": string(from), "to": string(to)})
	}
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["step_id"] = stepID
	return f.emit(ctx, workflowID, stepEventType(to), data)
}

func (f *WorkflowFSM) emit(ctx context.Context, workflowID, eventType string, data map[string]any) error {
	if eventType == "" || f.appender == nil {
		return nil
	}
	event := &store.WorkflowEvent{WorkflowID: workflowID, Type: eventType}
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "encode %s event: %v", eventType, err)
		}
		event.Data = raw
	}
	if err := f.appender.AppendWorkflowEvent(ctx, event); err != nil {
		return schema.Transient(schema.ErrCodeStore, err, "emit %s event: %v", eventType, err)
	}
	return nil
}

func workflowEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}

var validWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	"":                             {schema.WorkflowStatusRunning},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
	schema.WorkflowStatusCancelled: {},
}

var validStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusFailed},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}
