package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is a named, multi-step execution across roles.
type WorkflowDefinition struct {
	Name     string         `json:"name"`
	Steps    []WorkflowStep `json:"steps"`
	Timeout  string         `json:"timeout,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WorkflowStep is one node of a workflow graph.
type WorkflowStep struct {
	ID        string       `json:"id"`
	Role      Role         `json:"role"`
	Name      string       `json:"name,omitempty"`
	DependsOn []string     `json:"depends_on,omitempty"`
	When      string       `json:"when,omitempty"`  // expr condition over workflow state
	Input     string       `json:"input,omitempty"` // jq expression over workflow state
	Priority  TaskPriority `json:"priority,omitempty"`
	Effort    int          `json:"effort,omitempty"`
	Timeout   string       `json:"timeout,omitempty"`
}

// WorkflowInput starts or resumes a workflow run.
type WorkflowInput struct {
	Definition string         `json:"definition"`
	Params     map[string]any `json:"params,omitempty"`
	ThreadID   string         `json:"thread_id,omitempty"`
}

// StepState is the persisted progress of one step.
type StepState struct {
	Status      StepStatus      `json:"status"`
	TaskID      string          `json:"task_id,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// WorkflowState is the blob stored in each checkpoint.
type WorkflowState struct {
	WorkflowID string                `json:"workflow_id"`
	Definition string                `json:"definition"`
	Status     WorkflowStatus        `json:"status"`
	Params     map[string]any        `json:"params,omitempty"`
	Steps      map[string]*StepState `json:"steps"`
	Error      string                `json:"error,omitempty"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// WorkflowResult is returned once a workflow run reaches a terminal status.
type WorkflowResult struct {
	WorkflowID string                     `json:"workflow_id"`
	Status     WorkflowStatus             `json:"status"`
	Outputs    map[string]json.RawMessage `json:"outputs,omitempty"`
	Skipped    []string                   `json:"skipped,omitempty"`
	Error      string                     `json:"error,omitempty"`
	Version    int                        `json:"checkpoint_version"`
	Resumed    bool                       `json:"resumed"`
}
