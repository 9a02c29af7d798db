package schema

// Workflow event types persisted to workflow_events.
const (
	EventWorkflowStarted   = "started"
	EventWorkflowCompleted = "completed"
	EventWorkflowFailed    = "failed"
	EventWorkflowCancelled = "cancelled"
	EventCheckpointSaved   = "checkpoint_saved"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
)

// Control-plane events published on the in-process hub.
const (
	EventTaskAssigned    = "task_assigned"
	EventTaskStarted     = "task_started"
	EventTaskCompleted   = "task_completed"
	EventTaskFailed      = "task_failed"
	EventTaskCancelled   = "task_cancelled"
	EventTaskUnblocked   = "task_unblocked"
	EventBlockerDetected = "blocker_detected"
	EventBlockerResolved = "blocker_resolved"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"

	EventAgentRegistered   = "agent_registered"
	EventAgentUnregistered = "agent_unregistered"
	EventAgentStateUpdated = "agent_state_updated"
	EventAgentStateReset   = "agent_state_reset"
)

// WorkflowStatus represents the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// StepStatus represents the lifecycle state of a workflow step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Done reports whether the step needs no further execution on resume.
func (s StepStatus) Done() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}
