package store

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// Checkpoint is one immutable, versioned snapshot of a workflow's state.
type Checkpoint struct {
	WorkflowID string          `json:"workflow_id"`
	Version    int             `json:"version"`
	State      json.RawMessage `json:"state"`
	ThreadID   string          `json:"thread_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// WorkflowEvent is an append-only entry in a workflow's audit trail.
type WorkflowEvent struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Type       string          `json:"event_type"`
	Data       json.RawMessage `json:"event_data,omitempty"`
	Sequence   int64           `json:"sequence"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ExecutionStatus is the persisted status of a task execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Execution is the persisted record of one task run through a runtime.
type Execution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	Role        schema.Role     `json:"role"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ExecutionUpdate holds the mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *ExecutionStatus `json:"status,omitempty"`
	Output      json.RawMessage  `json:"output,omitempty"`
	Error       *string          `json:"error,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Role       schema.Role
	WorkflowID string
	Status     ExecutionStatus
	Limit      int
}

// AgentResult is the outcome a worker reported for an execution.
type AgentResult struct {
	ID              int64           `json:"id"`
	TaskID          string          `json:"task_id"`
	Role            schema.Role     `json:"role"`
	Output          json.RawMessage `json:"output,omitempty"`
	Status          string          `json:"status"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	TokensUsed      *int64          `json:"tokens_used,omitempty"`
	Cost            *float64        `json:"cost,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// BreakerRecord is the persisted circuit breaker state for one role.
// Version increases by one on every successful swap.
type BreakerRecord struct {
	Role             schema.Role `json:"role"`
	State            string      `json:"state"`
	FailureCount     int         `json:"failure_count"`
	SuccessCount     int         `json:"success_count"`
	TotalRequests    int64       `json:"total_requests"`
	HalfOpenInFlight int         `json:"half_open_in_flight"`
	TripCount        int         `json:"trip_count"`
	WindowStart      *time.Time  `json:"window_start,omitempty"`
	// RecentFailures holds the failure times still inside the rolling window.
	RecentFailures []time.Time `json:"recent_failures,omitempty"`
	LastFailureAt  *time.Time  `json:"last_failure_at,omitempty"`
	LastSuccessAt  *time.Time  `json:"last_success_at,omitempty"`
	NextAttemptAt  *time.Time  `json:"next_attempt_at,omitempty"`
	StateChangedAt time.Time   `json:"state_changed_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Version        int64       `json:"version"`
}

// Clone returns a deep copy of the record.
func (r *BreakerRecord) Clone() *BreakerRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.WindowStart = cloneTime(r.WindowStart)
	cp.RecentFailures = slices.Clone(r.RecentFailures)
	cp.LastFailureAt = cloneTime(r.LastFailureAt)
	cp.LastSuccessAt = cloneTime(r.LastSuccessAt)
	cp.NextAttemptAt = cloneTime(r.NextAttemptAt)
	return &cp
}

// BreakerTransition is an append-only circuit breaker history row.
type BreakerTransition struct {
	ID           int64       `json:"id"`
	Role         schema.Role `json:"role"`
	FromState    string      `json:"from_state"`
	ToState      string      `json:"to_state"`
	Reason       string      `json:"reason"`
	FailureCount int         `json:"failure_count"`
	SuccessCount int         `json:"success_count"`
	CreatedAt    time.Time   `json:"created_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
