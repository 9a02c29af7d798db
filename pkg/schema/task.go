package schema

import (
	"encoding/json"
	"time"
)

// TaskPriority orders queued work within a role.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
)

// Rank returns a sort key; lower runs first. Unknown priorities sort as medium.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is a known priority.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// TaskStatus represents the scheduling state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further scheduling transition is possible.
// Failed tasks may still be retried explicitly.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// Task is a schedulable unit of work.
type Task struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Role          Role            `json:"role"`
	Priority      TaskPriority    `json:"priority"`
	Status        TaskStatus      `json:"status"`
	Effort        int             `json:"effort"`
	DependsOn     []string        `json:"depends_on,omitempty"`
	BlockedReason string          `json:"blocked_reason,omitempty"`
	WorkflowID    string          `json:"workflow_id,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	Seq           int64           `json:"seq"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Input != nil {
		cp.Input = append(json.RawMessage(nil), t.Input...)
	}
	if t.Output != nil {
		cp.Output = append(json.RawMessage(nil), t.Output...)
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

// ResultStatus is the outcome of executing a task.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultError     ResultStatus = "error"
	ResultCancelled ResultStatus = "cancelled"
)

// TaskResult is what a worker produces for a task.
type TaskResult struct {
	TaskID          string          `json:"task_id"`
	ExecutionID     string          `json:"execution_id,omitempty"`
	Role            Role            `json:"role"`
	Status          ResultStatus    `json:"status"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           *CASError       `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	TokensUsed      *int64          `json:"tokens_used,omitempty"`
	Cost            *float64        `json:"cost,omitempty"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// WorkerStatus is the scheduler's view of one role.
type WorkerStatus struct {
	Role         Role     `json:"role"`
	Busy         bool     `json:"busy"`
	CurrentTasks []string `json:"current_tasks,omitempty"`
	Completed    []string `json:"completed,omitempty"`
	Blockers     []string `json:"blockers,omitempty"`
	Capacity     int      `json:"capacity"`
	MaxCapacity  int      `json:"max_capacity"`
}

// Clone returns a deep copy of the status.
func (w *WorkerStatus) Clone() *WorkerStatus {
	if w == nil {
		return nil
	}
	cp := *w
	cp.CurrentTasks = append([]string(nil), w.CurrentTasks...)
	cp.Completed = append([]string(nil), w.Completed...)
	cp.Blockers = append([]string(nil), w.Blockers...)
	return &cp
}

// BlockerSeverity ranks how badly a blocker impedes progress.
type BlockerSeverity string

const (
	SeverityLow      BlockerSeverity = "low"
	SeverityMedium   BlockerSeverity = "medium"
	SeverityHigh     BlockerSeverity = "high"
	SeverityCritical BlockerSeverity = "critical"
)

// Blocker records that one role's progress is impeded by another role or condition.
type Blocker struct {
	ID           string          `json:"id"`
	BlockedRole  Role            `json:"blocked_role"`
	BlockingRole Role            `json:"blocking_role,omitempty"`
	Kind         string          `json:"kind"`
	Reason       string          `json:"reason"`
	Severity     BlockerSeverity `json:"severity"`
	TaskIDs      []string        `json:"task_ids,omitempty"`
	DetectedAt   time.Time       `json:"detected_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

// Key identifies the condition a blocker describes, independent of when it was seen.
func (b *Blocker) Key() string {
	return string(b.BlockedRole) + "|" + string(b.BlockingRole) + "|" + b.Kind + "|" + b.Reason
}

// Clone returns a deep copy of the blocker.
func (b *Blocker) Clone() *Blocker {
	if b == nil {
		return nil
	}
	cp := *b
	cp.TaskIDs = append([]string(nil), b.TaskIDs...)
	if b.ResolvedAt != nil {
		ts := *b.ResolvedAt
		cp.ResolvedAt = &ts
	}
	return &cp
}
