package store

import (
	"context"
	"time"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow checkpoints (append-only)
	AppendCheckpoint(ctx context.Context, cp *Checkpoint) error
	InsertCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetLatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error)
	GetCheckpoint(ctx context.Context, workflowID string, version int) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error)
	PruneCheckpoints(ctx context.Context, before time.Time) (int64, error)

	// Workflow events (append-only)
	AppendWorkflowEvent(ctx context.Context, event *WorkflowEvent) error
	ListWorkflowEvents(ctx context.Context, workflowID string, since int64) ([]*WorkflowEvent, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	RecordAgentResult(ctx context.Context, result *AgentResult) error
	ListAgentResults(ctx context.Context, taskID string) ([]*AgentResult, error)

	// Circuit breaker
	GetBreaker(ctx context.Context, role schema.Role) (*BreakerRecord, error)
	ListBreakers(ctx context.Context) ([]*BreakerRecord, error)
	SwapBreaker(ctx context.Context, expectedVersion int64, next *BreakerRecord, transition *BreakerTransition) error
	ListBreakerHistory(ctx context.Context, role schema.Role, limit int) ([]*BreakerTransition, error)
	PruneBreakerHistory(ctx context.Context, before time.Time) (int64, error)

	// Scheduler state
	WithSchedulerTx(ctx context.Context, fn func(tx SchedulerTx) error) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SchedulerTx is a unit of work over orchestrator state. Changes made through
// it become visible only if the enclosing WithSchedulerTx callback returns nil.
type SchedulerTx interface {
	GetTask(id string) (*schema.Task, error)
	PutTask(task *schema.Task) error
	ListTasks() ([]*schema.Task, error)

	GetWorker(role schema.Role) (*schema.WorkerStatus, error)
	PutWorker(w *schema.WorkerStatus) error
	ListWorkers() ([]*schema.WorkerStatus, error)

	ListBlockers() ([]*schema.Blocker, error)
	ReplaceBlockers(blockers []*schema.Blocker) error
}
