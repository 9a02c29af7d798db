// Package engine runs role workers behind the Runtime contract. Two engines
// share one agent host and differ only in how they walk workflow graphs:
// LocalEngine runs steps one at a time, GraphEngine runs each dependency
// level concurrently.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tutorwiseapp/cas/internal/breaker"
	"github.com/tutorwiseapp/cas/internal/checkpoint"
	"github.com/tutorwiseapp/cas/internal/logging"
	"github.com/tutorwiseapp/cas/internal/store"
	"github.com/tutorwiseapp/cas/internal/streaming"
	"github.com/tutorwiseapp/cas/internal/transport"
	"github.com/tutorwiseapp/cas/internal/validation"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

// Kind selects an engine implementation.
type Kind string

const (
	KindLocal Kind = "local"
	KindGraph Kind = "graph"
)

// ParseKind validates an engine name from configuration.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLocal, KindGraph:
		return Kind(s), nil
	case "":
		return KindLocal, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown engine %q (want local or graph)", s)
	}
}

// Runtime is the contract every engine satisfies. Callers cannot tell the
// engines apart except by how fast multi-step workflows finish.
type Runtime interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) Health

	RegisterAgent(ctx context.Context, role schema.Role, cfg AgentConfig) error
	UnregisterAgent(ctx context.Context, role schema.Role) error
	ListAgents(ctx context.Context) []AgentInfo
	GetAgentStatus(ctx context.Context, role schema.Role) (*AgentInfo, error)

	// ExecuteTask blocks until the worker reports. Worker failures come back
	// as a result with status error; a non-nil error means the task could not
	// be run or recorded and is retryable when IsRetryableError says so.
	ExecuteTask(ctx context.Context, task *schema.Task) (*schema.TaskResult, error)
	StreamTask(ctx context.Context, task *schema.Task) (*TaskStream, error)
	CancelTask(ctx context.Context, taskID string) error

	GetAgentState(role schema.Role) (map[string]any, error)
	UpdateAgentState(ctx context.Context, role schema.Role, state map[string]any) error
	ResetAgentState(ctx context.Context, role schema.Role) error

	GetMetrics(ctx context.Context, role schema.Role) (*Metrics, error)
	GetLogs(role schema.Role, filter logging.LogFilter) ([]logging.LogEntry, error)
	GetEventHistory(role schema.Role, limit int) ([]streaming.StreamEvent, error)

	RegisterWorkflow(def *schema.WorkflowDefinition) error
	ExecuteWorkflow(ctx context.Context, workflowID string, input schema.WorkflowInput) (*schema.WorkflowResult, error)
	StreamWorkflow(ctx context.Context, workflowID string, input schema.WorkflowInput) (*WorkflowStream, error)
}

// Emitter publishes a partial result for the running task.
type Emitter func(data any) error

// Worker is the role logic the runtime hosts. The runtime never calls into a
// worker beyond Run.
type Worker interface {
	Run(ctx context.Context, task *schema.Task, emit Emitter) (json.RawMessage, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, task *schema.Task, emit Emitter) (json.RawMessage, error)

func (f WorkerFunc) Run(ctx context.Context, task *schema.Task, emit Emitter) (json.RawMessage, error) {
	return f(ctx, task, emit)
}

// AgentConfig configures one registered role.
type AgentConfig struct {
	Worker      Worker
	Concurrency int           // tasks run at once; default 1
	Timeout     time.Duration // per task; zero means none
	InputSchema json.RawMessage
	// Guarded routes every run through the circuit breaker. Set it for
	// workers that call an external provider.
	Guarded bool
}

// AgentInfo describes a registered role.
type AgentInfo struct {
	Role         schema.Role   `json:"role"`
	Status       string        `json:"status"`
	Concurrency  int           `json:"concurrency"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	Running      []string      `json:"running,omitempty"`
	Guarded      bool          `json:"guarded"`
	Breaker      string        `json:"breaker,omitempty"`
	RegisteredAt time.Time     `json:"registered_at"`
}

// Agent status values.
const (
	AgentIdle    = "idle"
	AgentBusy    = "busy"
	AgentStopped = "stopped"
)

// Metrics summarizes a role's task runs in this process.
type Metrics struct {
	Role          schema.Role `json:"role"`
	Runs          int64       `json:"runs"`
	Successes     int64       `json:"successes"`
	Errors        int64       `json:"errors"`
	Cancellations int64       `json:"cancellations"`
	AvgDurationMs float64     `json:"avg_duration_ms"`
	SuccessRate   float64     `json:"success_rate"`
	ErrorRate     float64     `json:"error_rate"`
	QueueDepth    int         `json:"queue_depth"`
	LastRunAt     *time.Time  `json:"last_run_at,omitempty"`
	Pool          PoolMetrics `json:"pool"`
}

// Health reports whether the runtime and its backing services are usable.
type Health struct {
	Healthy   bool     `json:"healthy"`
	Engine    Kind     `json:"engine"`
	Running   bool     `json:"running"`
	Transport bool     `json:"transport"`
	Store     bool     `json:"store"`
	Agents    int      `json:"agents"`
	Problems  []string `json:"problems,omitempty"`
}

// Store is the persistence the runtime needs: executions and agent results
// for tasks, checkpoints and events for workflows.
type Store interface {
	checkpoint.Store
	CreateExecution(ctx context.Context, exec *store.Execution) error
	UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error
	RecordAgentResult(ctx context.Context, result *store.AgentResult) error
}

// Deps wires a runtime to its collaborators. Transport and Store are
// required; everything else has a default.
type Deps struct {
	Transport   transport.Transport
	Store       Store
	Checkpoints *checkpoint.Checkpointer
	Breaker     *breaker.Breaker
	Hub         streaming.EventHub
	Validator   validation.Validator

	// Logger should already tee into Logs when both are given. With Logs
	// nil a ring buffer is created and wrapped around Logger.
	Logger *slog.Logger
	Logs   *logging.RingBuffer

	PollInterval       time.Duration // idle consumer poll; default 10ms
	CancelPollInterval time.Duration // running-task cancellation poll; default 50ms
	StreamBuffer       int           // chunks buffered per stream; default 16
	StreamDrain        time.Duration // wait for trailing chunks after the result; default 2s
	Parallelism        int           // graph engine steps per level; <= 0 means unbounded
	Retry              RetryPolicy
	Now                func() time.Time
}

// New builds the engine named by kind.
func New(kind Kind, deps Deps) (Runtime, error) {
	switch kind {
	case KindLocal, "":
		return NewLocalEngine(deps)
	case KindGraph:
		return NewGraphEngine(deps)
	default:
		return nil, fmt.Errorf("engine: unknown kind %q", kind)
	}
}
